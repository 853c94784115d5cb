package dist

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"
)

// Launch runs fn once per rank of a fresh group of n workers and waits for
// all of them. The first failure cancels the context handed to the others.
func Launch(ctx context.Context, n int, fn func(ctx context.Context, g Group) error) error {
	group, err := NewLocalGroup(n)
	if err != nil {
		return err
	}

	p := pool.New().WithContext(ctx).WithFailFast()
	for rank := 0; rank < n; rank++ {
		m, err := group.Member(rank)
		if err != nil {
			return err
		}
		p.Go(func(ctx context.Context) error {
			if err := fn(ctx, m); err != nil {
				return fmt.Errorf("rank %d: %w", m.Rank(), err)
			}
			return nil
		})
	}
	return p.Wait()
}
