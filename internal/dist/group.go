// Package dist coordinates the cooperating worker processes of an
// evaluation run: rank bookkeeping, barriers and the SPMD launcher.
package dist

import (
	"context"
	"fmt"
	"sync"
)

// Group is a worker's handle on its process group.
type Group interface {
	// Rank is the worker index in [0, Size).
	Rank() int
	Size() int
	// IsMain reports whether this worker owns shared-output I/O.
	IsMain() bool
	// Barrier blocks until every worker of the group has reached it.
	Barrier(ctx context.Context) error
}

// barrier is a reusable generation barrier. A worker that gives up through
// ctx stays counted for its generation, so the others keep waiting: a
// stalled worker stalls the group.
type barrier struct {
	mu      sync.Mutex
	parties int
	arrived int
	release chan struct{}
}

func newBarrier(parties int) *barrier {
	return &barrier{parties: parties, release: make(chan struct{})}
}

func (b *barrier) wait(ctx context.Context) error {
	b.mu.Lock()
	release := b.release
	b.arrived++
	if b.arrived == b.parties {
		b.arrived = 0
		b.release = make(chan struct{})
		close(release)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("barrier abandoned: %w", ctx.Err())
	}
}

// LocalGroup is a process group whose workers share one address space.
type LocalGroup struct {
	size    int
	barrier *barrier
}

// NewLocalGroup creates a group of size workers.
func NewLocalGroup(size int) (*LocalGroup, error) {
	if size < 1 {
		return nil, fmt.Errorf("process group size must be positive, got %d", size)
	}
	return &LocalGroup{size: size, barrier: newBarrier(size)}, nil
}

// Member returns the handle of worker rank.
func (g *LocalGroup) Member(rank int) (Group, error) {
	if rank < 0 || rank >= g.size {
		return nil, fmt.Errorf("rank %d out of range [0, %d)", rank, g.size)
	}
	return &member{group: g, rank: rank}, nil
}

type member struct {
	group *LocalGroup
	rank  int
}

func (m *member) Rank() int    { return m.rank }
func (m *member) Size() int    { return m.group.size }
func (m *member) IsMain() bool { return m.rank == 0 }

func (m *member) Barrier(ctx context.Context) error {
	if m.group.size == 1 {
		return nil
	}
	return m.group.barrier.wait(ctx)
}

// Single is the process group of a non-distributed run.
func Single() Group {
	g, _ := NewLocalGroup(1)
	m, _ := g.Member(0)
	return m
}
