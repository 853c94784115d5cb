package data

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pders01/ckpt-eval/internal/dist"
	"github.com/pders01/ckpt-eval/internal/models"
)

// ErrEmptySource is returned when a pass yields no batches at all.
var ErrEmptySource = errors.New("batch source produced an empty pass")

// CyclicSource turns a finite Loader into an endless batch sequence.
// Between passes every worker of the group meets at a barrier, so no
// worker starts pass N+1 while another is still consuming pass N.
type CyclicSource struct {
	loader Loader
	group  dist.Group
	stream Stream
	pass   int
	served int // batches served in the current pass
}

func NewCyclicSource(loader Loader, group dist.Group) *CyclicSource {
	return &CyclicSource{loader: loader, group: group}
}

// Pass returns the number of completed passes.
func (s *CyclicSource) Pass() int {
	return s.pass
}

// Next returns the next batch, restarting the loader when a pass ends.
func (s *CyclicSource) Next(ctx context.Context) (models.Batch, error) {
	if s.stream == nil {
		if err := s.open(); err != nil {
			return models.Batch{}, err
		}
	}

	batch, err := s.stream.Next()
	if errors.Is(err, io.EOF) {
		if s.served == 0 {
			return models.Batch{}, ErrEmptySource
		}
		s.pass++
		if err := s.group.Barrier(ctx); err != nil {
			return models.Batch{}, fmt.Errorf("failed to synchronize at pass %d: %w", s.pass, err)
		}
		if err := s.open(); err != nil {
			return models.Batch{}, err
		}
		batch, err = s.stream.Next()
		if errors.Is(err, io.EOF) {
			return models.Batch{}, ErrEmptySource
		}
	}
	if err != nil {
		return models.Batch{}, err
	}

	s.served++
	return batch, nil
}

func (s *CyclicSource) open() error {
	stream, err := s.loader.Open(s.pass)
	if err != nil {
		return fmt.Errorf("failed to start pass %d: %w", s.pass, err)
	}
	s.stream = stream
	s.served = 0
	return nil
}
