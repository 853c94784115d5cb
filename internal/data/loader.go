package data

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/pders01/ckpt-eval/internal/models"
	"github.com/pders01/ckpt-eval/internal/tensor"
)

// Stream yields the batches of one pass and then io.EOF.
type Stream interface {
	Next() (models.Batch, error)
}

// Loader opens finite passes over a dataset. Every call may reshuffle.
type Loader interface {
	Open(pass int) (Stream, error)
}

// LoaderOptions configures a BatchLoader.
type LoaderOptions struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	// Rank and WorldSize select this worker's shard of every pass.
	Rank      int
	WorldSize int
}

// BatchLoader shuffles, shards and collates a Dataset.
type BatchLoader struct {
	ds   Dataset
	opts LoaderOptions
}

// NewBatchLoader validates opts and wraps ds.
func NewBatchLoader(ds Dataset, opts LoaderOptions) (*BatchLoader, error) {
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.WorldSize < 1 {
		opts.WorldSize = 1
	}
	if opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, fmt.Errorf("rank %d out of range for world size %d", opts.Rank, opts.WorldSize)
	}
	return &BatchLoader{ds: ds, opts: opts}, nil
}

// Open plans pass number pass. All workers draw the same permutation and
// take interleaved shards; the permutation is padded by wrapping around so
// every shard has the same length.
func (l *BatchLoader) Open(pass int) (Stream, error) {
	n := l.ds.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		rng := rand.New(rand.NewSource(l.opts.Seed + int64(pass)))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	world := l.opts.WorldSize
	if n > 0 && n%world != 0 {
		for i := 0; len(order)%world != 0; i++ {
			order = append(order, order[i%n])
		}
	}

	var shard []int
	for i := l.opts.Rank; i < len(order); i += world {
		shard = append(shard, order[i])
	}

	return &batchStream{ds: l.ds, indices: shard, batchSize: l.opts.BatchSize}, nil
}

type batchStream struct {
	ds        Dataset
	indices   []int
	batchSize int
	pos       int
}

func (s *batchStream) Next() (models.Batch, error) {
	if s.pos >= len(s.indices) {
		return models.Batch{}, io.EOF
	}
	end := min(s.pos+s.batchSize, len(s.indices))

	examples := make([]Example, 0, end-s.pos)
	for _, idx := range s.indices[s.pos:end] {
		ex, err := s.ds.Example(idx)
		if err != nil {
			return models.Batch{}, fmt.Errorf("failed to load example %d: %w", idx, err)
		}
		examples = append(examples, ex)
	}
	s.pos = end

	return Collate(examples)
}

// Collate stacks example videos into (b, c, f, h, w) and gathers prompt ids.
func Collate(examples []Example) (models.Batch, error) {
	images := make([]tensor.Tensor, len(examples))
	ids := make([][]int, len(examples))
	for i, ex := range examples {
		images[i] = ex.Images
		ids[i] = ex.PromptIDs
	}

	stacked, err := tensor.Stack(images)
	if err != nil {
		return models.Batch{}, fmt.Errorf("failed to collate batch: %w", err)
	}
	return models.Batch{PromptIDs: ids, Images: stacked}, nil
}
