// Package inversion caches the DDIM inversion of the source video for one
// evaluation run.
package inversion

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/pders01/ckpt-eval/internal/models"
	"github.com/pders01/ckpt-eval/internal/pipeline"
	"github.com/pders01/ckpt-eval/internal/tensor"
	"github.com/spf13/afero"
)

// PreconditionError reports an inversion request on a batch that is not a
// single video.
type PreconditionError struct {
	Videos int
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("inversion requires a batch of exactly one video, got %d", e.Videos)
}

// Options configure a Cache.
type Options struct {
	// Prompt conditions the inversion; NegativePrompt fills the
	// unconditional branch.
	Prompt         string
	NegativePrompt string
	DType          tensor.DType
	// StoreAttention is forwarded to the pipeline untouched.
	StoreAttention bool

	// Verbose writes every trajectory step to Dir/inversion.
	Verbose bool
	Fs      afero.Fs
	Dir     string
	Logger  *slog.Logger
}

// Cache computes the inversion of a run's source video at most once.
type Cache struct {
	opts Options

	mu     sync.Mutex
	result *models.InversionResult
}

func New(opts Options) *Cache {
	if opts.DType == "" {
		opts.DType = tensor.Float32
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{opts: opts}
}

// Result returns the cached inversion, or nil before the first successful
// Invert.
func (c *Cache) Result() *models.InversionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Invert returns the inversion of batch, computing it on first use. The
// batch must hold exactly one video and the pipeline's components must
// already be frozen.
func (c *Cache) Invert(ctx context.Context, batch models.Batch, pipe pipeline.Pipeline) (*models.InversionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result != nil {
		return c.result, nil
	}

	if n := batch.Size(); n != 1 {
		return nil, &PreconditionError{Videos: n}
	}

	images, err := tensor.Cast(batch.Images, c.opts.DType)
	if err != nil {
		return nil, err
	}
	frames, err := tensor.FlattenFrames(images)
	if err != nil {
		return nil, err
	}

	emb, err := pipe.EncodePrompt(ctx, c.opts.Prompt, pipeline.PromptOptions{
		Guidance:       true,
		NegativePrompt: c.opts.NegativePrompt,
	})
	if err != nil {
		return nil, err
	}

	trajectory, err := pipe.InvertLatents(ctx, pipeline.InvertRequest{
		Images:         frames,
		Embeddings:     emb,
		StoreAttention: c.opts.StoreAttention,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invert latents: %w", err)
	}
	if len(trajectory) == 0 {
		return nil, fmt.Errorf("pipeline returned an empty inversion trajectory")
	}

	if c.opts.Verbose && c.opts.Fs != nil && c.opts.Dir != "" {
		c.persist(trajectory)
	}

	c.result = &models.InversionResult{
		Trajectory:    trajectory,
		InitialLatent: trajectory[len(trajectory)-1],
	}
	return c.result, nil
}

// persist writes the trajectory for inspection. Failures only warn.
func (c *Cache) persist(trajectory []tensor.Tensor) {
	dir := filepath.Join(c.opts.Dir, "inversion")
	if err := c.opts.Fs.MkdirAll(dir, 0755); err != nil {
		c.opts.Logger.Warn("failed to create inversion dir", "dir", dir, "error", err)
		return
	}
	for i, lat := range trajectory {
		path := filepath.Join(dir, StepFileName(i))
		if err := tensor.WriteFile(c.opts.Fs, path, lat); err != nil {
			c.opts.Logger.Warn("failed to save inversion step", "path", path, "error", err)
		}
	}
}

// StepFileName names the file of trajectory step i.
func StepFileName(i int) string {
	return fmt.Sprintf("step_%03d.bin", i)
}
