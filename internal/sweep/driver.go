// Package sweep evaluates every selected checkpoint of a model root.
package sweep

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pders01/ckpt-eval/internal/catalog"
	"github.com/pders01/ckpt-eval/internal/config"
	"github.com/pders01/ckpt-eval/internal/models"
	"github.com/spf13/afero"
)

// CheckpointRunError wraps the failure of one checkpoint's evaluation.
type CheckpointRunError struct {
	Checkpoint string
	Err        error
}

func (e *CheckpointRunError) Error() string {
	return fmt.Sprintf("evaluation of %s failed: %v", e.Checkpoint, e.Err)
}

func (e *CheckpointRunError) Unwrap() error {
	return e.Err
}

// Runner evaluates one checkpoint with a prepared config.
type Runner interface {
	Run(ctx context.Context, cfg *config.RunConfig, cp models.Checkpoint) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cfg *config.RunConfig, cp models.Checkpoint) error

func (f RunnerFunc) Run(ctx context.Context, cfg *config.RunConfig, cp models.Checkpoint) error {
	return f(ctx, cfg, cp)
}

// Driver runs a sweep.
type Driver struct {
	Fs     afero.Fs
	Runner Runner
	// Now stamps run directories; it is read once per sweep.
	Now    func() time.Time
	Out    io.Writer
	Logger *slog.Logger
}

// Plan returns the checkpoints a sweep over tmpl evaluates. In single
// mode the root itself is the only checkpoint and no scan happens.
func (d *Driver) Plan(tmpl *config.RunConfig) ([]models.Checkpoint, bool, error) {
	root := tmpl.PretrainedModelPath
	single, err := catalog.IsSingleCheckpoint(d.Fs, root)
	if err != nil {
		return nil, false, err
	}
	if single {
		return []models.Checkpoint{{Path: root}}, true, nil
	}

	all, err := catalog.Discover(d.Fs, root)
	if err != nil {
		return nil, false, err
	}
	return catalog.Select(all, tmpl.PretrainedEpochList), false, nil
}

// Run evaluates the planned checkpoints in ascending epoch order. Under
// the continue policy a failed checkpoint is recorded and the sweep goes
// on; under abort the first *CheckpointRunError is returned.
func (d *Driver) Run(ctx context.Context, tmpl *config.RunConfig) (models.SweepSummary, error) {
	out := d.Out
	if out == nil {
		out = io.Discard
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	if d.Now != nil {
		now = d.Now()
	}

	checkpoints, single, err := d.Plan(tmpl)
	summary := models.SweepSummary{Root: tmpl.PretrainedModelPath, Single: single}
	if err != nil {
		return summary, err
	}

	base := tmpl.Logdir
	if base == "" {
		base = config.DefaultLogdir(tmpl.Source)
	}

	if !single {
		fmt.Fprintln(out, "checkpoint to evaluate:")
		for _, cp := range checkpoints {
			fmt.Fprintf(out, "  %s\n", cp.Path)
		}
	}

	for _, cp := range checkpoints {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		cfg := tmpl.Clone()
		cfg.PretrainedModelPath = cp.Path
		name := cp.Name()
		if single {
			name = ""
		}
		cfg.Logdir = config.RunDir(base, name, now)

		fmt.Fprintf(out, "Evaluate %s\n", cp.Path)
		fmt.Fprintf(out, "Saving at %s\n", cfg.Logdir)

		start := time.Now()
		runErr := d.Runner.Run(ctx, cfg, cp)
		record := models.RunRecord{
			Checkpoint: cp.Path,
			Epoch:      cp.Epoch,
			Logdir:     cfg.Logdir,
			Status:     models.RunSucceeded,
			Duration:   time.Since(start),
		}
		if runErr != nil {
			record.Status = models.RunFailed
			record.Error = runErr.Error()
		}
		summary.Runs = append(summary.Runs, record)

		if runErr != nil {
			err := &CheckpointRunError{Checkpoint: cp.Path, Err: runErr}
			if tmpl.SweepFailurePolicy == config.PolicyAbort {
				return summary, err
			}
			logger.Error("checkpoint failed, continuing", "checkpoint", cp.Path, "error", runErr)
		}
	}
	return summary, nil
}
