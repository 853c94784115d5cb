package sweep

import (
	"context"
	"log/slog"

	"github.com/pders01/ckpt-eval/internal/config"
	"github.com/pders01/ckpt-eval/internal/dist"
	"github.com/pders01/ckpt-eval/internal/eval"
	"github.com/pders01/ckpt-eval/internal/models"
)

// DistributedRunner evaluates a checkpoint on cfg.NumProcesses workers.
type DistributedRunner struct {
	Orchestrator *eval.Orchestrator
	Logger       *slog.Logger
	// OnReport receives the report of every worker.
	OnReport func(rank int, r *eval.Report)
}

func (r *DistributedRunner) Run(ctx context.Context, cfg *config.RunConfig, cp models.Checkpoint) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// dtype is fixed before any worker starts
	precision := cfg.DType()

	return dist.Launch(ctx, cfg.NumProcesses, func(ctx context.Context, g dist.Group) error {
		report, err := r.Orchestrator.Run(ctx, eval.RunContext{
			Group:     g,
			Device:    cfg.Device,
			Precision: precision,
			Logger:    logger,
		}, cfg, cp)
		if r.OnReport != nil && report != nil {
			r.OnReport(g.Rank(), report)
		}
		return err
	})
}
