package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pders01/ckpt-eval/internal/backend"
	"github.com/pders01/ckpt-eval/internal/config"
	"github.com/pders01/ckpt-eval/internal/data"
	"github.com/pders01/ckpt-eval/internal/eval"
	"github.com/pders01/ckpt-eval/internal/git"
	"github.com/pders01/ckpt-eval/internal/models"
	"github.com/pders01/ckpt-eval/internal/pipeline"
	"github.com/pders01/ckpt-eval/internal/sweep"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	// newLoader builds the model loader of a run.
	newLoader = serverLoader
	// newDataset overrides the frame directory dataset when set.
	newDataset func(fs afero.Fs, cfg config.DatasetConfig, promptIDs []int) (data.Dataset, error)
)

func serverLoader(cfg *config.RunConfig, logger *slog.Logger) backend.Loader {
	return &backend.ServerLoader{
		Fs:          appFs,
		URL:         cfg.ModelBackend.URL,
		Timeout:     cfg.ModelBackend.Timeout,
		TextEncoder: cfg.ModelBackend.TextEncoder,
		OllamaURL:   cfg.ModelBackend.OllamaURL,
		OllamaModel: cfg.ModelBackend.OllamaModel,
		Logger:      logger,
	}
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()
	logger := newLogger(cmd.ErrOrStderr())

	cfg, err := config.Load(appFs, cfgFile)
	if err != nil {
		return err
	}

	// Unknown targets fail before any model is loaded
	registry := pipeline.DefaultRegistry()
	if _, err := cfg.ResolvePipeline(registry.Resolve); err != nil {
		return err
	}

	revision := ""
	if wd, err := os.Getwd(); err == nil {
		if revision, err = git.Revision(wd); err != nil {
			logger.Warn("failed to read source revision", "error", err)
		}
	}

	orch := &eval.Orchestrator{
		Fs:         appFs,
		Loader:     newLoader(cfg, logger),
		Pipelines:  registry,
		NewDataset: newDataset,
		Revision:   revision,
		Out:        out,
	}
	driver := &sweep.Driver{
		Fs:     appFs,
		Runner: &sweep.DistributedRunner{Orchestrator: orch, Logger: logger},
		Out:    out,
		Logger: logger,
	}

	summary, runErr := driver.Run(ctx, cfg)
	if len(summary.Runs) > 0 {
		printSummary(out, summary)
		path, err := sweep.WriteSummary(appFs, sweep.SummaryDir(cfg, summary), summary)
		if err != nil {
			logger.Warn("failed to write summary", "error", err)
		} else {
			fmt.Fprintf(out, "Summary written to %s\n", path)
		}
	}
	if runErr != nil {
		return runErr
	}

	if n := summary.Failed(); n > 0 {
		fmt.Fprintf(out, "%d of %d checkpoints failed\n", n, len(summary.Runs))
	}
	return nil
}

func printSummary(w io.Writer, summary models.SweepSummary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"CHECKPOINT", "EPOCH", "STATUS", "DURATION", "LOGDIR"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	for _, r := range summary.Runs {
		epoch := "-"
		if !summary.Single {
			epoch = strconv.Itoa(r.Epoch)
		}
		table.Append([]string{r.Checkpoint, epoch, string(r.Status), r.Duration.Round(time.Millisecond).String(), r.Logdir})
	}
	table.Render()
}
