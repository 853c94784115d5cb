package sweep

import (
	"fmt"
	"path/filepath"

	"github.com/alpkeskin/gotoon"
	"github.com/pders01/ckpt-eval/internal/config"
	"github.com/pders01/ckpt-eval/internal/models"
	"github.com/spf13/afero"
)

// SummaryFile is written at the sweep output root.
const SummaryFile = "summary.toon"

// SummaryDir is where the summary of a sweep over tmpl goes: the output
// root, or the run directory itself in single mode.
func SummaryDir(tmpl *config.RunConfig, summary models.SweepSummary) string {
	if summary.Single && len(summary.Runs) == 1 {
		return summary.Runs[0].Logdir
	}
	if tmpl.Logdir != "" {
		return tmpl.Logdir
	}
	return config.DefaultLogdir(tmpl.Source)
}

// WriteSummary encodes summary as TOON into dir.
func WriteSummary(fs afero.Fs, dir string, summary models.SweepSummary) (string, error) {
	output, err := gotoon.Encode(summary)
	if err != nil {
		return "", fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, SummaryFile)
	if err := afero.WriteFile(fs, path, []byte(output), 0644); err != nil {
		return "", fmt.Errorf("failed to write summary: %w", err)
	}
	return path, nil
}
