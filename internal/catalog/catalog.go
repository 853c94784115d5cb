// Package catalog discovers saved checkpoints under a model root.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pders01/ckpt-eval/internal/models"
	"github.com/spf13/afero"
)

// SingleCheckpointMarker is the component subfolder whose presence marks a
// root as a complete model bundle rather than a directory of checkpoints.
const SingleCheckpointMarker = "unet"

// CatalogError reports a root that yields no checkpoints to sweep
type CatalogError struct {
	Root string
	Err  error
}

func (e *CatalogError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no checkpoints under %s: %v", e.Root, e.Err)
	}
	return fmt.Sprintf("no %s<epoch> directories under %s", models.CheckpointPrefix, e.Root)
}

func (e *CatalogError) Unwrap() error {
	return e.Err
}

// IsSingleCheckpoint reports whether root itself is a model bundle
func IsSingleCheckpoint(fs afero.Fs, root string) (bool, error) {
	ok, err := afero.Exists(fs, filepath.Join(root, SingleCheckpointMarker))
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", root, err)
	}
	return ok, nil
}

// Discover lists checkpoint_<epoch> directories under root, ascending by epoch
func Discover(fs afero.Fs, root string) ([]models.Checkpoint, error) {
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &CatalogError{Root: root, Err: err}
		}
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}

	var checkpoints []models.Checkpoint
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		epoch, ok := models.ParseCheckpointName(entry.Name())
		if !ok {
			continue
		}
		checkpoints = append(checkpoints, models.Checkpoint{
			Path:     filepath.Join(root, entry.Name()),
			Epoch:    epoch,
			HasEpoch: true,
		})
	}

	if len(checkpoints) == 0 {
		return nil, &CatalogError{Root: root}
	}

	// Numeric order: checkpoint_9 before checkpoint_10
	sort.SliceStable(checkpoints, func(i, j int) bool {
		return checkpoints[i].Epoch < checkpoints[j].Epoch
	})

	return checkpoints, nil
}

// Select keeps checkpoints whose epoch is allowed. A nil allow-list keeps all.
func Select(checkpoints []models.Checkpoint, allowed []int) []models.Checkpoint {
	if allowed == nil {
		return checkpoints
	}

	allow := make(map[int]bool, len(allowed))
	for _, epoch := range allowed {
		allow[epoch] = true
	}

	selected := make([]models.Checkpoint, 0, len(allowed))
	for _, c := range checkpoints {
		if allow[c.Epoch] {
			selected = append(selected, c)
		}
	}
	return selected
}
