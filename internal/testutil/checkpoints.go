package testutil

import (
	"path/filepath"
	"testing"

	"github.com/pders01/ckpt-eval/internal/models"
	"github.com/spf13/afero"
)

// BundleDirs are the component folders of a model bundle.
var BundleDirs = []string{"unet", "vae", "text_encoder", "tokenizer", "scheduler"}

// WriteBundle lays out an empty model bundle at dir.
func WriteBundle(t *testing.T, fs afero.Fs, dir string) {
	t.Helper()
	for _, sub := range BundleDirs {
		if err := fs.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			t.Fatalf("failed to create bundle dir: %v", err)
		}
	}
}

// WriteCheckpointTree lays out checkpoint_<epoch> bundles under root and
// returns their paths in the given order.
func WriteCheckpointTree(t *testing.T, fs afero.Fs, root string, epochs ...int) []string {
	t.Helper()
	paths := make([]string, len(epochs))
	for i, epoch := range epochs {
		paths[i] = filepath.Join(root, models.CheckpointDirName(epoch))
		WriteBundle(t, fs, paths[i])
	}
	return paths
}
