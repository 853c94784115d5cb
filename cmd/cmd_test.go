package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/pders01/ckpt-eval/internal/backend"
	"github.com/pders01/ckpt-eval/internal/config"
	"github.com/pders01/ckpt-eval/internal/data"
	"github.com/pders01/ckpt-eval/internal/pipeline"
	"github.com/pders01/ckpt-eval/internal/pipeline/pipelinetest"
	"github.com/pders01/ckpt-eval/internal/tensor"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

type fakeLoader struct {
	paths []string
}

func (l *fakeLoader) Load(ctx context.Context, path string, opts backend.LoadOptions) (pipeline.Components, error) {
	l.paths = append(l.paths, path)
	return pipelinetest.Components(), nil
}

type clipDataset struct{}

func (clipDataset) Len() int { return 2 }

func (clipDataset) Example(i int) (data.Example, error) {
	return data.Example{PromptIDs: []int{i}, Images: tensor.Zeros(3, 2, 4, 4)}, nil
}

// setupCommand points the commands at an in-memory filesystem holding
// configYAML and returns a command writing to out.
func setupCommand(t *testing.T, configYAML string) (afero.Fs, *fakeLoader, *cobra.Command, *bytes.Buffer) {
	t.Helper()

	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "config/jeep.yml", []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}
	loader := &fakeLoader{}

	oldFs, oldCfg, oldLoader, oldDataset := appFs, cfgFile, newLoader, newDataset
	t.Cleanup(func() {
		appFs, cfgFile, newLoader, newDataset = oldFs, oldCfg, oldLoader, oldDataset
		checkpointsToon = false
	})
	appFs = fs
	cfgFile = "config/jeep.yml"
	newLoader = func(*config.RunConfig, *slog.Logger) backend.Loader { return loader }
	newDataset = func(afero.Fs, config.DatasetConfig, []int) (data.Dataset, error) {
		return clipDataset{}, nil
	}

	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&out)
	c.SetErr(&bytes.Buffer{})
	return fs, loader, c, &out
}

func writeCheckpoints(t *testing.T, fs afero.Fs, root string, names ...string) {
	t.Helper()
	for _, name := range names {
		for _, sub := range []string{"unet", "vae", "text_encoder", "tokenizer", "scheduler"} {
			if err := fs.MkdirAll(filepath.Join(root, name, sub), 0755); err != nil {
				t.Fatal(err)
			}
		}
	}
}
