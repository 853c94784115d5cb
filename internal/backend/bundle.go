// Package backend loads the model components of a checkpoint bundle.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/pders01/ckpt-eval/internal/pipeline"
	"github.com/pders01/ckpt-eval/internal/tensor"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// ComponentDirs are the subfolders every model bundle must contain.
var ComponentDirs = []string{"unet", "vae", "text_encoder", "tokenizer", "scheduler"}

// LoadOptions are applied identically on every worker.
type LoadOptions struct {
	DType  tensor.DType
	Device string
	// ModelConfig is forwarded to the backend as is.
	ModelConfig map[string]any
}

// Loader turns a bundle path into pipeline components.
type Loader interface {
	Load(ctx context.Context, modelPath string, opts LoadOptions) (pipeline.Components, error)
}

// VAEConfig is the subset of vae/config.json that shapes latents.
type VAEConfig struct {
	ScalingFactor    float32 `json:"scaling_factor"`
	LatentChannels   int     `json:"latent_channels"`
	BlockOutChannels []int   `json:"block_out_channels"`
}

// Downsample is the spatial reduction of the encoder.
func (c VAEConfig) Downsample() int {
	if len(c.BlockOutChannels) == 0 {
		return 8
	}
	return 1 << (len(c.BlockOutChannels) - 1)
}

func defaultVAEConfig() VAEConfig {
	return VAEConfig{ScalingFactor: 0.18215, LatentChannels: 4}
}

// UNetConfig is the subset of unet/config.json checked at load time.
type UNetConfig struct {
	// CrossAttentionDim is the prompt embedding width; 0 when unknown.
	CrossAttentionDim int `json:"cross_attention_dim"`
}

// Bundle is the locally readable part of a model bundle.
type Bundle struct {
	Path      string
	Scheduler pipeline.SchedulerConfig
	VAE       VAEConfig
	UNet      UNetConfig
}

// ReadBundle checks the component layout under path and reads the
// scheduler and autoencoder configs. Missing config files fall back to
// Stable Diffusion v1 defaults.
func ReadBundle(ctx context.Context, fsys afero.Fs, path string) (*Bundle, error) {
	b := &Bundle{
		Path:      path,
		Scheduler: pipeline.DefaultSchedulerConfig(),
		VAE:       defaultVAEConfig(),
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, dir := range ComponentDirs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := fsys.Stat(filepath.Join(path, dir))
			if err != nil {
				return fmt.Errorf("missing %s component: %w", dir, err)
			}
			if !info.IsDir() {
				return fmt.Errorf("%s component is not a directory", dir)
			}
			return nil
		})
	}
	g.Go(func() error {
		return readJSON(fsys, filepath.Join(path, "scheduler", "scheduler_config.json"), &b.Scheduler)
	})
	g.Go(func() error {
		return readJSON(fsys, filepath.Join(path, "vae", "config.json"), &b.VAE)
	})
	g.Go(func() error {
		return readJSON(fsys, filepath.Join(path, "unet", "config.json"), &b.UNet)
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("invalid model bundle %s: %w", path, err)
	}

	if b.VAE.ScalingFactor == 0 {
		b.VAE.ScalingFactor = defaultVAEConfig().ScalingFactor
	}
	if b.VAE.LatentChannels == 0 {
		b.VAE.LatentChannels = defaultVAEConfig().LatentChannels
	}
	return b, nil
}

// readJSON decodes path over v, leaving v untouched when the file is absent.
func readJSON(fsys afero.Fs, path string, v any) error {
	data, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// Components fills the bundle geometry into c.
func (b *Bundle) Components(c pipeline.Components) pipeline.Components {
	c.Scheduler = b.Scheduler
	c.VAEScale = b.VAE.ScalingFactor
	c.LatentChannels = b.VAE.LatentChannels
	c.Downsample = b.VAE.Downsample()
	return c
}
