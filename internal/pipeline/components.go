// Package pipeline drives the diffusion components of a model bundle:
// prompt encoding, DDIM latent inversion and conditioned sampling.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/pders01/ckpt-eval/internal/tensor"
)

// Tokenizer maps a prompt to the token ids of the text encoder.
type Tokenizer interface {
	Tokenize(ctx context.Context, text string) ([]int, error)
}

// TextEncoder embeds a prompt as a (1, tokens, dim) tensor.
type TextEncoder interface {
	EncodeText(ctx context.Context, text string) (tensor.Tensor, error)
}

// Autoencoder maps (n, 3, H, W) images to unscaled (n, c, h, w) latents and
// back.
type Autoencoder interface {
	Encode(ctx context.Context, images tensor.Tensor) (tensor.Tensor, error)
	Decode(ctx context.Context, latents tensor.Tensor) (tensor.Tensor, error)
}

// DenoiseOptions are forwarded untouched to the denoising network.
type DenoiseOptions struct {
	// StoreAttention asks the network to keep its attention maps for a
	// later guided generation.
	StoreAttention bool
	// ReuseAttention asks the network to blend in stored attention maps.
	ReuseAttention bool
	// DiskStore keeps stored attention on disk instead of in memory.
	DiskStore bool
}

// Denoiser predicts the noise in (1, c, f, h, w) latents at a timestep.
type Denoiser interface {
	PredictNoise(ctx context.Context, latents tensor.Tensor, timestep int, embeddings tensor.Tensor, opts DenoiseOptions) (tensor.Tensor, error)
}

// Components is everything a pipeline is built from.
type Components struct {
	Tokenizer   Tokenizer
	TextEncoder TextEncoder
	VAE         Autoencoder
	UNet        Denoiser
	Scheduler   SchedulerConfig

	// VAEScale multiplies encoder output before denoising.
	VAEScale float32
	// LatentChannels and Downsample describe the latent grid.
	LatentChannels int
	Downsample     int
}

// Optional capabilities a component may implement.
type (
	freezer interface {
		Freeze(ctx context.Context) error
	}
	attentionOptimizer interface {
		EnableMemoryEfficientAttention(ctx context.Context) error
	}
	closer interface {
		Close() error
	}
)

// OptionalFeatureUnavailable reports a performance hook that could not be
// enabled. Runs continue without it.
type OptionalFeatureUnavailable struct {
	Feature string
	Err     error
}

func (e *OptionalFeatureUnavailable) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s is not available", e.Feature)
	}
	return fmt.Sprintf("%s is not available: %v", e.Feature, e.Err)
}

func (e *OptionalFeatureUnavailable) Unwrap() error {
	return e.Err
}

func (c Components) validate() error {
	var missing []error
	if c.Tokenizer == nil {
		missing = append(missing, errors.New("tokenizer"))
	}
	if c.TextEncoder == nil {
		missing = append(missing, errors.New("text_encoder"))
	}
	if c.VAE == nil {
		missing = append(missing, errors.New("vae"))
	}
	if c.UNet == nil {
		missing = append(missing, errors.New("unet"))
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing components: %w", errors.Join(missing...))
	}
	if c.VAEScale == 0 || c.LatentChannels < 1 || c.Downsample < 1 {
		return fmt.Errorf("invalid latent geometry: scale=%v channels=%d downsample=%d",
			c.VAEScale, c.LatentChannels, c.Downsample)
	}
	return nil
}

// each visits every distinct component once.
func (c Components) each(fn func(any) error) error {
	seen := map[any]bool{}
	for _, comp := range []any{c.Tokenizer, c.TextEncoder, c.VAE, c.UNet} {
		if comp == nil || seen[comp] {
			continue
		}
		seen[comp] = true
		if err := fn(comp); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every component that holds resources. Pipelines own
// their components; Close is for components no pipeline was built from.
func (c Components) Close() error {
	return c.each(func(comp any) error {
		if cl, ok := comp.(closer); ok {
			return cl.Close()
		}
		return nil
	})
}
