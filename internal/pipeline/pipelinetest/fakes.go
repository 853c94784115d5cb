// Package pipelinetest provides small deterministic model components for
// exercising pipelines without a model server.
package pipelinetest

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/pders01/ckpt-eval/internal/pipeline"
	"github.com/pders01/ckpt-eval/internal/tensor"
)

// Tokenizer maps each byte of the prompt to a token id.
type Tokenizer struct{}

func (Tokenizer) Tokenize(ctx context.Context, text string) ([]int, error) {
	ids := []int{49406}
	for _, b := range []byte(text) {
		ids = append(ids, int(b))
	}
	return append(ids, 49407), nil
}

// TextEncoder derives a (1, 4, Dim) embedding from a hash of the prompt.
type TextEncoder struct {
	Dim int

	mu    sync.Mutex
	Calls []string
}

func (e *TextEncoder) EncodeText(ctx context.Context, text string) (tensor.Tensor, error) {
	e.mu.Lock()
	e.Calls = append(e.Calls, text)
	e.mu.Unlock()

	h := fnv.New64a()
	h.Write([]byte(text))
	dim := e.Dim
	if dim == 0 {
		dim = 8
	}
	return tensor.Randn(rand.New(rand.NewSource(int64(h.Sum64()))), 1, 4, dim), nil
}

// VAE average-pools images into latents and upsamples them back by
// repetition.
type VAE struct {
	Channels   int
	Downsample int
}

func (v VAE) Encode(ctx context.Context, images tensor.Tensor) (tensor.Tensor, error) {
	if len(images.Shape) != 4 {
		return tensor.Tensor{}, errors.New("vae expects (n, c, H, W)")
	}
	n, c, H, W := images.Shape[0], images.Shape[1], images.Shape[2], images.Shape[3]
	d := v.Downsample
	h, w := H/d, W/d
	out := tensor.Zeros(n, v.Channels, h, w)
	norm := float32(c * d * d)
	for i := 0; i < n; i++ {
		for y := 0; y < H; y++ {
			for x := 0; x < W; x++ {
				var sum float32
				for ci := 0; ci < c; ci++ {
					sum += images.Data[((i*c+ci)*H+y)*W+x]
				}
				for lc := 0; lc < v.Channels; lc++ {
					out.Data[((i*v.Channels+lc)*h+y/d)*w+x/d] += sum / norm
				}
			}
		}
	}
	return out, nil
}

func (v VAE) Decode(ctx context.Context, latents tensor.Tensor) (tensor.Tensor, error) {
	if len(latents.Shape) != 4 {
		return tensor.Tensor{}, errors.New("vae expects (n, c, h, w)")
	}
	n, c, h, w := latents.Shape[0], latents.Shape[1], latents.Shape[2], latents.Shape[3]
	d := v.Downsample
	H, W := h*d, w*d
	out := tensor.Zeros(n, 3, H, W)
	for i := 0; i < n; i++ {
		for y := 0; y < H; y++ {
			for x := 0; x < W; x++ {
				val := latents.Data[((i*c)*h+y/d)*w+x/d]
				for ch := 0; ch < 3; ch++ {
					out.Data[((i*3+ch)*H+y)*W+x] = val
				}
			}
		}
	}
	return out, nil
}

// UNet predicts a fixed fraction of its input as noise and records the
// options of every call.
type UNet struct {
	Factor float32

	mu    sync.Mutex
	Calls []pipeline.DenoiseOptions
	Steps []int
}

func (u *UNet) PredictNoise(ctx context.Context, latents tensor.Tensor, t int, emb tensor.Tensor, opts pipeline.DenoiseOptions) (tensor.Tensor, error) {
	u.mu.Lock()
	u.Calls = append(u.Calls, opts)
	u.Steps = append(u.Steps, t)
	u.mu.Unlock()
	return tensor.Scale(latents, u.Factor), nil
}

// Count returns the number of PredictNoise calls.
func (u *UNet) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.Calls)
}

// Components assembles the fakes into a bundle with 4 latent channels
// downsampled by 2.
func Components() pipeline.Components {
	return pipeline.Components{
		Tokenizer:      Tokenizer{},
		TextEncoder:    &TextEncoder{},
		VAE:            VAE{Channels: 4, Downsample: 2},
		UNet:           &UNet{},
		Scheduler:      pipeline.DefaultSchedulerConfig(),
		VAEScale:       0.18215,
		LatentChannels: 4,
		Downsample:     2,
	}
}
