package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/pders01/ckpt-eval/internal/tensor"
)

// Pipeline is a generation pipeline around one loaded model bundle.
type Pipeline interface {
	Name() string
	Describe() string
	SetInferenceSteps(steps int) error
	InferenceSteps() int
	// EnableMemoryEfficientAttention fails with *OptionalFeatureUnavailable
	// when no component supports it.
	EnableMemoryEfficientAttention(ctx context.Context) error
	// Freeze puts every component in inference mode without gradients.
	Freeze(ctx context.Context) error
	Tokenize(ctx context.Context, prompt string) ([]int, error)
	EncodePrompt(ctx context.Context, prompt string, opts PromptOptions) (tensor.Tensor, error)
	InvertLatents(ctx context.Context, req InvertRequest) ([]tensor.Tensor, error)
	Generate(ctx context.Context, req GenerateRequest) (tensor.Tensor, error)
	Close() error
}

// PromptOptions selects the classifier-free guidance branch.
type PromptOptions struct {
	Guidance       bool
	NegativePrompt string
}

// InvertRequest asks for the DDIM inversion trajectory of a video.
type InvertRequest struct {
	// Images is (frames, 3, H, W) of a single video.
	Images tensor.Tensor
	// Embeddings come from EncodePrompt; with guidance only the
	// conditional half is used.
	Embeddings     tensor.Tensor
	StoreAttention bool
}

// GenerateRequest asks for one sampled video.
type GenerateRequest struct {
	Prompt         string
	NegativePrompt string
	GuidanceScale  float32
	// Latents seeds the sampler; nil starts from seeded noise.
	Latents *tensor.Tensor
	Seed    int64
	Frames  int
	Height  int
	Width   int
}

// SpatioTemporal runs DDIM over (1, c, f, h, w) video latents.
type SpatioTemporal struct {
	name      string
	c         Components
	scheduler *DDIMScheduler
	steps     int
	// editAttention reuses attention stored during inversion while sampling.
	editAttention bool
	diskStore     bool
	logger        *slog.Logger
}

func newSpatioTemporal(name string, editAttention bool, c Components, opts Options) (Pipeline, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	sched, err := NewDDIMScheduler(c.Scheduler)
	if err != nil {
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SpatioTemporal{
		name:          name,
		c:             c,
		scheduler:     sched,
		editAttention: editAttention,
		diskStore:     opts.DiskStore,
		logger:        logger,
	}, nil
}

func (p *SpatioTemporal) Name() string { return p.name }

func (p *SpatioTemporal) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pipeline %s\n", p.name)
	fmt.Fprintf(&b, "  scheduler:    DDIM (%d train steps, %s betas)\n",
		p.c.Scheduler.NumTrainTimesteps, p.c.Scheduler.BetaSchedule)
	fmt.Fprintf(&b, "  latents:      %d channels, /%d, scale %g\n",
		p.c.LatentChannels, p.c.Downsample, p.c.VAEScale)
	fmt.Fprintf(&b, "  tokenizer:    %T\n", p.c.Tokenizer)
	fmt.Fprintf(&b, "  text encoder: %T\n", p.c.TextEncoder)
	fmt.Fprintf(&b, "  vae:          %T\n", p.c.VAE)
	fmt.Fprintf(&b, "  unet:         %T\n", p.c.UNet)
	return b.String()
}

func (p *SpatioTemporal) SetInferenceSteps(steps int) error {
	if err := p.scheduler.SetTimesteps(steps); err != nil {
		return err
	}
	p.steps = steps
	return nil
}

func (p *SpatioTemporal) InferenceSteps() int { return p.steps }

func (p *SpatioTemporal) EnableMemoryEfficientAttention(ctx context.Context) error {
	enabled := 0
	err := p.c.each(func(comp any) error {
		opt, ok := comp.(attentionOptimizer)
		if !ok {
			return nil
		}
		if err := opt.EnableMemoryEfficientAttention(ctx); err != nil {
			return err
		}
		enabled++
		return nil
	})
	if err != nil {
		return &OptionalFeatureUnavailable{Feature: "memory efficient attention", Err: err}
	}
	if enabled == 0 {
		return &OptionalFeatureUnavailable{Feature: "memory efficient attention"}
	}
	return nil
}

func (p *SpatioTemporal) Freeze(ctx context.Context) error {
	return p.c.each(func(comp any) error {
		if f, ok := comp.(freezer); ok {
			return f.Freeze(ctx)
		}
		return nil
	})
}

func (p *SpatioTemporal) Close() error {
	return p.c.Close()
}

func (p *SpatioTemporal) Tokenize(ctx context.Context, prompt string) ([]int, error) {
	return p.c.Tokenizer.Tokenize(ctx, prompt)
}

// EncodePrompt returns the conditional embedding, preceded by the
// unconditional one along dimension 0 when guidance is requested.
func (p *SpatioTemporal) EncodePrompt(ctx context.Context, prompt string, opts PromptOptions) (tensor.Tensor, error) {
	cond, err := p.c.TextEncoder.EncodeText(ctx, prompt)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("failed to encode prompt: %w", err)
	}
	if !opts.Guidance {
		return cond, nil
	}
	uncond, err := p.c.TextEncoder.EncodeText(ctx, opts.NegativePrompt)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("failed to encode negative prompt: %w", err)
	}
	return tensor.Concat(uncond, cond)
}

func conditional(emb tensor.Tensor) (tensor.Tensor, error) {
	if len(emb.Shape) == 0 || emb.Shape[0] != 2 {
		return emb, nil
	}
	halves, err := tensor.Chunk(emb, 2)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return halves[1], nil
}

// InvertLatents encodes the video and walks the DDIM schedule backwards,
// returning steps+1 latents from clean to fully noised. Inversion is
// guidance-free: only the conditional embedding is used.
func (p *SpatioTemporal) InvertLatents(ctx context.Context, req InvertRequest) ([]tensor.Tensor, error) {
	if p.steps == 0 {
		return nil, fmt.Errorf("inference steps not set")
	}
	cond, err := conditional(req.Embeddings)
	if err != nil {
		return nil, err
	}

	encoded, err := p.c.VAE.Encode(ctx, req.Images)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frames: %w", err)
	}
	latents, err := tensor.UnflattenFrames(tensor.Scale(encoded, p.c.VAEScale), 1)
	if err != nil {
		return nil, err
	}

	opts := DenoiseOptions{StoreAttention: req.StoreAttention, DiskStore: p.diskStore}
	trajectory := []tensor.Tensor{latents}
	ts := p.scheduler.Timesteps
	for i := range ts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t := ts[len(ts)-1-i]
		eps, err := p.c.UNet.PredictNoise(ctx, latents, t, cond, opts)
		if err != nil {
			return nil, fmt.Errorf("inversion step %d (t=%d): %w", i, t, err)
		}
		latents, err = p.scheduler.InvertStep(eps, t, latents)
		if err != nil {
			return nil, err
		}
		trajectory = append(trajectory, latents)
	}

	p.logger.Debug("inverted latents", "pipeline", p.name, "steps", len(ts))
	return trajectory, nil
}

// Generate samples a video and decodes it to (frames, 3, H, W) in [-1, 1].
func (p *SpatioTemporal) Generate(ctx context.Context, req GenerateRequest) (tensor.Tensor, error) {
	if p.steps == 0 {
		return tensor.Tensor{}, fmt.Errorf("inference steps not set")
	}
	guidance := req.GuidanceScale > 1
	emb, err := p.EncodePrompt(ctx, req.Prompt, PromptOptions{Guidance: guidance, NegativePrompt: req.NegativePrompt})
	if err != nil {
		return tensor.Tensor{}, err
	}
	var uncond, cond tensor.Tensor
	if guidance {
		halves, err := tensor.Chunk(emb, 2)
		if err != nil {
			return tensor.Tensor{}, err
		}
		uncond, cond = halves[0], halves[1]
	} else {
		cond = emb
	}

	var latents tensor.Tensor
	if req.Latents != nil {
		latents = req.Latents.Clone()
	} else {
		if req.Frames < 1 || req.Height < p.c.Downsample || req.Width < p.c.Downsample {
			return tensor.Tensor{}, fmt.Errorf("invalid video size %dx%dx%d", req.Frames, req.Height, req.Width)
		}
		rng := rand.New(rand.NewSource(req.Seed))
		latents = tensor.Randn(rng, 1, p.c.LatentChannels, req.Frames, req.Height/p.c.Downsample, req.Width/p.c.Downsample)
	}

	opts := DenoiseOptions{ReuseAttention: p.editAttention && req.Latents != nil, DiskStore: p.diskStore}
	for i, t := range p.scheduler.Timesteps {
		if err := ctx.Err(); err != nil {
			return tensor.Tensor{}, err
		}
		eps, err := p.c.UNet.PredictNoise(ctx, latents, t, cond, opts)
		if err != nil {
			return tensor.Tensor{}, fmt.Errorf("denoising step %d (t=%d): %w", i, t, err)
		}
		if guidance {
			epsUncond, err := p.c.UNet.PredictNoise(ctx, latents, t, uncond, opts)
			if err != nil {
				return tensor.Tensor{}, fmt.Errorf("denoising step %d (t=%d): %w", i, t, err)
			}
			// eps = uncond + g * (cond - uncond)
			eps, err = tensor.Combine(1-req.GuidanceScale, epsUncond, req.GuidanceScale, eps)
			if err != nil {
				return tensor.Tensor{}, err
			}
		}
		latents, err = p.scheduler.Step(eps, t, latents)
		if err != nil {
			return tensor.Tensor{}, err
		}
	}

	flat, err := tensor.FlattenFrames(latents)
	if err != nil {
		return tensor.Tensor{}, err
	}
	frames, err := p.c.VAE.Decode(ctx, tensor.Scale(flat, 1/p.c.VAEScale))
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("failed to decode latents: %w", err)
	}
	return frames, nil
}
