package pipeline_test

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pders01/ckpt-eval/internal/pipeline"
	"github.com/pders01/ckpt-eval/internal/pipeline/pipelinetest"
	"github.com/pders01/ckpt-eval/internal/tensor"
)

func newPipeline(t *testing.T, target string, steps int) (pipeline.Pipeline, pipeline.Components) {
	t.Helper()
	c := pipelinetest.Components()
	p, err := pipeline.DefaultRegistry().New(target, c, pipeline.Options{})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	if err := p.SetInferenceSteps(steps); err != nil {
		t.Fatalf("SetInferenceSteps failed: %v", err)
	}
	return p, c
}

func video(seed int64) tensor.Tensor {
	// 3 frames of 3x4x4 in [-1, 1)
	v := tensor.Randn(rand.New(rand.NewSource(seed)), 3, 3, 4, 4)
	for i, x := range v.Data {
		v.Data[i] = x / 4
	}
	return v
}

func TestInvertLatentsTrajectory(t *testing.T) {
	ctx := context.Background()
	p, c := newPipeline(t, "", 10)

	emb, err := p.EncodePrompt(ctx, "a cat", pipeline.PromptOptions{Guidance: true})
	if err != nil {
		t.Fatalf("EncodePrompt failed: %v", err)
	}
	if emb.Shape[0] != 2 {
		t.Fatalf("expected unconditional and conditional rows, got shape %v", emb.Shape)
	}

	traj, err := p.InvertLatents(ctx, pipeline.InvertRequest{
		Images:         video(1),
		Embeddings:     emb,
		StoreAttention: true,
	})
	if err != nil {
		t.Fatalf("InvertLatents failed: %v", err)
	}

	if len(traj) != 11 {
		t.Fatalf("expected 11 latents for 10 steps, got %d", len(traj))
	}
	if diff := cmp.Diff([]int{1, 4, 3, 2, 2}, traj[0].Shape); diff != "" {
		t.Errorf("latent shape mismatch (-want +got):\n%s", diff)
	}

	unet := c.UNet.(*pipelinetest.UNet)
	if unet.Count() != 10 {
		t.Errorf("expected 10 denoiser calls, got %d", unet.Count())
	}
	for _, opts := range unet.Calls {
		if !opts.StoreAttention {
			t.Fatal("store attention flag was not forwarded")
		}
	}
	// ascending timesteps: inversion adds noise
	for i := 1; i < len(unet.Steps); i++ {
		if unet.Steps[i] <= unet.Steps[i-1] {
			t.Fatalf("inversion timesteps not ascending: %v", unet.Steps)
		}
	}
}

func TestInvertLatentsIsDeterministic(t *testing.T) {
	ctx := context.Background()
	var finals []tensor.Tensor
	for i := 0; i < 2; i++ {
		p, _ := newPipeline(t, "", 8)
		emb, _ := p.EncodePrompt(ctx, "a cat", pipeline.PromptOptions{Guidance: true})
		traj, err := p.InvertLatents(ctx, pipeline.InvertRequest{Images: video(9), Embeddings: emb})
		if err != nil {
			t.Fatalf("InvertLatents failed: %v", err)
		}
		finals = append(finals, traj[len(traj)-1])
	}
	if diff := cmp.Diff(finals[0], finals[1]); diff != "" {
		t.Errorf("inversion not reproducible (-first +second):\n%s", diff)
	}
}

func TestGenerateFromInvertedLatentsReconstructs(t *testing.T) {
	ctx := context.Background()
	p, c := newPipeline(t, "p2p", 10)

	frames := video(3)
	emb, _ := p.EncodePrompt(ctx, "a cat", pipeline.PromptOptions{})
	traj, err := p.InvertLatents(ctx, pipeline.InvertRequest{Images: frames, Embeddings: emb})
	if err != nil {
		t.Fatalf("InvertLatents failed: %v", err)
	}
	initial := traj[len(traj)-1]

	out, err := p.Generate(ctx, pipeline.GenerateRequest{
		Prompt:        "a cat",
		GuidanceScale: 1,
		Latents:       &initial,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// the fake denoiser predicts zero noise, so DDIM is exactly invertible
	// and sampling lands back on the encoded video
	encoded, _ := c.VAE.Encode(ctx, frames)
	want, _ := c.VAE.Decode(ctx, encoded)
	if !tensor.AllClose(want, out, 1e-3) {
		d, _ := tensor.MaxAbsDiff(want, out)
		t.Errorf("reconstruction drifted by %v", d)
	}

	unet := c.UNet.(*pipelinetest.UNet)
	last := unet.Calls[len(unet.Calls)-1]
	if !last.ReuseAttention {
		t.Error("p2p pipeline should reuse attention when sampling from inverted latents")
	}
}

func TestGenerateFromNoise(t *testing.T) {
	ctx := context.Background()
	req := pipeline.GenerateRequest{
		Prompt:        "a dog",
		GuidanceScale: 7.5,
		Seed:          11,
		Frames:        2,
		Height:        4,
		Width:         6,
	}

	p, c := newPipeline(t, "", 5)
	a, err := p.Generate(ctx, req)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if diff := cmp.Diff([]int{2, 3, 4, 6}, a.Shape); diff != "" {
		t.Errorf("output shape mismatch (-want +got):\n%s", diff)
	}

	unet := c.UNet.(*pipelinetest.UNet)
	if unet.Count() != 10 {
		t.Errorf("expected two denoiser calls per step with guidance, got %d", unet.Count())
	}
	for _, opts := range unet.Calls {
		if opts.ReuseAttention {
			t.Fatal("spatio-temporal pipeline must not reuse attention")
		}
	}

	p2, _ := newPipeline(t, "", 5)
	b, _ := p2.Generate(ctx, req)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("same seed gave different samples (-a +b):\n%s", diff)
	}

	req.Seed = 12
	p3, _ := newPipeline(t, "", 5)
	c3, _ := p3.Generate(ctx, req)
	if cmp.Equal(a, c3) {
		t.Error("different seeds gave identical samples")
	}

	req.Frames = 0
	if _, err := p3.Generate(ctx, req); err == nil {
		t.Error("expected error for zero frames without latents")
	}
}

func TestPipelineRequiresSteps(t *testing.T) {
	p, err := pipeline.DefaultRegistry().New("", pipelinetest.Components(), pipeline.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.InvertLatents(context.Background(), pipeline.InvertRequest{Images: video(1)}); err == nil {
		t.Error("expected error before SetInferenceSteps")
	}
}

func TestEnableMemoryEfficientAttentionUnavailable(t *testing.T) {
	p, _ := newPipeline(t, "", 1)

	err := p.EnableMemoryEfficientAttention(context.Background())
	var unavailable *pipeline.OptionalFeatureUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected OptionalFeatureUnavailable, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := pipeline.DefaultRegistry()

	tests := []struct {
		target  string
		want    string
		wantErr bool
	}{
		{"", "spatio_temporal", false},
		{"spatio_temporal", "spatio_temporal", false},
		{"video_diffusion.pipelines.stable_diffusion.SpatioTemporalStableDiffusionPipeline", "spatio_temporal", false},
		{"video_diffusion.pipelines.p2p_ddim_spatial_temporal.P2pDDIMSpatioTemporalPipeline", "p2p", false},
		{"p2p", "p2p", false},
		{"made.up.Pipeline", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := r.Resolve(tt.target)
			if tt.wantErr {
				if !errors.Is(err, pipeline.ErrUnknownTarget) {
					t.Errorf("expected ErrUnknownTarget, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}

	if diff := cmp.Diff([]string{"p2p", "spatio_temporal"}, r.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRejectsIncompleteComponents(t *testing.T) {
	c := pipelinetest.Components()
	c.UNet = nil
	_, err := pipeline.DefaultRegistry().New("", c, pipeline.Options{})
	if err == nil || !strings.Contains(err.Error(), "unet") {
		t.Errorf("expected missing unet error, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	p, _ := newPipeline(t, "p2p", 1)
	desc := p.Describe()
	for _, want := range []string{"pipeline p2p", "DDIM", "scale 0.18215"} {
		if !strings.Contains(desc, want) {
			t.Errorf("description missing %q:\n%s", want, desc)
		}
	}
}
