package inversion

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pders01/ckpt-eval/internal/models"
	"github.com/pders01/ckpt-eval/internal/pipeline"
	"github.com/pders01/ckpt-eval/internal/pipeline/pipelinetest"
	"github.com/pders01/ckpt-eval/internal/tensor"
	"github.com/spf13/afero"
)

func newPipeline(t *testing.T, steps int) (pipeline.Pipeline, *pipelinetest.UNet, *pipelinetest.TextEncoder) {
	t.Helper()
	c := pipelinetest.Components()
	unet := &pipelinetest.UNet{Factor: 0.1}
	c.UNet = unet
	p, err := pipeline.DefaultRegistry().New("", c, pipeline.Options{})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	if err := p.SetInferenceSteps(steps); err != nil {
		t.Fatal(err)
	}
	return p, unet, c.TextEncoder.(*pipelinetest.TextEncoder)
}

func videoBatch(videos int) models.Batch {
	rng := rand.New(rand.NewSource(42))
	return models.Batch{
		PromptIDs: make([][]int, videos),
		Images:    tensor.Randn(rng, videos, 3, 4, 4, 4),
	}
}

func TestInvertIsDeterministic(t *testing.T) {
	ctx := context.Background()
	var latents []tensor.Tensor
	for i := 0; i < 2; i++ {
		p, _, _ := newPipeline(t, 5)
		res, err := New(Options{Prompt: "a jeep"}).Invert(ctx, videoBatch(1), p)
		if err != nil {
			t.Fatalf("Invert failed: %v", err)
		}
		if len(res.Trajectory) != 6 {
			t.Fatalf("expected 6 trajectory steps, got %d", len(res.Trajectory))
		}
		if diff := cmp.Diff(res.Trajectory[5], res.InitialLatent); diff != "" {
			t.Fatalf("initial latent is not the last trajectory step:\n%s", diff)
		}
		latents = append(latents, res.InitialLatent)
	}
	if diff := cmp.Diff(latents[0], latents[1]); diff != "" {
		t.Errorf("initial latents differ between runs (-first +second):\n%s", diff)
	}
}

func TestInvertRejectsMultipleVideos(t *testing.T) {
	p, unet, text := newPipeline(t, 5)

	_, err := New(Options{Prompt: "a jeep"}).Invert(context.Background(), videoBatch(2), p)

	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
	if pe.Videos != 2 {
		t.Errorf("expected 2 videos in error, got %d", pe.Videos)
	}
	if unet.Count() != 0 || len(text.Calls) != 0 {
		t.Errorf("pipeline was called: %d denoiser, %d text encoder calls", unet.Count(), len(text.Calls))
	}
}

func TestInvertComputesOnce(t *testing.T) {
	ctx := context.Background()
	p, unet, _ := newPipeline(t, 4)
	cache := New(Options{Prompt: "a jeep", StoreAttention: true})

	if cache.Result() != nil {
		t.Fatal("expected no result before Invert")
	}
	first, err := cache.Invert(ctx, videoBatch(1), p)
	if err != nil {
		t.Fatalf("Invert failed: %v", err)
	}
	calls := unet.Count()

	second, err := cache.Invert(ctx, videoBatch(1), p)
	if err != nil {
		t.Fatalf("second Invert failed: %v", err)
	}
	if first != second || cache.Result() != first {
		t.Error("expected the cached result to be returned")
	}
	if unet.Count() != calls {
		t.Errorf("second Invert reran the pipeline (%d -> %d calls)", calls, unet.Count())
	}
	for _, opts := range unet.Calls {
		if !opts.StoreAttention {
			t.Fatal("store attention flag was not forwarded")
		}
	}
}

func TestInvertEncodesBothGuidanceBranches(t *testing.T) {
	p, _, text := newPipeline(t, 2)

	_, err := New(Options{Prompt: "a jeep", NegativePrompt: "blurry"}).Invert(context.Background(), videoBatch(1), p)
	if err != nil {
		t.Fatalf("Invert failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a jeep", "blurry"}, text.Calls); diff != "" {
		t.Errorf("prompt encodings mismatch (-want +got):\n%s", diff)
	}
}

func TestInvertVerboseWritesSteps(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, _, _ := newPipeline(t, 3)

	res, err := New(Options{Prompt: "a jeep", Verbose: true, Fs: fs, Dir: "/run"}).Invert(context.Background(), videoBatch(1), p)
	if err != nil {
		t.Fatalf("Invert failed: %v", err)
	}

	for i, want := range res.Trajectory {
		got, err := tensor.ReadFile(fs, filepath.Join("/run", "inversion", StepFileName(i)))
		if err != nil {
			t.Fatalf("failed to read step %d: %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("step %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestInvertVerboseWriteFailureIsNotFatal(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	p, _, _ := newPipeline(t, 3)

	quiet, err := New(Options{Prompt: "a jeep"}).Invert(context.Background(), videoBatch(1), p)
	if err != nil {
		t.Fatal(err)
	}

	p2, _, _ := newPipeline(t, 3)
	loud, err := New(Options{Prompt: "a jeep", Verbose: true, Fs: fs, Dir: "/run"}).Invert(context.Background(), videoBatch(1), p2)
	if err != nil {
		t.Fatalf("Invert failed on read-only fs: %v", err)
	}
	if diff := cmp.Diff(quiet.InitialLatent, loud.InitialLatent); diff != "" {
		t.Errorf("verbose output changed the result:\n%s", diff)
	}
}

func TestInvertCastsToPrecision(t *testing.T) {
	ctx := context.Background()
	p32, _, _ := newPipeline(t, 2)
	p16, _, _ := newPipeline(t, 2)

	full, err := New(Options{Prompt: "a jeep"}).Invert(ctx, videoBatch(1), p32)
	if err != nil {
		t.Fatal(err)
	}
	half, err := New(Options{Prompt: "a jeep", DType: tensor.Float16}).Invert(ctx, videoBatch(1), p16)
	if err != nil {
		t.Fatal(err)
	}
	if cmp.Equal(full.InitialLatent, half.InitialLatent) {
		t.Error("expected half precision inputs to change the latents")
	}
	if !tensor.AllClose(full.InitialLatent, half.InitialLatent, 1e-2) {
		t.Error("half precision latents drifted too far")
	}
}
