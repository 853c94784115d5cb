package cmd

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pders01/ckpt-eval/internal/config"
	"github.com/pders01/ckpt-eval/internal/sweep"
	"github.com/spf13/afero"
)

const jeepConfig = `
pretrained_model_path: /ckpt
pretrained_epoch_list: [20]
mixed_precision: "no"
device: cpu
dataset_config:
  prompt: a jeep car is moving on the road
  n_sample_frame: 2
  width: 4
  height: 4
editing_config:
  num_inference_steps: 2
  use_invertion_latents: true
  editing_prompts:
    - a red jeep car is moving on the road
`

func TestEvalSweepsSelectedCheckpoint(t *testing.T) {
	fs, loader, c, out := setupCommand(t, jeepConfig)
	writeCheckpoints(t, fs, "/ckpt", "checkpoint_10", "checkpoint_20")

	if err := runEval(c, nil); err != nil {
		t.Fatalf("eval failed: %v", err)
	}

	if len(loader.paths) != 1 || loader.paths[0] != filepath.Join("/ckpt", "checkpoint_20") {
		t.Errorf("expected only checkpoint_20 to load, got %v", loader.paths)
	}

	output := out.String()
	for _, want := range []string{"checkpoint to evaluate:", "Evaluate /ckpt/checkpoint_20", "succeeded", "Summary written to"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}

	ok, _ := afero.Exists(fs, filepath.Join("result", "jeep", sweep.SummaryFile))
	if !ok {
		t.Error("expected summary under the default logdir")
	}
	runs, _ := afero.Glob(fs, filepath.Join("result", "jeep", "checkpoint_20_*"))
	if len(runs) != 1 {
		t.Errorf("expected one run directory, got %v", runs)
	}
}

func TestEvalRejectsUnknownPipeline(t *testing.T) {
	fs, loader, c, _ := setupCommand(t, jeepConfig+"test_pipeline_config:\n  target: stable_video\n")
	writeCheckpoints(t, fs, "/ckpt", "checkpoint_20")

	err := runEval(c, nil)
	var cfgErr *config.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if len(loader.paths) != 0 {
		t.Error("no model should load for an unknown pipeline")
	}
}

func TestEvalMissingConfig(t *testing.T) {
	_, _, c, _ := setupCommand(t, jeepConfig)
	cfgFile = "config/missing.yml"

	if err := runEval(c, nil); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestEvalAbortPolicy(t *testing.T) {
	fs, _, c, out := setupCommand(t, jeepConfig+"batch_size: 2\nsweep_failure_policy: abort\n")
	writeCheckpoints(t, fs, "/ckpt", "checkpoint_20")

	err := runEval(c, nil)
	var runErr *sweep.CheckpointRunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected CheckpointRunError, got %v", err)
	}
	if !strings.Contains(out.String(), "failed") {
		t.Errorf("summary should report the failure:\n%s", out.String())
	}
}

func TestEvalContinuePolicyReportsFailures(t *testing.T) {
	fs, _, c, out := setupCommand(t, jeepConfig+"batch_size: 2\n")
	writeCheckpoints(t, fs, "/ckpt", "checkpoint_20")

	if err := runEval(c, nil); err != nil {
		t.Fatalf("continue policy should not fail: %v", err)
	}
	if !strings.Contains(out.String(), "1 of 1 checkpoints failed") {
		t.Errorf("expected failure count:\n%s", out.String())
	}
}
