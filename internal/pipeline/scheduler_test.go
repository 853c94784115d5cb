package pipeline

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pders01/ckpt-eval/internal/tensor"
)

func TestSetTimesteps(t *testing.T) {
	s, err := NewDDIMScheduler(DefaultSchedulerConfig())
	if err != nil {
		t.Fatalf("NewDDIMScheduler failed: %v", err)
	}

	if err := s.SetTimesteps(50); err != nil {
		t.Fatalf("SetTimesteps failed: %v", err)
	}
	if len(s.Timesteps) != 50 {
		t.Fatalf("expected 50 timesteps, got %d", len(s.Timesteps))
	}
	if s.Timesteps[0] != 981 || s.Timesteps[49] != 1 {
		t.Errorf("expected 981..1, got %d..%d", s.Timesteps[0], s.Timesteps[49])
	}
	for i := 1; i < len(s.Timesteps); i++ {
		if s.Timesteps[i-1]-s.Timesteps[i] != 20 {
			t.Fatalf("uneven spacing at %d: %v", i, s.Timesteps[i-1:i+1])
		}
	}

	for _, bad := range []int{0, -1, 1001} {
		if err := s.SetTimesteps(bad); err == nil {
			t.Errorf("expected error for %d steps", bad)
		}
	}
}

func TestNewDDIMSchedulerValidates(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.BetaSchedule = "squaredcos_cap_v2"
	if _, err := NewDDIMScheduler(cfg); err == nil {
		t.Error("expected error for unsupported beta schedule")
	}

	cfg = DefaultSchedulerConfig()
	cfg.NumTrainTimesteps = 0
	if _, err := NewDDIMScheduler(cfg); err == nil {
		t.Error("expected error for zero train timesteps")
	}
}

func TestAlphasCumprodDecrease(t *testing.T) {
	for _, schedule := range []string{"linear", "scaled_linear"} {
		cfg := DefaultSchedulerConfig()
		cfg.BetaSchedule = schedule
		s, err := NewDDIMScheduler(cfg)
		if err != nil {
			t.Fatalf("NewDDIMScheduler failed: %v", err)
		}
		for i := 1; i < len(s.alphasCumprod); i++ {
			if s.alphasCumprod[i] >= s.alphasCumprod[i-1] {
				t.Fatalf("%s: alphas_cumprod not decreasing at %d", schedule, i)
			}
		}
		if math.Abs(s.alphasCumprod[0]-(1-cfg.BetaStart)) > 1e-12 {
			t.Errorf("%s: unexpected first alpha %v", schedule, s.alphasCumprod[0])
		}
	}
}

func TestInvertStepThenStepIsIdentity(t *testing.T) {
	s, _ := NewDDIMScheduler(DefaultSchedulerConfig())
	if err := s.SetTimesteps(10); err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(5))
	x := tensor.Randn(rng, 1, 4, 2, 3, 3)
	eps := tensor.Randn(rng, 1, 4, 2, 3, 3)

	for _, ts := range s.Timesteps {
		up, err := s.InvertStep(eps, ts, x)
		if err != nil {
			t.Fatalf("InvertStep failed: %v", err)
		}
		back, err := s.Step(eps, ts, up)
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if !tensor.AllClose(x, back, 1e-4) {
			d, _ := tensor.MaxAbsDiff(x, back)
			t.Errorf("t=%d: round trip drifted by %v", ts, d)
		}
	}
}

func TestStepRequiresTimesteps(t *testing.T) {
	s, _ := NewDDIMScheduler(DefaultSchedulerConfig())
	x := tensor.Zeros(1)
	if _, err := s.Step(x, 1, x); err == nil {
		t.Error("expected error before SetTimesteps")
	}
	if _, err := s.InvertStep(x, 1, x); err == nil {
		t.Error("expected error before SetTimesteps")
	}
}
