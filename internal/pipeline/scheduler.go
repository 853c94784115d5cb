package pipeline

import (
	"fmt"
	"math"

	"github.com/pders01/ckpt-eval/internal/tensor"
)

// SchedulerConfig mirrors scheduler/scheduler_config.json of a model bundle.
type SchedulerConfig struct {
	NumTrainTimesteps int     `json:"num_train_timesteps"`
	BetaStart         float64 `json:"beta_start"`
	BetaEnd           float64 `json:"beta_end"`
	BetaSchedule      string  `json:"beta_schedule"`
	SetAlphaToOne     bool    `json:"set_alpha_to_one"`
	StepsOffset       int     `json:"steps_offset"`
}

// DefaultSchedulerConfig is the Stable Diffusion v1 DDIM setup.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		NumTrainTimesteps: 1000,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		BetaSchedule:      "scaled_linear",
		SetAlphaToOne:     false,
		StepsOffset:       1,
	}
}

// DDIMScheduler implements deterministic (eta = 0) DDIM sampling and its
// inversion.
type DDIMScheduler struct {
	cfg            SchedulerConfig
	alphasCumprod  []float64
	finalAlphaProd float64
	stepRatio      int
	Timesteps      []int // descending
}

func NewDDIMScheduler(cfg SchedulerConfig) (*DDIMScheduler, error) {
	n := cfg.NumTrainTimesteps
	if n < 1 {
		return nil, fmt.Errorf("num_train_timesteps must be positive, got %d", n)
	}

	betas := make([]float64, n)
	switch cfg.BetaSchedule {
	case "linear":
		for i := range betas {
			betas[i] = lerp(cfg.BetaStart, cfg.BetaEnd, i, n)
		}
	case "scaled_linear", "":
		lo, hi := math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd)
		for i := range betas {
			b := lerp(lo, hi, i, n)
			betas[i] = b * b
		}
	default:
		return nil, fmt.Errorf("unsupported beta_schedule %q", cfg.BetaSchedule)
	}

	s := &DDIMScheduler{cfg: cfg, alphasCumprod: make([]float64, n)}
	prod := 1.0
	for i, b := range betas {
		prod *= 1 - b
		s.alphasCumprod[i] = prod
	}
	s.finalAlphaProd = s.alphasCumprod[0]
	if cfg.SetAlphaToOne {
		s.finalAlphaProd = 1
	}
	return s, nil
}

func lerp(lo, hi float64, i, n int) float64 {
	if n == 1 {
		return lo
	}
	return lo + (hi-lo)*float64(i)/float64(n-1)
}

// SetTimesteps spaces steps inference timesteps evenly over training time.
func (s *DDIMScheduler) SetTimesteps(steps int) error {
	if steps < 1 || steps > s.cfg.NumTrainTimesteps {
		return fmt.Errorf("inference steps must be in [1, %d], got %d", s.cfg.NumTrainTimesteps, steps)
	}
	s.stepRatio = s.cfg.NumTrainTimesteps / steps
	s.Timesteps = make([]int, steps)
	for i := range s.Timesteps {
		s.Timesteps[i] = (steps-1-i)*s.stepRatio + s.cfg.StepsOffset
	}
	return nil
}

func (s *DDIMScheduler) alphaProd(t int) float64 {
	if t < 0 {
		return s.finalAlphaProd
	}
	return s.alphasCumprod[min(t, len(s.alphasCumprod)-1)]
}

// Step moves sample from timestep t to the previous inference timestep.
func (s *DDIMScheduler) Step(eps tensor.Tensor, t int, sample tensor.Tensor) (tensor.Tensor, error) {
	if s.stepRatio == 0 {
		return tensor.Tensor{}, fmt.Errorf("scheduler timesteps not set")
	}
	return transfer(eps, sample, s.alphaProd(t), s.alphaProd(t-s.stepRatio))
}

// InvertStep moves sample from the previous inference timestep up to t.
func (s *DDIMScheduler) InvertStep(eps tensor.Tensor, t int, sample tensor.Tensor) (tensor.Tensor, error) {
	if s.stepRatio == 0 {
		return tensor.Tensor{}, fmt.Errorf("scheduler timesteps not set")
	}
	cur := min(t-s.stepRatio, s.cfg.NumTrainTimesteps-1)
	return transfer(eps, sample, s.alphaProd(cur), s.alphaProd(t))
}

// transfer predicts x0 at noise level from and re-noises it to level to with
// the same eps.
func transfer(eps, sample tensor.Tensor, from, to float64) (tensor.Tensor, error) {
	// x0 = (x - sqrt(1-a_from) eps) / sqrt(a_from)
	// x' = sqrt(a_to) x0 + sqrt(1-a_to) eps
	ratio := math.Sqrt(to / from)
	epsCoef := math.Sqrt(1-to) - ratio*math.Sqrt(1-from)
	return tensor.Combine(float32(ratio), sample, float32(epsCoef), eps)
}
