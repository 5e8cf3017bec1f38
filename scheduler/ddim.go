// Package scheduler implements the DDIM noise schedule consumed by the
// inversion and generation loops.
package scheduler

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/ollama/videoedit/latent"
)

var ErrNotConfigured = errors.New("scheduler: timesteps not set")

// Config holds DDIMScheduler configuration
type Config struct {
	NumTrainTimesteps int     `json:"num_train_timesteps" yaml:"num_train_timesteps"` // 1000
	BetaStart         float64 `json:"beta_start" yaml:"beta_start"`                   // 0.00085
	BetaEnd           float64 `json:"beta_end" yaml:"beta_end"`                       // 0.012
	BetaSchedule      string  `json:"beta_schedule" yaml:"beta_schedule"`             // scaled_linear
	SetAlphaToOne     bool    `json:"set_alpha_to_one" yaml:"set_alpha_to_one"`       // false
	StepsOffset       int     `json:"steps_offset" yaml:"steps_offset"`               // 1
	ClipSample        bool    `json:"clip_sample" yaml:"clip_sample"`                 // false
}

// DefaultConfig returns the latent diffusion DDIM configuration.
func DefaultConfig() *Config {
	return &Config{
		NumTrainTimesteps: 1000,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		BetaSchedule:      "scaled_linear",
		StepsOffset:       1,
	}
}

// StepOptions carries the per-call knobs of DDIM.Step.
type StepOptions struct {
	// Eta scales the stochastic variance term. 0 is fully deterministic.
	Eta float64
	// Source provides the variance noise when Eta > 0.
	Source rand.Source
}

// DDIM implements the denoising diffusion implicit models scheduler.
type DDIM struct {
	Config *Config

	alphasCumprod     []float64
	finalAlphaCumprod float64
	timesteps         []int
	numInferenceSteps int
}

// NewDDIM creates a scheduler and precomputes its alpha tables.
func NewDDIM(cfg *Config) (*DDIM, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.NumTrainTimesteps < 2 {
		return nil, fmt.Errorf("scheduler: num_train_timesteps must be at least 2, got %d", cfg.NumTrainTimesteps)
	}

	betas := make([]float64, cfg.NumTrainTimesteps)
	n := float64(cfg.NumTrainTimesteps - 1)
	switch cfg.BetaSchedule {
	case "scaled_linear", "":
		// betas = linspace(sqrt(start), sqrt(end), steps)^2
		lo, hi := math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd)
		for i := range betas {
			b := lo + float64(i)/n*(hi-lo)
			betas[i] = b * b
		}
	case "linear":
		for i := range betas {
			betas[i] = cfg.BetaStart + float64(i)/n*(cfg.BetaEnd-cfg.BetaStart)
		}
	default:
		return nil, fmt.Errorf("scheduler: unsupported beta schedule %q", cfg.BetaSchedule)
	}

	alphasCumprod := make([]float64, len(betas))
	prod := 1.0
	for i, b := range betas {
		prod *= 1 - b
		alphasCumprod[i] = prod
	}

	final := alphasCumprod[0]
	if cfg.SetAlphaToOne {
		final = 1
	}

	return &DDIM{
		Config:            cfg,
		alphasCumprod:     alphasCumprod,
		finalAlphaCumprod: final,
	}, nil
}

// SetTimesteps builds the descending inference schedule
// [(n-1)*r+offset, ..., offset] with r = train/n.
func (s *DDIM) SetTimesteps(n int) error {
	if n <= 0 || n > s.Config.NumTrainTimesteps {
		return fmt.Errorf("scheduler: num_inference_steps must be in [1, %d], got %d", s.Config.NumTrainTimesteps, n)
	}

	s.numInferenceSteps = n
	ratio := s.Config.NumTrainTimesteps / n
	s.timesteps = make([]int, n)
	for i := range s.timesteps {
		s.timesteps[i] = (n-1-i)*ratio + s.Config.StepsOffset
	}
	return nil
}

// Timesteps returns a copy of the inference schedule, noisiest first.
func (s *DDIM) Timesteps() []int {
	return append([]int(nil), s.timesteps...)
}

func (s *DDIM) AlphaCumprod(t int) float64 {
	if t < 0 {
		return s.finalAlphaCumprod
	}
	return s.alphasCumprod[min(t, len(s.alphasCumprod)-1)]
}

func (s *DDIM) FinalAlphaCumprod() float64 { return s.finalAlphaCumprod }

func (s *DDIM) NumTrainTimesteps() int { return s.Config.NumTrainTimesteps }

func (s *DDIM) NumInferenceSteps() int { return s.numInferenceSteps }

// Order is the number of model evaluations per step.
func (s *DDIM) Order() int { return 1 }

// ScaleModelInput is the identity for DDIM.
func (s *DDIM) ScaleModelInput(sample *latent.Latent, t int) *latent.Latent {
	return sample
}

// Step performs one denoising step t → t-Δ.
//
//	pred_x0 = (x - sqrt(1-ᾱ_t) ε) / sqrt(ᾱ_t)
//	σ       = η sqrt((1-ᾱ_prev)/(1-ᾱ_t) (1-ᾱ_t/ᾱ_prev))
//	x_prev  = sqrt(ᾱ_prev) pred_x0 + sqrt(1-ᾱ_prev-σ²) ε + σ z
func (s *DDIM) Step(modelOutput *latent.Latent, t int, sample *latent.Latent, opts StepOptions) (*latent.Latent, error) {
	if s.numInferenceSteps == 0 {
		return nil, ErrNotConfigured
	}
	if opts.Eta == 0 && !s.Config.ClipSample {
		return PrevStep(s, modelOutput, t, sample)
	}

	alphaT := s.AlphaCumprod(t)
	alphaPrev := s.AlphaCumprod(t - StepRatio(s))

	sqrtAlphaT := math.Sqrt(math.Max(alphaT, MinAlpha))
	x0, err := latent.AXPBY(
		float32(1/sqrtAlphaT), sample,
		float32(-math.Sqrt(1-alphaT)/sqrtAlphaT), modelOutput,
	)
	if err != nil {
		return nil, err
	}
	if s.Config.ClipSample {
		for i, v := range x0.Data() {
			x0.Data()[i] = max(-1, min(1, v))
		}
	}

	variance := (1 - alphaPrev) / (1 - alphaT) * (1 - alphaT/alphaPrev)
	std := opts.Eta * math.Sqrt(math.Max(variance, 0))

	prev, err := latent.AXPBY(
		float32(math.Sqrt(alphaPrev)), x0,
		float32(math.Sqrt(math.Max(1-alphaPrev-std*std, 0))), modelOutput,
	)
	if err != nil {
		return nil, err
	}

	if std > 0 {
		if opts.Source == nil {
			return nil, errors.New("scheduler: eta > 0 requires a noise source")
		}
		noise := latent.Randn(prev.Shape(), opts.Source)
		prev, err = latent.AXPBY(1, prev, float32(std), noise)
		if err != nil {
			return nil, err
		}
	}
	return prev, nil
}

// TrimForStrength drops the noisiest steps of timesteps so that only
// strength*n steps remain. It returns the remaining schedule and its length.
func TrimForStrength(timesteps []int, strength float64) ([]int, int) {
	n := len(timesteps)
	initTimestep := min(int(float64(n)*strength), n)
	start := max(n-initTimestep, 0)
	return timesteps[start:], n - start
}
