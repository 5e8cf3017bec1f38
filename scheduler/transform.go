package scheduler

import (
	"math"

	"github.com/ollama/videoedit/latent"
)

// MinAlpha floors cumulative alpha products before they are used as a
// divisor.
const MinAlpha = 1e-12

// Schedule is the read-only view of a noise schedule needed by the
// deterministic transforms.
type Schedule interface {
	// AlphaCumprod returns ᾱ_t. Negative t yields FinalAlphaCumprod.
	AlphaCumprod(t int) float64
	FinalAlphaCumprod() float64
	NumTrainTimesteps() int
	NumInferenceSteps() int
}

// StepRatio is the train-timestep distance between two inference steps.
func StepRatio(s Schedule) int {
	if n := s.NumInferenceSteps(); n > 0 {
		return s.NumTrainTimesteps() / n
	}
	return 0
}

func alphaAt(s Schedule, t int) float64 {
	if t < 0 {
		return s.FinalAlphaCumprod()
	}
	return s.AlphaCumprod(t)
}

// PrevStep moves sample one step from timestep t towards clean data
// (t → t-Δ) with zero variance.
func PrevStep(s Schedule, modelOutput *latent.Latent, t int, sample *latent.Latent) (*latent.Latent, error) {
	prev := t - StepRatio(s)
	return transfer(modelOutput, sample, alphaAt(s, t), alphaAt(s, prev))
}

// NextStep is the algebraic inverse of PrevStep: it moves sample from the
// less noisy timestep t-Δ up to t, reusing modelOutput as the noise
// direction.
func NextStep(s Schedule, modelOutput *latent.Latent, t int, sample *latent.Latent) (*latent.Latent, error) {
	cur := min(t-StepRatio(s), s.NumTrainTimesteps()-1)
	return transfer(modelOutput, sample, alphaAt(s, cur), alphaAt(s, t))
}

// transfer predicts x0 from sample at noise level alphaFrom and re-noises it
// to alphaTo along the same direction.
func transfer(eps, sample *latent.Latent, alphaFrom, alphaTo float64) (*latent.Latent, error) {
	sqrtFrom := math.Sqrt(math.Max(alphaFrom, MinAlpha))
	x0, err := latent.AXPBY(
		float32(1/sqrtFrom), sample,
		float32(-math.Sqrt(1-alphaFrom)/sqrtFrom), eps,
	)
	if err != nil {
		return nil, err
	}

	return latent.AXPBY(
		float32(math.Sqrt(alphaTo)), x0,
		float32(math.Sqrt(1-alphaTo)), eps,
	)
}
