package latent

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// NewSource returns a deterministic random source for seed.
func NewSource(seed uint64) rand.Source {
	return rand.NewSource(seed)
}

// Randn draws a standard normal latent.
func Randn(shape Shape, src rand.Source) *Latent {
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	out := Zeros(shape)
	for i := range out.data {
		out.data[i] = float32(norm.Rand())
	}
	return out
}

// SampleGaussian draws mean + std*N(0, 1) elementwise.
func SampleGaussian(mean, std []float32, src rand.Source) ([]float32, error) {
	if len(mean) != len(std) {
		return nil, fmt.Errorf("%w: mean has %d values, std has %d", ErrShape, len(mean), len(std))
	}

	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	out := make([]float32, len(mean))
	for i := range out {
		out[i] = mean[i] + std[i]*float32(norm.Rand())
	}
	return out, nil
}
