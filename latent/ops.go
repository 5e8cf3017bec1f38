package latent

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/vecf32"
)

// Add returns a + b.
func Add(a, b *Latent) (*Latent, error) {
	if err := a.mustMatch(b); err != nil {
		return nil, err
	}
	out := a.Clone()
	vecf32.Add(out.data, b.data)
	return out, nil
}

// Sub returns a - b.
func Sub(a, b *Latent) (*Latent, error) {
	if err := a.mustMatch(b); err != nil {
		return nil, err
	}
	out := a.Clone()
	vecf32.Sub(out.data, b.data)
	return out, nil
}

// Scale returns s * a.
func Scale(a *Latent, s float32) *Latent {
	out := a.Clone()
	vecf32.Scale(out.data, s)
	return out
}

// AXPBY returns alpha*x + beta*y.
func AXPBY(alpha float32, x *Latent, beta float32, y *Latent) (*Latent, error) {
	if err := x.mustMatch(y); err != nil {
		return nil, err
	}
	out := x.Clone()
	vecf32.Scale(out.data, alpha)
	tmp := make([]float32, len(y.data))
	copy(tmp, y.data)
	vecf32.Scale(tmp, beta)
	vecf32.Add(out.data, tmp)
	return out, nil
}

// Guidance combines a classifier-free guidance pair:
// uncond + scale*(cond - uncond).
func Guidance(uncond, cond *Latent, scale float32) (*Latent, error) {
	diff, err := Sub(cond, uncond)
	if err != nil {
		return nil, err
	}
	vecf32.Scale(diff.data, scale)
	vecf32.Add(diff.data, uncond.data)
	diff.dtype = uncond.dtype
	return diff, nil
}

// Interpolation selects how two latents are mixed.
type Interpolation int

const (
	Linear Interpolation = iota
	Spherical
)

func (m Interpolation) String() string {
	if m == Spherical {
		return "slerp"
	}
	return "linear"
}

func ParseInterpolation(s string) (Interpolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linear", "lerp":
		return Linear, nil
	case "slerp", "spherical":
		return Spherical, nil
	default:
		return Linear, fmt.Errorf("invalid interpolation method %q, use linear or slerp", s)
	}
}

func (m *Interpolation) UnmarshalText(b []byte) error {
	v, err := ParseInterpolation(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m Interpolation) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Interpolate mixes v0 and v1 with weight t on v1.
func Interpolate(v0, v1 *Latent, t float32, m Interpolation) (*Latent, error) {
	if m == Spherical {
		return Slerp(v0, v1, t)
	}
	return Lerp(v0, v1, t)
}

// Lerp returns (1-t)*v0 + t*v1.
func Lerp(v0, v1 *Latent, t float32) (*Latent, error) {
	return AXPBY(1-t, v0, t, v1)
}

// slerpDotThreshold is the cosine above which the two vectors are treated as
// collinear and slerp degrades to lerp.
const slerpDotThreshold = 0.9995

// Slerp interpolates along the great circle between the directions of v0
// and v1, with the norm interpolated linearly.
func Slerp(v0, v1 *Latent, t float32) (*Latent, error) {
	if err := v0.mustMatch(v1); err != nil {
		return nil, err
	}

	a := toFloat64(v0.data)
	b := toFloat64(v1.data)
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return Lerp(v0, v1, t)
	}

	dot := floats.Dot(a, b) / (na * nb)
	dot = math.Max(-1, math.Min(1, dot))
	if math.Abs(dot) > slerpDotThreshold {
		return Lerp(v0, v1, t)
	}

	theta := math.Acos(dot)
	sinTheta := math.Sin(theta)
	tt := float64(t)
	w0 := math.Sin((1-tt)*theta) / sinTheta / na
	w1 := math.Sin(tt*theta) / sinTheta / nb
	norm := (1-tt)*na + tt*nb

	out := v0.Clone()
	for i := range out.data {
		out.data[i] = float32(norm * (w0*a[i] + w1*b[i]))
	}
	return out, nil
}

func toFloat64(s []float32) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = float64(v)
	}
	return out
}

// AllClose reports whether a and b match elementwise within tol.
func AllClose(a, b *Latent, tol float64) bool {
	if !a.SameShape(b) {
		return false
	}
	for i := range a.data {
		if math.Abs(float64(a.data[i]-b.data[i])) > tol {
			return false
		}
	}
	return true
}
