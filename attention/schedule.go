package attention

import (
	"fmt"
)

// Bounds is a fraction [Start, End) of the denoising steps.
type Bounds struct {
	Start float64 `yaml:"start" mapstructure:"start"`
	End   float64 `yaml:"end" mapstructure:"end"`
}

func (b Bounds) validate() error {
	if b.Start < 0 || b.End > 1 || b.Start > b.End {
		return fmt.Errorf("attention: invalid step bounds [%g, %g)", b.Start, b.End)
	}
	return nil
}

// selfWindow converts b into step indices [lo, hi) over steps.
func (b Bounds) selfWindow(steps int) (int, int) {
	return int(b.Start * float64(steps)), int(b.End * float64(steps))
}

// wordAlphas holds one row per step (steps+1 rows) of per-token weights that
// gate cross-attention replacement.
type wordAlphas struct {
	rows, n int
	data    []float32
}

func (a *wordAlphas) set(b Bounds, inds []int) {
	start := int(b.Start * float64(a.rows))
	end := int(b.End * float64(a.rows))
	for r := range a.rows {
		v := float32(0)
		if r >= start && r < end {
			v = 1
		}
		for _, i := range inds {
			if i < a.n {
				a.data[r*a.n+i] = v
			}
		}
	}
}

// row returns the weights for step, clamped to the last row.
func (a *wordAlphas) row(step int) []float32 {
	step = max(0, min(step, a.rows-1))
	return a.data[step*a.n : (step+1)*a.n]
}

func (a *wordAlphas) active(step int) bool {
	for _, v := range a.row(step) {
		if v != 0 {
			return true
		}
	}
	return false
}

// newWordAlphas builds the cross replacement gate for prompt. Every token uses
// [0, cross) unless words overrides it for the tokens of a given word.
func newWordAlphas(tok Tokenizer, prompt string, steps int, cross float64, words map[string]float64) (*wordAlphas, error) {
	n := tok.MaxLength()
	a := &wordAlphas{rows: steps + 1, n: n, data: make([]float32, (steps+1)*n)}

	def := Bounds{End: cross}
	if err := def.validate(); err != nil {
		return nil, err
	}

	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	a.set(def, all)

	for w, v := range words {
		b := Bounds{End: v}
		if err := b.validate(); err != nil {
			return nil, fmt.Errorf("%w for word %q", err, w)
		}
		a.set(b, WordIndices(tok, prompt, w))
	}
	return a, nil
}
