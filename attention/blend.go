package attention

import (
	"math"

	"github.com/ollama/videoedit/latent"
)

// DefaultBlendResolution is the attention resolution local blending reads.
const DefaultBlendResolution = 16

// LocalBlend restricts an edit to the regions the blend words attend to.
type LocalBlend struct {
	// words holds the token positions of the blend words in the source and
	// target prompt
	words [2][]int
	// threshold binarizes the source and target masks
	threshold [2]float64
	res       int

	start, end int
	counter    int

	masks []*latent.Latent
}

// NewLocalBlend builds a blend over steps denoising steps. words[0] are
// looked up in source and words[1] in target, and their masks are cut at
// threshold[0] and threshold[1].
func NewLocalBlend(tok Tokenizer, source, target string, words [2][]string, threshold [2]float64, steps, res int) *LocalBlend {
	if res <= 0 {
		res = DefaultBlendResolution
	}

	b := &LocalBlend{
		threshold: threshold,
		res:       res,
		start:     int(0.2 * float64(steps)),
		end:       int(0.8 * float64(steps)),
	}
	for _, w := range words[0] {
		b.words[0] = append(b.words[0], WordIndices(tok, source, w)...)
	}
	for _, w := range words[1] {
		b.words[1] = append(b.words[1], WordIndices(tok, target, w)...)
	}
	return b
}

// Apply blends tgt towards src outside the attended regions and returns the
// result. Outside the active step window tgt is returned unchanged.
func (b *LocalBlend) Apply(src, tgt *latent.Latent, srcMaps, tgtMaps StepMaps) (*latent.Latent, error) {
	b.counter++
	if b.counter <= b.start || b.counter >= b.end {
		return tgt, nil
	}

	shape := tgt.Shape()
	ms := b.mask(srcMaps, b.words[0], b.threshold[0], shape)
	mt := b.mask(tgtMaps, b.words[1], b.threshold[1], shape)
	if ms == nil && mt == nil {
		return tgt, nil
	}

	mask := make([]float32, shape.F*shape.H*shape.W)
	for i := range mask {
		if (ms != nil && ms[i] > 0) || (mt != nil && mt[i] > 0) {
			mask[i] = 1
		}
	}

	src, err := latent.Broadcast(src, shape.B)
	if err != nil {
		return nil, err
	}
	if !src.SameShape(tgt) {
		return nil, latent.ErrShape
	}

	out := tgt.Clone()
	plane := shape.F * shape.H * shape.W
	sd, td, od := src.Data(), tgt.Data(), out.Data()
	for i := range od {
		m := mask[i%plane]
		od[i] = sd[i] + m*(td[i]-sd[i])
	}

	ml, err := latent.New(latent.Shape{B: 1, C: 1, F: shape.F, H: shape.H, W: shape.W}, mask)
	if err != nil {
		return nil, err
	}
	b.masks = append(b.masks, ml)
	return out, nil
}

// mask returns a binary (F, H, W) mask or nil when no map at the blend
// resolution was recorded.
func (b *LocalBlend) mask(maps StepMaps, words []int, threshold float64, shape latent.Shape) []float32 {
	if len(words) == 0 || maps == nil {
		return nil
	}

	res := b.res
	queries := shape.F * res * res
	acc := make([]float64, queries)
	count := 0
	for _, key := range []Key{KeyFor(Down, true), KeyFor(Up, true)} {
		for _, m := range maps[key] {
			if m.Queries != queries || m.Rows == 0 {
				continue
			}
			for r := range m.Rows {
				for q := range queries {
					var s float32
					for _, w := range words {
						if w < m.Keys {
							s += m.At(r, q, w)
						}
					}
					acc[q] += float64(s) / float64(m.Rows)
				}
			}
			count++
		}
	}
	if count == 0 {
		return nil
	}

	out := make([]float32, shape.F*shape.H*shape.W)
	pooled := make([]float64, res*res)
	for f := range shape.F {
		grid := acc[f*res*res : (f+1)*res*res]
		maxPool3(grid, pooled, res)

		frame := out[f*shape.H*shape.W : (f+1)*shape.H*shape.W]
		peak := 0.0
		for y := range shape.H {
			for x := range shape.W {
				v := pooled[(y*res/shape.H)*res+x*res/shape.W] / float64(count)
				frame[y*shape.W+x] = float32(v)
				peak = math.Max(peak, v)
			}
		}

		for i, v := range frame {
			if peak > 0 {
				v /= float32(peak)
			}
			if float64(v) > threshold {
				frame[i] = 1
			} else {
				frame[i] = 0
			}
		}
	}
	return out
}

// maxPool3 applies a 3×3 max pool with stride 1 and same padding.
func maxPool3(in, out []float64, n int) {
	for y := range n {
		for x := range n {
			v := math.Inf(-1)
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					yy, xx := y+dy, x+dx
					if yy >= 0 && yy < n && xx >= 0 && xx < n {
						v = math.Max(v, in[yy*n+xx])
					}
				}
			}
			out[y*n+x] = v
		}
	}
}

// Masks returns every mask computed so far, or nil.
func (b *LocalBlend) Masks() []*latent.Latent {
	return b.masks
}

func (b *LocalBlend) Reset() {
	b.counter = 0
	b.masks = nil
}
