package synthetic

import (
	"context"
	"fmt"
	"math"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultDim is the embedding width of the synthetic encoders.
const DefaultDim = 8

// TextEncoder embeds every token id as a fixed gaussian vector seeded by the
// id, so equal tokens always embed equally.
type TextEncoder struct {
	Tokenizer *Tokenizer
	Dim       int
	Seed      uint64
}

func NewTextEncoder(tok *Tokenizer, dim int) *TextEncoder {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &TextEncoder{Tokenizer: tok, Dim: dim}
}

func (e *TextEncoder) token(id int32, dst []float32) {
	norm := distuv.Normal{Mu: 0, Sigma: 1 / math.Sqrt(float64(len(dst))), Src: rand.NewSource(e.Seed ^ (uint64(id)+1)*0x9e3779b97f4a7c15)}
	for i := range dst {
		dst[i] = float32(norm.Rand())
	}
}

// EncodePrompt returns [1, MaxLength, Dim].
func (e *TextEncoder) EncodePrompt(ctx context.Context, text string) (*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := e.Tokenizer.Pad(text)
	data := make([]float32, len(ids)*e.Dim)
	for i, id := range ids {
		e.token(id, data[i*e.Dim:(i+1)*e.Dim])
	}
	return tensor.New(tensor.WithShape(1, len(ids), e.Dim), tensor.WithBacking(data)), nil
}

// ImageEncoder embeds an image as Tokens vectors of width Dim, each the mean
// of one horizontal band of the image repeated over the width.
type ImageEncoder struct {
	Tokens int
	Dim    int
}

// EncodeImage accepts [C, H, W] or [1, C, H, W] and returns [1, Tokens, Dim].
func (e *ImageEncoder) EncodeImage(ctx context.Context, image *tensor.Dense) (*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dims := image.Shape()
	if len(dims) == 4 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 3 {
		return nil, fmt.Errorf("synthetic: image must be [C, H, W], got %v", image.Shape())
	}
	src, ok := image.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("synthetic: unsupported image type %T", image.Data())
	}

	c, h, w := dims[0], dims[1], dims[2]
	tokens := max(min(e.Tokens, h), 1)
	out := make([]float32, tokens*e.Dim)
	for tk := range tokens {
		lo, hi := tk*h/tokens, (tk+1)*h/tokens
		var sum float64
		for ch := range c {
			for y := lo; y < hi; y++ {
				for x := range w {
					sum += float64(src[(ch*h+y)*w+x])
				}
			}
		}
		mean := float32(sum / float64(c*(hi-lo)*w))
		for d := range e.Dim {
			out[tk*e.Dim+d] = mean
		}
	}
	return tensor.New(tensor.WithShape(1, tokens, e.Dim), tensor.WithBacking(out)), nil
}
