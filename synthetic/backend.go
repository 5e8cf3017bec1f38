package synthetic

import (
	"math"

	"github.com/pdevine/tensor"

	"github.com/ollama/videoedit/attention"
	"github.com/ollama/videoedit/pipeline"
	"github.com/ollama/videoedit/scheduler"
)

// Backend is a complete set of synthetic components.
type Backend struct {
	Tokenizer    *Tokenizer
	TextEncoder  *TextEncoder
	ImageEncoder *ImageEncoder
	Codec        *Codec
	Network      *Network
	Scheduler    *scheduler.DDIM
}

func NewBackend() (*Backend, error) {
	sched, err := scheduler.NewDDIM(scheduler.DefaultConfig())
	if err != nil {
		return nil, err
	}

	tok := NewTokenizer(DefaultMaxLength)
	return &Backend{
		Tokenizer:    tok,
		TextEncoder:  NewTextEncoder(tok, DefaultDim),
		ImageEncoder: &ImageEncoder{Tokens: 4, Dim: DefaultDim},
		Codec:        NewCodec(),
		Network:      NewNetwork(DefaultNetworkConfig()),
		Scheduler:    sched,
	}, nil
}

// Components wires the backend into a pipeline with the given store
// configuration.
func (b *Backend) Components(store attention.StoreConfig) pipeline.Components {
	return pipeline.Components{
		Network:      b.Network,
		Scheduler:    b.Scheduler,
		Codec:        b.Codec,
		TextEncoder:  b.TextEncoder,
		Tokenizer:    b.Tokenizer,
		ImageEncoder: b.ImageEncoder,
		Store:        store,
	}
}

// Video renders n frames of size×size pixels laid out as [n, 3, size, size]:
// a bright square sliding left to right over a dark gradient.
func Video(n, size int) *tensor.Dense {
	side := max(size/4, 1)
	data := make([]float32, n*3*size*size)
	for f := range n {
		x0 := 0
		if n > 1 {
			x0 = f * (size - side) / (n - 1)
		}
		y0 := (size - side) / 2
		for c := range 3 {
			plane := data[(f*3+c)*size*size:][:size*size]
			for y := range size {
				for x := range size {
					v := float32(-0.5 + 0.25*math.Sin(float64(x+y+c)/float64(size)*math.Pi))
					if x >= x0 && x < x0+side && y >= y0 && y < y0+side {
						v = 0.8
					}
					plane[y*size+x] = v
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(n, 3, size, size), tensor.WithBacking(data))
}
