package synthetic

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"

	"github.com/ollama/videoedit/latent"
	"github.com/ollama/videoedit/pipeline"
)

const (
	DefaultFactor   = 8
	DefaultChannels = 4
	// DefaultStd is the spread of every encoded latent.
	DefaultStd = 0.01
)

// Codec encodes pixel frames by average pooling Factor×Factor blocks into
// Channels latent channels and decodes by nearest upsampling. Latent channel
// c is pooled from pixel channel c mod 3.
type Codec struct {
	Factor   int
	Channels int
	Std      float32

	released atomic.Int64
}

func NewCodec() *Codec {
	return &Codec{Factor: DefaultFactor, Channels: DefaultChannels, Std: DefaultStd}
}

type dist struct {
	shape     []int
	mean, std []float32
}

func (d *dist) Sample(src rand.Source) (*tensor.Dense, error) {
	data, err := latent.SampleGaussian(d.mean, d.std, src)
	if err != nil {
		return nil, err
	}
	return tensor.New(tensor.WithShape(d.shape...), tensor.WithBacking(data)), nil
}

// Mode is the mean of the distribution.
func (d *dist) Mode() *tensor.Dense {
	return tensor.New(tensor.WithShape(d.shape...), tensor.WithBacking(append([]float32(nil), d.mean...)))
}

// Encode pools pixels laid out as [N, 3, H, W].
func (c *Codec) Encode(ctx context.Context, pixels *tensor.Dense) (pipeline.LatentDist, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dims := pixels.Shape()
	if len(dims) != 4 {
		return nil, fmt.Errorf("synthetic: pixels must be [N, C, H, W], got %v", dims)
	}
	n, pc, ph, pw := dims[0], dims[1], dims[2], dims[3]
	if ph%c.Factor != 0 || pw%c.Factor != 0 {
		return nil, fmt.Errorf("synthetic: %dx%d frames do not divide by %d", ph, pw, c.Factor)
	}
	src, ok := pixels.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("synthetic: unsupported pixel type %T", pixels.Data())
	}

	h, w := ph/c.Factor, pw/c.Factor
	d := &dist{
		shape: []int{n, c.Channels, h, w},
		mean:  make([]float32, n*c.Channels*h*w),
		std:   make([]float32, n*c.Channels*h*w),
	}
	area := float32(c.Factor * c.Factor)
	for i := range n {
		for ch := range c.Channels {
			plane := src[(i*pc+ch%pc)*ph*pw:][:ph*pw]
			for y := range h {
				for x := range w {
					var sum float32
					for dy := range c.Factor {
						row := plane[(y*c.Factor+dy)*pw+x*c.Factor:][:c.Factor]
						for _, v := range row {
							sum += v
						}
					}
					at := ((i*c.Channels+ch)*h+y)*w + x
					d.mean[at] = sum / area
					d.std[at] = c.Std
				}
			}
		}
	}
	return d, nil
}

// Decode returns [(B*F), 3, H*Factor, W*Factor] clamped to [-1, 1].
func (c *Codec) Decode(ctx context.Context, x *latent.Latent) (*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frames := x.ToFrameBatch()
	src, ok := frames.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("synthetic: unsupported latent type %T", frames.Data())
	}

	s := x.Shape()
	n, h, w := s.B*s.F, s.H, s.W
	ph, pw := h*c.Factor, w*c.Factor
	out := make([]float32, n*3*ph*pw)
	for i := range n {
		for ch := range 3 {
			plane := src[(i*s.C+ch%s.C)*h*w:][:h*w]
			dst := out[(i*3+ch)*ph*pw:][:ph*pw]
			for y := range ph {
				for xx := range pw {
					dst[y*pw+xx] = max(-1, min(1, plane[(y/c.Factor)*w+xx/c.Factor]))
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(n, 3, ph, pw), tensor.WithBacking(out)), nil
}

func (c *Codec) EmptyCache() { c.released.Add(1) }

// Released is the number of EmptyCache calls.
func (c *Codec) Released() int { return int(c.released.Load()) }
