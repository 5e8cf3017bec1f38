package latent

import (
	"errors"
	"fmt"

	"github.com/pdevine/tensor"
)

const (
	axisBatch = 0
	axisFrame = 2
)

// Frames returns a copy of frames [start, end) of l.
func (l *Latent) Frames(start, end int) (*Latent, error) {
	if start < 0 || end > l.shape.F || start >= end {
		return nil, fmt.Errorf("%w: frame range [%d, %d) out of %d", ErrShape, start, end, l.shape.F)
	}

	shape := l.shape
	shape.F = end - start
	out := Zeros(shape)
	span := shape.F * shape.frameStride()
	for b := 0; b < shape.B; b++ {
		for c := 0; c < shape.C; c++ {
			from := l.shape.index(b, c, start, 0, 0)
			to := shape.index(b, c, 0, 0, 0)
			copy(out.data[to:to+span], l.data[from:from+span])
		}
	}
	out.dtype = l.dtype
	return out, nil
}

// Frame returns a copy of frame f.
func (l *Latent) Frame(f int) (*Latent, error) {
	return l.Frames(f, f+1)
}

// ConcatFrames joins latents along the frame axis.
func ConcatFrames(ls ...*Latent) (*Latent, error) {
	return concat(axisFrame, ls)
}

// ConcatBatch joins latents along the batch axis.
func ConcatBatch(ls ...*Latent) (*Latent, error) {
	return concat(axisBatch, ls)
}

func concat(axis int, ls []*Latent) (*Latent, error) {
	switch len(ls) {
	case 0:
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShape)
	case 1:
		return ls[0].Clone(), nil
	}

	others := make([]tensor.Tensor, 0, len(ls)-1)
	for _, l := range ls[1:] {
		others = append(others, l.t)
	}

	t, err := tensor.Concat(axis, ls[0].t, others...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShape, err)
	}

	d, ok := tensor.Materialize(t).(*tensor.Dense)
	if !ok {
		return nil, errors.New("latent: concatenation did not materialize to a dense tensor")
	}

	out, err := FromDense(d)
	if err != nil {
		return nil, err
	}
	out.dtype = ls[0].dtype
	return out, nil
}

// Chunk splits l into n equal parts along the batch axis.
func (l *Latent) Chunk(n int) ([]*Latent, error) {
	if n <= 0 || l.shape.B%n != 0 {
		return nil, fmt.Errorf("%w: cannot split batch %d into %d chunks", ErrShape, l.shape.B, n)
	}

	shape := l.shape
	shape.B /= n
	size := shape.Size()

	out := make([]*Latent, n)
	for i := range out {
		data := make([]float32, size)
		copy(data, l.data[i*size:(i+1)*size])
		c, err := New(shape, data)
		if err != nil {
			return nil, err
		}
		c.dtype = l.dtype
		out[i] = c
	}
	return out, nil
}

// RepeatBatch tiles l n times along the batch axis.
func (l *Latent) RepeatBatch(n int) (*Latent, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: repeat count %d", ErrShape, n)
	}
	ls := make([]*Latent, n)
	for i := range ls {
		ls[i] = l
	}
	return ConcatBatch(ls...)
}

// FromFrameBatch rearranges a [(B*F), C, H, W] stack of per-frame latents
// into [B, C, F, H, W].
func FromFrameBatch(d *tensor.Dense, batch int) (*Latent, error) {
	dims := d.Shape()
	if len(dims) != 4 {
		return nil, fmt.Errorf("%w: expected 4 dims, got %v", ErrShape, dims)
	}
	if batch <= 0 || dims[0]%batch != 0 {
		return nil, fmt.Errorf("%w: %d frames do not divide into batch %d", ErrShape, dims[0], batch)
	}

	src, err := float32s(d)
	if err != nil {
		return nil, err
	}

	shape := Shape{B: batch, C: dims[1], F: dims[0] / batch, H: dims[2], W: dims[3]}
	out := Zeros(shape)
	plane := shape.frameStride()
	for b := 0; b < shape.B; b++ {
		for f := 0; f < shape.F; f++ {
			for c := 0; c < shape.C; c++ {
				from := (((b*shape.F+f)*shape.C + c) * plane)
				to := shape.index(b, c, f, 0, 0)
				copy(out.data[to:to+plane], src[from:from+plane])
			}
		}
	}
	return out, nil
}

// ToFrameBatch is the inverse of FromFrameBatch.
func (l *Latent) ToFrameBatch() *tensor.Dense {
	s := l.shape
	plane := s.frameStride()
	data := make([]float32, s.Size())
	for b := 0; b < s.B; b++ {
		for f := 0; f < s.F; f++ {
			for c := 0; c < s.C; c++ {
				to := ((b*s.F+f)*s.C + c) * plane
				from := s.index(b, c, f, 0, 0)
				copy(data[to:to+plane], l.data[from:from+plane])
			}
		}
	}
	return tensor.New(tensor.WithShape(s.B*s.F, s.C, s.H, s.W), tensor.WithBacking(data))
}
