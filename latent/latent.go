// Package latent holds the video latent tensors that flow between the
// inversion and generation loops.
//
// A Latent is laid out as [B, C, F, H, W] (batch, channel, frame, height,
// width) and is always backed by a contiguous float32 *tensor.Dense. The
// working precision is tracked separately so reduced precision runs can be
// emulated on top of float32 storage.
package latent

import (
	"errors"
	"fmt"

	"github.com/pdevine/tensor"
)

// ScaleFactor is the constant applied to codec samples before they enter
// latent space.
const ScaleFactor = 0.18215

var ErrShape = errors.New("latent: shape mismatch")

// Shape is the [B, C, F, H, W] shape of a Latent.
type Shape struct {
	B, C, F, H, W int
}

func (s Shape) Dims() []int {
	return []int{s.B, s.C, s.F, s.H, s.W}
}

// Size is the total number of elements.
func (s Shape) Size() int {
	return s.B * s.C * s.F * s.H * s.W
}

func (s Shape) String() string {
	return fmt.Sprintf("[%d %d %d %d %d]", s.B, s.C, s.F, s.H, s.W)
}

func (s Shape) valid() bool {
	return s.B > 0 && s.C > 0 && s.F > 0 && s.H > 0 && s.W > 0
}

type Latent struct {
	t     *tensor.Dense
	data  []float32
	shape Shape
	dtype DType
}

// New wraps data in a Latent of the given shape. data is used as the backing
// store and is not copied.
func New(shape Shape, data []float32) (*Latent, error) {
	if !shape.valid() {
		return nil, fmt.Errorf("%w: invalid shape %s", ErrShape, shape)
	}
	if len(data) != shape.Size() {
		return nil, fmt.Errorf("%w: %d values for shape %s", ErrShape, len(data), shape)
	}

	return &Latent{
		t:     tensor.New(tensor.WithShape(shape.Dims()...), tensor.WithBacking(data)),
		data:  data,
		shape: shape,
		dtype: Float32,
	}, nil
}

// Zeros returns a zero-filled latent.
func Zeros(shape Shape) *Latent {
	l, err := New(shape, make([]float32, shape.Size()))
	if err != nil {
		panic(err)
	}
	return l
}

// FromDense adopts a five dimensional float32 dense tensor.
func FromDense(d *tensor.Dense) (*Latent, error) {
	dims := d.Shape()
	if len(dims) != 5 {
		return nil, fmt.Errorf("%w: expected 5 dims, got %v", ErrShape, dims)
	}

	data, err := float32s(d)
	if err != nil {
		return nil, err
	}

	return New(Shape{B: dims[0], C: dims[1], F: dims[2], H: dims[3], W: dims[4]}, data)
}

func float32s(d *tensor.Dense) ([]float32, error) {
	switch v := d.Data().(type) {
	case []float32:
		return v, nil
	case float32:
		return []float32{v}, nil
	default:
		return nil, fmt.Errorf("latent: unsupported dense type %T", v)
	}
}

func (l *Latent) Shape() Shape { return l.shape }

// Data returns the backing slice. Writes are visible to the latent.
func (l *Latent) Data() []float32 { return l.data }

// Dense returns the underlying tensor.
func (l *Latent) Dense() *tensor.Dense { return l.t }

func (l *Latent) DType() DType { return l.dtype }

// Clone returns a deep copy.
func (l *Latent) Clone() *Latent {
	data := make([]float32, len(l.data))
	copy(data, l.data)
	c, _ := New(l.shape, data)
	c.dtype = l.dtype
	return c
}

// As returns a copy of l rounded to dtype.
func (l *Latent) As(dtype DType) *Latent {
	c := l.Clone()
	dtype.round(c.data)
	c.dtype = dtype
	return c
}

// SameShape reports whether l and o have identical shapes.
func (l *Latent) SameShape(o *Latent) bool {
	return l.shape == o.shape
}

func (l *Latent) mustMatch(o *Latent) error {
	if !l.SameShape(o) {
		return fmt.Errorf("%w: %s vs %s", ErrShape, l.shape, o.shape)
	}
	return nil
}

// frameStride is the number of contiguous elements of one frame within one
// (batch, channel) plane.
func (s Shape) frameStride() int {
	return s.H * s.W
}

func (s Shape) index(b, c, f, h, w int) int {
	return (((b*s.C+c)*s.F+f)*s.H+h)*s.W + w
}

// At returns the value at the given coordinates.
func (l *Latent) At(b, c, f, h, w int) float32 {
	return l.data[l.shape.index(b, c, f, h, w)]
}

// Set writes v at the given coordinates.
func (l *Latent) Set(b, c, f, h, w int, v float32) {
	l.data[l.shape.index(b, c, f, h, w)] = v
}
