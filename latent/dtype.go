package latent

import (
	"fmt"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the working precision of a latent. Storage is always float32;
// values are rounded through the narrower format when converted.
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
)

func (d DType) String() string {
	switch d {
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	default:
		return "float32"
	}
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "float32", "fp32", "f32":
		return Float32, nil
	case "float16", "fp16", "f16", "half":
		return Float16, nil
	case "bfloat16", "bf16":
		return BFloat16, nil
	default:
		return Float32, fmt.Errorf("unknown dtype %q", s)
	}
}

func (d *DType) UnmarshalText(b []byte) error {
	v, err := ParseDType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d DType) round(data []float32) {
	switch d {
	case Float16:
		for i, v := range data {
			data[i] = float16.Fromfloat32(v).Float32()
		}
	case BFloat16:
		copy(data, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(data)))
	}
}
