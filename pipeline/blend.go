package pipeline

import (
	"fmt"

	"github.com/ollama/videoedit/latent"
)

// FrameWeight is the share of the source kept at global frame index frame
// out of total frames: 1 at the first frame, 0 at the last, linear between.
func FrameWeight(frame, total int) float64 {
	if total <= 1 {
		return 1
	}
	return float64(total-frame-1) / float64(total-1)
}

// blendFrames mixes the source into x frame by frame for the given stage.
// Frames of src are matched by global index when src covers every stage, by
// stage-local index when it covers one stage, and a single source frame is
// shared by all frames.
func blendFrames(src, x *latent.Latent, stage, stages int, method latent.Interpolation) (*latent.Latent, error) {
	frames := x.Shape().F
	total := stages * frames

	src, err := latent.Broadcast(src, x.Shape().B)
	if err != nil {
		return nil, fmt.Errorf("blend source: %w", err)
	}

	out := make([]*latent.Latent, frames)
	for f := range frames {
		g := stage*frames + f

		var sf int
		switch src.Shape().F {
		case total:
			sf = g
		case frames:
			sf = f
		case 1:
			sf = 0
		default:
			return nil, fmt.Errorf("%w: source has %d frames, stage has %d of %d", latent.ErrShape, src.Shape().F, frames, total)
		}

		s, err := src.Frame(sf)
		if err != nil {
			return nil, err
		}
		t, err := x.Frame(f)
		if err != nil {
			return nil, err
		}

		w := FrameWeight(g, total)
		if out[f], err = latent.Interpolate(t, s, float32(w), method); err != nil {
			return nil, err
		}
	}
	return latent.ConcatFrames(out...)
}
