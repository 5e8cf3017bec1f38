package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"

	"github.com/ollama/videoedit/attention"
	"github.com/ollama/videoedit/latent"
	"github.com/ollama/videoedit/logutil"
	"github.com/ollama/videoedit/scheduler"
)

// Invert walks the inference schedule from clean to noisy, starting at x0,
// and returns every latent visited. The network only sees the conditional
// embedding. c may be nil.
func (p *Pipeline) Invert(ctx context.Context, x0 *latent.Latent, cond *tensor.Dense, c attention.Controller) (*latent.Trajectory, error) {
	ts := p.scheduler.Timesteps()
	if len(ts) == 0 {
		return nil, scheduler.ErrNotConfigured
	}

	dtype := x0.DType()
	traj := latent.NewTrajectory(x0)
	x := x0.Clone()
	for i := range ts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		t := ts[len(ts)-1-i]
		eps, err := p.network.Forward(ctx, x, t, cond)
		if err != nil {
			return nil, fmt.Errorf("invert step %d (timestep %d): %w", i, t, err)
		}

		if x, err = scheduler.NextStep(p.scheduler, eps.As(dtype), t, x); err != nil {
			return nil, fmt.Errorf("invert step %d (timestep %d): %w", i, t, err)
		}

		if c != nil {
			if x, err = c.StepCallback(x); err != nil {
				return nil, fmt.Errorf("invert step %d (timestep %d): controller: %w", i, t, err)
			}
		}

		x = x.As(dtype)
		traj.Append(x)
		logutil.Trace("invert", "step", i, "timestep", t)
	}
	return traj, nil
}

// InvertOptions configures PrepareInverted.
type InvertOptions struct {
	// Batch is the number of videos the inverted latents are tiled to.
	Batch int
	// Frames is the number of frames per video in the pixel batch. Zero
	// treats the whole batch as one video.
	Frames int
	// StoreAttention registers the inversion store while inverting.
	StoreAttention bool
	// LowResource is the store's forwarding mode during inversion.
	LowResource bool
	DType       latent.DType
	Source      rand.Source
}

// PrepareInverted encodes pixels laid out as [(B*F), C, H, W], scales them
// into latent space and inverts them, recording attention into the
// inversion store when asked to. The scheduler's timesteps must already be
// set.
func (p *Pipeline) PrepareInverted(ctx context.Context, pixels *tensor.Dense, cond *tensor.Dense, opts InvertOptions) (*latent.Trajectory, error) {
	if p.codec == nil {
		return nil, fmt.Errorf("%w: no codec to encode source frames", ErrMissingSource)
	}

	if opts.StoreAttention {
		p.store.Reset()
		release := p.registry.Register(p.store)
		defer release()
	}
	prev := p.store.SetLowResource(opts.LowResource)
	defer p.store.SetLowResource(prev)

	dist, err := p.codec.Encode(ctx, pixels)
	if err != nil {
		return nil, fmt.Errorf("encode source: %w", err)
	}
	src := opts.Source
	if src == nil {
		src = latent.NewSource(0)
	}
	sample, err := dist.Sample(src)
	if err != nil {
		return nil, fmt.Errorf("sample source: %w", err)
	}

	n := sample.Shape()[0]
	videos := 1
	if opts.Frames > 0 {
		if n%opts.Frames != 0 {
			return nil, fmt.Errorf("%w: %d frames do not split into videos of %d", ErrInvalidOptions, n, opts.Frames)
		}
		videos = n / opts.Frames
	}

	x0, err := latent.FromFrameBatch(sample, videos)
	if err != nil {
		return nil, err
	}
	x0 = latent.Scale(x0, latent.ScaleFactor)

	if opts.Batch > 0 {
		if x0, err = latent.Broadcast(x0, opts.Batch); err != nil {
			return nil, err
		}
	}
	x0 = x0.As(opts.DType)

	slog.Debug("inverting source", "shape", x0.Shape(), "steps", len(p.scheduler.Timesteps()), "store_attention", opts.StoreAttention)
	var c attention.Controller
	if opts.StoreAttention {
		c = p.store
	}
	traj, err := p.Invert(ctx, x0, cond, c)
	if err != nil {
		return nil, err
	}
	p.releaseCache()
	return traj, nil
}

// InversionAttention summarizes the cross-attention the inversion store
// recorded for prompt at res×res per frame.
func (p *Pipeline) InversionAttention(prompt string, frames, res int) []attention.TokenAttention {
	return attention.AggregateCross(p.store.Average(), p.tokenizer, prompt, res, frames, []attention.Place{attention.Up, attention.Down})
}
