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

// GenerateInput is what a generation run starts from.
type GenerateInput struct {
	Embedding Embedding
	// Start is the noisy latent every stage starts from. A single frame is
	// repeated to the stage's frame count.
	Start *latent.Latent
	// Trajectory is the inversion of the source. It is required when
	// blending is enabled.
	Trajectory *latent.Trajectory
	// Controller receives the step callback. It may be nil.
	Controller attention.Controller
}

// stepRestarter is implemented by controllers whose step counter restarts
// with every stage.
type stepRestarter interface {
	RestartSteps()
}

// Generate denoises in.Start for every stage and joins the stage outputs
// along the frame axis.
func (p *Pipeline) Generate(ctx context.Context, opts *Options, in GenerateInput) (*latent.Latent, error) {
	if in.Start == nil {
		return nil, fmt.Errorf("%w: no start latent", ErrMissingSource)
	}

	guided := opts.guided()
	cond, err := in.Embedding.Input(guided)
	if err != nil {
		return nil, err
	}
	if opts.ConditionImage != nil && !opts.InvertStage {
		if cond, err = p.imageCondition(ctx, opts.ConditionImage, cond); err != nil {
			return nil, err
		}
	}

	if err := p.scheduler.SetTimesteps(opts.NumInferenceSteps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	timesteps, k := scheduler.TrimForStrength(p.scheduler.Timesteps(), opts.Strength)
	warmup := len(timesteps) - opts.NumInferenceSteps*p.scheduler.Order()

	frames := opts.TotalFrameNum
	if frames == 0 {
		frames = in.Start.Shape().F
	}

	interp := opts.InterpolationTimestep
	blending := !opts.InvertStage && interp >= 0 && interp < len(timesteps)
	if blending {
		if in.Trajectory == nil {
			return nil, fmt.Errorf("%w: interpolation at step %d needs a source trajectory", ErrInvalidOptions, interp)
		}
		if need := k - interp; need >= in.Trajectory.Len() {
			return nil, fmt.Errorf("%w: trajectory of %d latents is too short for step %d", ErrInvalidOptions, in.Trajectory.Len(), interp)
		}
	}

	stages := make([]int, 0, opts.StageNum)
	if opts.InvertStage {
		stages = append(stages, opts.StageNum-1)
	} else {
		for s := range opts.StageNum {
			stages = append(stages, s)
		}
	}

	dtype := in.Start.DType()
	noise := latent.NewSource(opts.Seed)
	outputs := make([]*latent.Latent, 0, len(stages))
	for _, stage := range stages {
		if r, ok := in.Controller.(stepRestarter); ok {
			r.RestartSteps()
		}

		x, err := stageStart(in.Start, frames)
		if err != nil {
			return nil, err
		}

		for i, t := range timesteps {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			if blending && i == interp {
				src, err := in.Trajectory.At(k - i)
				if err != nil {
					return nil, err
				}
				if x, err = blendFrames(src, x, stage, opts.StageNum, opts.Interpolation); err != nil {
					return nil, fmt.Errorf("stage %d step %d: %w", stage, i, err)
				}
				slog.Debug("blended source frames", "stage", stage, "step", i, "source", k-i)
			}

			if x, err = p.denoise(ctx, opts, x, t, cond, guided, noise); err != nil {
				return nil, fmt.Errorf("stage %d step %d (timestep %d): %w", stage, i, t, err)
			}

			if in.Controller != nil {
				if x, err = in.Controller.StepCallback(x); err != nil {
					return nil, fmt.Errorf("stage %d step %d (timestep %d): controller: %w", stage, i, t, err)
				}
				x = x.As(dtype)
			}

			if i == len(timesteps)-1 || ((i+1) > warmup && (i+1)%p.scheduler.Order() == 0) {
				if opts.Progress != nil {
					opts.Progress(i+1, len(timesteps))
				}
				if opts.Callback != nil && i%opts.CallbackSteps == 0 {
					opts.Callback(i, t, x)
				}
			}
			logutil.Trace("generate", "stage", stage, "step", i, "timestep", t)
			p.releaseCache()
		}
		outputs = append(outputs, x)
	}

	return latent.ConcatFrames(outputs...)
}

// denoise runs the network once on x, applies guidance and takes one
// scheduler step.
func (p *Pipeline) denoise(ctx context.Context, opts *Options, x *latent.Latent, t int, cond *tensor.Dense, guided bool, noise rand.Source) (*latent.Latent, error) {
	input := x
	if guided {
		var err error
		if input, err = latent.ConcatBatch(x, x); err != nil {
			return nil, err
		}
	}
	input = p.scheduler.ScaleModelInput(input, t)

	eps, err := p.network.Forward(ctx, input, t, cond)
	if err != nil {
		return nil, err
	}
	eps = eps.As(x.DType())

	if guided {
		halves, err := eps.Chunk(2)
		if err != nil {
			return nil, err
		}
		if eps, err = latent.Guidance(halves[0], halves[1], float32(opts.GuidanceScale)); err != nil {
			return nil, err
		}
	}

	return p.scheduler.Step(eps, t, x, scheduler.StepOptions{Eta: opts.Eta, Source: noise})
}

// stageStart returns a copy of start with frames frames.
func stageStart(start *latent.Latent, frames int) (*latent.Latent, error) {
	switch start.Shape().F {
	case frames:
		return start.Clone(), nil
	case 1:
		ls := make([]*latent.Latent, frames)
		for i := range ls {
			ls[i] = start
		}
		return latent.ConcatFrames(ls...)
	}
	return nil, fmt.Errorf("%w: start latent has %d frames, stages need %d", latent.ErrShape, start.Shape().F, frames)
}
