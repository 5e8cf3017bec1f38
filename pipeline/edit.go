package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/pdevine/tensor"

	"github.com/ollama/videoedit/attention"
	"github.com/ollama/videoedit/envconfig"
	"github.com/ollama/videoedit/latent"
	"github.com/ollama/videoedit/scheduler"
)

// Source is what an edit starts from: either source frames to invert, or a
// start latent and, for blending, its trajectory.
type Source struct {
	// Pixels are the source frames laid out as [(B*F), C, H, W].
	Pixels *tensor.Dense
	// Frames is the number of frames per video in Pixels. Zero treats Pixels
	// as one video.
	Frames int

	Start      *latent.Latent
	Trajectory *latent.Trajectory
}

// Result is the output of one edit.
type Result struct {
	RunID   string
	Latents *latent.Latent
	// Frames is nil when the output type is latent or there is no codec.
	Frames *tensor.Dense
	// Attention summarizes the cross-attention recorded during generation.
	Attention []attention.TokenAttention
	// Masks are the local blend masks of a swap edit, if any.
	Masks []*latent.Latent
	// Trajectory is the inversion the edit blended from.
	Trajectory *latent.Trajectory
}

// Edit runs one generation in the mode opts.EditType selects. Whatever
// controller the mode registers is detached before Edit returns.
func (p *Pipeline) Edit(ctx context.Context, opts Options, src Source) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	res := &Result{RunID: uuid.NewString()}
	log := slog.With("run", res.RunID, "edit", opts.EditType)

	guided := opts.guided()
	emb, err := p.EncodePrompt(ctx, opts.Prompt, opts.NegativePrompt, opts.NumImagesPerPrompt, guided)
	if err != nil {
		return nil, err
	}

	if err := p.scheduler.SetTimesteps(opts.NumInferenceSteps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	n := len(p.scheduler.Timesteps())
	_, k := scheduler.TrimForStrength(p.scheduler.Timesteps(), opts.Strength)

	start, traj := src.Start, src.Trajectory
	inverted := false
	if start == nil && traj == nil {
		if src.Pixels == nil {
			return nil, fmt.Errorf("%w: neither a start latent nor source frames", ErrMissingSource)
		}
		traj, err = p.PrepareInverted(ctx, src.Pixels, emb.Cond, InvertOptions{
			Batch:          opts.NumImagesPerPrompt,
			Frames:         src.Frames,
			StoreAttention: opts.EditType == EditSwap && opts.UseInversionAttention,
			LowResource:    true,
			DType:          opts.DType,
			Source:         latent.NewSource(opts.Seed),
		})
		if err != nil {
			return nil, err
		}
		inverted = true
	}
	if start == nil {
		if traj == nil {
			return nil, fmt.Errorf("%w: neither a start latent nor source frames", ErrMissingSource)
		}
		// a shortened schedule starts from the inverted latent at its
		// first timestep
		if start, err = traj.At(k); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingSource, err)
		}
	}
	res.Trajectory = traj

	in := GenerateInput{Embedding: emb, Start: start, Trajectory: traj}
	var edit *attention.Edit
	var saved *attention.Store
	switch opts.EditType {
	case EditNone:
		release := p.registry.Register(attention.Empty{})
		defer release()
	case EditSave:
		// the inversion store is only replaced once generation succeeded
		if saved, err = attention.NewStore(p.storeConfig(opts)); err != nil {
			return nil, err
		}
		defer func() {
			if saved != nil {
				saved.Close()
			}
		}()

		release := p.registry.Register(saved)
		defer release()
		in.Controller = saved
	case EditSwap:
		if opts.UseInversionAttention && !inverted {
			if p.store.Steps() == 0 {
				return nil, fmt.Errorf("%w: inversion attention was requested but none is recorded", ErrMissingSource)
			}
			log.Warn("reusing inversion attention recorded by an earlier call", "steps", p.store.Steps())
		}

		cfg := opts.editConfig(p.storeConfig(opts))
		cfg.SkippedSteps = n - k
		if edit, err = attention.NewEdit(p.tokenizer, opts.SourcePrompt, opts.Prompt, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
		defer edit.Close()
		edit.SetSource(p.store, traj)
		log.Debug("swap edit", "strategy", edit.Strategy())

		release := p.registry.Register(edit)
		defer release()
		in.Controller = edit
	}

	out, err := p.Generate(ctx, &opts, in)
	if err != nil {
		return nil, err
	}
	res.Latents = out

	if saved != nil {
		if err := p.store.Close(); err != nil {
			log.Warn("failed to close previous attention store", "error", err)
		}
		p.store, saved = saved, nil
	}

	frames := start.Shape().F
	if opts.TotalFrameNum > 0 {
		frames = opts.TotalFrameNum
	}
	ares := min(attention.DefaultBlendResolution, start.Shape().H)
	switch opts.EditType {
	case EditSave:
		res.Attention = p.InversionAttention(opts.Prompt, frames, ares)
	case EditSwap:
		if len(edit.Keys()) > 0 {
			res.Attention = attention.AggregateCross(edit.Average(), p.tokenizer, opts.Prompt, ares, frames, []attention.Place{attention.Up, attention.Down})
		}
		res.Masks = edit.MaskList()
	}

	if opts.OutputType == OutputPixels && p.codec != nil {
		if res.Frames, err = p.codec.Decode(ctx, latent.Scale(out, 1/latent.ScaleFactor)); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
	}
	p.releaseCache()

	log.Debug("edit done", "shape", out.Shape(), "attention_tokens", len(res.Attention), "masks", len(res.Masks))
	return res, nil
}

// storeConfig is the store configuration for recordings made under opts.
func (p *Pipeline) storeConfig(opts Options) attention.StoreConfig {
	cfg := p.storeCfg
	cfg.SaveSelfAttention = opts.SaveSelfAttention
	cfg.LowResource = false
	if (opts.DiskStore || envconfig.DiskStore) && cfg.DiskDir == "" {
		cfg.DiskDir = envconfig.TmpDir
		if cfg.DiskDir == "" {
			cfg.DiskDir = os.TempDir()
		}
	}
	return cfg
}
