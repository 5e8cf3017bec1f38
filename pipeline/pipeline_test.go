package pipeline_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/videoedit/attention"
	"github.com/ollama/videoedit/latent"
	"github.com/ollama/videoedit/pipeline"
	"github.com/ollama/videoedit/synthetic"
)

func newPipeline(t *testing.T) (*pipeline.Pipeline, *synthetic.Backend) {
	t.Helper()
	b, err := synthetic.NewBackend()
	require.NoError(t, err)
	p, err := pipeline.New(b.Components(attention.StoreConfig{SaveSelfAttention: true}))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, b
}

func options(prompt string, steps int) pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.Prompt = prompt
	opts.NumInferenceSteps = steps
	opts.InterpolationTimestep = -1
	opts.OutputType = pipeline.OutputLatent
	return opts
}

// invert builds a start latent and trajectory from a synthetic video.
func invert(t *testing.T, p *pipeline.Pipeline, b *synthetic.Backend, frames, size, steps int, prompt string) *latent.Trajectory {
	t.Helper()
	emb, err := p.EncodePrompt(context.Background(), prompt, "", 1, false)
	require.NoError(t, err)
	require.NoError(t, b.Scheduler.SetTimesteps(steps))

	traj, err := p.PrepareInverted(context.Background(), synthetic.Video(frames, size), emb.Cond, pipeline.InvertOptions{Batch: 1, Frames: frames})
	require.NoError(t, err)
	return traj
}

func TestNew(t *testing.T) {
	b, err := synthetic.NewBackend()
	require.NoError(t, err)

	c := b.Components(attention.StoreConfig{})
	c.Network = nil
	_, err = pipeline.New(c)
	require.Error(t, err)

	p, err := pipeline.New(b.Components(attention.StoreConfig{}))
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, 6, p.Registry().Layers())
}

func TestInvert(t *testing.T) {
	p, b := newPipeline(t)
	require.NoError(t, b.Scheduler.SetTimesteps(5))

	emb, err := p.EncodePrompt(context.Background(), "a square", "", 1, false)
	require.NoError(t, err)

	traj, err := p.PrepareInverted(context.Background(), synthetic.Video(2, 32), emb.Cond, pipeline.InvertOptions{Batch: 1, Frames: 2, StoreAttention: true, LowResource: true})
	require.NoError(t, err)
	assert.Equal(t, 6, traj.Len())
	assert.Equal(t, latent.Shape{B: 1, C: 4, F: 2, H: 4, W: 4}, traj.Clean().Shape())

	// the inversion store saw every step and is detached afterwards
	assert.Equal(t, 5, p.Store().Steps())
	assert.Equal(t, 5, p.Store().Count(attention.KeyFor(attention.Down, true)))
	assert.Equal(t, attention.Empty{}, p.Registry().Active())
	assert.Equal(t, 5, len(b.Network.Batches()))

	_, err = p.PrepareInverted(context.Background(), synthetic.Video(3, 32), emb.Cond, pipeline.InvertOptions{Frames: 2})
	require.ErrorIs(t, err, pipeline.ErrInvalidOptions)
}

type failing struct {
	attention.Empty
	after int
	calls int
}

var errBoom = errors.New("boom")

func (f *failing) StepCallback(x *latent.Latent) (*latent.Latent, error) {
	f.calls++
	if f.calls > f.after {
		return nil, errBoom
	}
	return x, nil
}

func TestInvertControllerError(t *testing.T) {
	p, b := newPipeline(t)
	require.NoError(t, b.Scheduler.SetTimesteps(4))

	emb, err := p.EncodePrompt(context.Background(), "a square", "", 1, false)
	require.NoError(t, err)

	x0 := latent.Randn(latent.Shape{B: 1, C: 4, F: 2, H: 4, W: 4}, latent.NewSource(1))
	f := &failing{after: 2}
	_, err = p.Invert(context.Background(), x0, emb.Cond, f)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, f.calls)
	assert.Len(t, b.Network.Batches(), 3)
}

func TestInvertCanceled(t *testing.T) {
	p, b := newPipeline(t)
	require.NoError(t, b.Scheduler.SetTimesteps(4))
	emb, err := p.EncodePrompt(context.Background(), "a square", "", 1, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	x0 := latent.Randn(latent.Shape{B: 1, C: 4, F: 1, H: 4, W: 4}, latent.NewSource(1))
	_, err = p.Invert(ctx, x0, emb.Cond, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBlendAtFirstStepIsIdentity(t *testing.T) {
	p, b := newPipeline(t)
	traj := invert(t, p, b, 2, 32, 6, "a square")
	src := pipeline.Source{Start: traj.Noisiest(), Trajectory: traj}

	pure, err := p.Edit(context.Background(), options("a circle", 6), src)
	require.NoError(t, err)

	opts := options("a circle", 6)
	opts.InterpolationTimestep = 0
	blended, err := p.Edit(context.Background(), opts, src)
	require.NoError(t, err)

	assert.True(t, latent.AllClose(pure.Latents, blended.Latents, 1e-4))
}

func TestBlendLaterStepChangesOutput(t *testing.T) {
	p, b := newPipeline(t)
	traj := invert(t, p, b, 2, 32, 6, "a square")
	src := pipeline.Source{Start: traj.Noisiest(), Trajectory: traj}

	pure, err := p.Edit(context.Background(), options("a circle", 6), src)
	require.NoError(t, err)

	opts := options("a circle", 6)
	opts.InterpolationTimestep = 3
	blended, err := p.Edit(context.Background(), opts, src)
	require.NoError(t, err)
	assert.False(t, latent.AllClose(pure.Latents, blended.Latents, 1e-4))

	opts.InterpolationTimestep = 2
	_, err = p.Edit(context.Background(), opts, pipeline.Source{Start: traj.Noisiest()})
	require.ErrorIs(t, err, pipeline.ErrInvalidOptions)
}

func TestUnguidedRunsOneBatch(t *testing.T) {
	p, b := newPipeline(t)
	start := latent.Randn(latent.Shape{B: 1, C: 4, F: 2, H: 4, W: 4}, latent.NewSource(2))

	opts := options("a circle", 5)
	opts.GuidanceScale = 1
	var progress []int
	opts.Progress = func(completed, total int) {
		assert.Equal(t, 5, total)
		progress = append(progress, completed)
	}
	_, err := p.Edit(context.Background(), opts, pipeline.Source{Start: start})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 1, 1, 1, 1}, b.Network.Batches())
	assert.Equal(t, []int{1, 2, 3, 4, 5}, progress)
	assert.GreaterOrEqual(t, b.Network.Released(), 5)
}

func TestGuidedDuplicatesBatch(t *testing.T) {
	p, b := newPipeline(t)
	start := latent.Randn(latent.Shape{B: 1, C: 4, F: 2, H: 4, W: 4}, latent.NewSource(2))

	opts := options("a circle", 4)
	opts.CallbackSteps = 2
	var called []int
	opts.Callback = func(step, _ int, x *latent.Latent) {
		assert.Equal(t, start.Shape(), x.Shape())
		called = append(called, step)
	}
	_, err := p.Edit(context.Background(), opts, pipeline.Source{Start: start})
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2, 2, 2}, b.Network.Batches())
	assert.Equal(t, []int{0, 2}, called)
}

func TestSaveThenNone(t *testing.T) {
	p, _ := newPipeline(t)
	start := latent.Randn(latent.Shape{B: 1, C: 4, F: 2, H: 4, W: 4}, latent.NewSource(4))

	opts := options("a red circle", 4)
	opts.EditType = pipeline.EditSave
	saved, err := p.Edit(context.Background(), opts, pipeline.Source{Start: start})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.Attention)
	assert.Equal(t, attention.Empty{}, p.Registry().Active())

	store := p.Store()
	down := attention.KeyFor(attention.Down, true)
	count, steps := store.Count(down), store.Steps()
	assert.Equal(t, 4, count)
	assert.Equal(t, 4, steps)

	opts.EditType = pipeline.EditNone
	_, err = p.Edit(context.Background(), opts, pipeline.Source{Start: start})
	require.NoError(t, err)

	assert.Same(t, store, p.Store())
	assert.Equal(t, count, store.Count(down))
	assert.Equal(t, steps, store.Steps())
	assert.Equal(t, attention.Empty{}, p.Registry().Active())
}

func TestStages(t *testing.T) {
	p, b := newPipeline(t)
	traj := invert(t, p, b, 1, 32, 4, "a square")

	opts := options("a circle", 4)
	opts.StageNum = 3
	opts.TotalFrameNum = 2
	opts.InterpolationTimestep = 1
	res, err := p.Edit(context.Background(), opts, pipeline.Source{Start: traj.Noisiest(), Trajectory: traj})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Latents.Shape().F)

	// the first frame of every stage keeps a different share of the source
	first, err := res.Latents.Frame(0)
	require.NoError(t, err)
	third, err := res.Latents.Frame(2)
	require.NoError(t, err)
	assert.False(t, latent.AllClose(first, third, 1e-6))

	opts.InvertStage = true
	last, err := p.Edit(context.Background(), opts, pipeline.Source{Start: traj.Noisiest(), Trajectory: traj})
	require.NoError(t, err)
	assert.Equal(t, 2, last.Latents.Shape().F)
}

func TestSwapEdit(t *testing.T) {
	p, b := newPipeline(t)
	require.NoError(t, b.Scheduler.SetTimesteps(6))

	opts := options("a black square", 6)
	opts.EditType = pipeline.EditSwap
	opts.SourcePrompt = "a white square"
	opts.UseInversionAttention = true
	opts.InterpolationTimestep = 2
	opts.OutputType = pipeline.OutputPixels
	opts.BlendWords = &pipeline.BlendWords{Source: []string{"square"}, Target: []string{"square"}}

	res, err := p.Edit(context.Background(), opts, pipeline.Source{Pixels: synthetic.Video(2, 128), Frames: 2})
	require.NoError(t, err)

	assert.Equal(t, latent.Shape{B: 1, C: 4, F: 2, H: 16, W: 16}, res.Latents.Shape())
	assert.Equal(t, tensor.Shape{2, 3, 128, 128}, res.Frames.Shape())
	assert.Equal(t, 7, res.Trajectory.Len())
	assert.NotEmpty(t, res.RunID)
	assert.NotEmpty(t, res.Attention)
	require.Len(t, res.Masks, 2)
	assert.Equal(t, latent.Shape{B: 1, C: 1, F: 2, H: 16, W: 16}, res.Masks[0].Shape())
	assert.Equal(t, attention.Empty{}, p.Registry().Active())

	// inversion recorded attention for the swap to read
	assert.Equal(t, 6, p.Store().Steps())
}

func TestEditErrors(t *testing.T) {
	p, _ := newPipeline(t)

	_, err := p.Edit(context.Background(), options("", 4), pipeline.Source{})
	require.ErrorIs(t, err, pipeline.ErrInvalidOptions)

	_, err = p.Edit(context.Background(), options("a cat", 4), pipeline.Source{})
	require.ErrorIs(t, err, pipeline.ErrMissingSource)

	opts := options("a cat", 4)
	opts.EditType = pipeline.EditSwap
	opts.SourcePrompt = "a dog"
	start := latent.Randn(latent.Shape{B: 1, C: 4, F: 1, H: 4, W: 4}, latent.NewSource(4))
	_, err = p.Edit(context.Background(), opts, pipeline.Source{Start: start})
	require.NoError(t, err)
	assert.Equal(t, attention.Empty{}, p.Registry().Active())
}

func TestImageCondition(t *testing.T) {
	p, b := newPipeline(t)
	start := latent.Randn(latent.Shape{B: 1, C: 4, F: 1, H: 4, W: 4}, latent.NewSource(6))

	opts := options("a cat", 3)
	plain, err := p.Edit(context.Background(), opts, pipeline.Source{Start: start})
	require.NoError(t, err)

	opts.ConditionImage = synthetic.Video(1, 16)
	conditioned, err := p.Edit(context.Background(), opts, pipeline.Source{Start: start})
	require.NoError(t, err)
	assert.False(t, latent.AllClose(plain.Latents, conditioned.Latents, 1e-6))
	assert.Len(t, b.Network.Batches(), 6)
}

func maxAbsDiff(t *testing.T, a, b *latent.Latent) float64 {
	t.Helper()
	require.Equal(t, a.Shape(), b.Shape())
	var d float64
	for i, v := range a.Data() {
		d = max(d, math.Abs(float64(v-b.Data()[i])))
	}
	return d
}

func TestStrengthStartsFromTrimmedLatent(t *testing.T) {
	p, b := newPipeline(t)
	traj := invert(t, p, b, 2, 32, 10, "a square")

	opts := options("a square", 10)
	opts.GuidanceScale = 1
	opts.Strength = 0.5
	var total int
	opts.Progress = func(_, n int) { total = n }

	trimmed, err := p.Edit(context.Background(), opts, pipeline.Source{Trajectory: traj})
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	noisiest, err := p.Edit(context.Background(), opts, pipeline.Source{Start: traj.Noisiest(), Trajectory: traj})
	require.NoError(t, err)

	// denoising the latent inversion reached after five steps reconstructs
	// the source more closely than denoising the fully noised one
	clean := traj.Clean()
	assert.Less(t, maxAbsDiff(t, trimmed.Latents, clean), maxAbsDiff(t, noisiest.Latents, clean))
}

func TestSwapEditWithStrength(t *testing.T) {
	p, _ := newPipeline(t)

	opts := options("a black square", 6)
	opts.EditType = pipeline.EditSwap
	opts.SourcePrompt = "a white square"
	opts.UseInversionAttention = true
	opts.Strength = 0.5
	opts.InterpolationTimestep = 1
	opts.BlendWords = &pipeline.BlendWords{Source: []string{"square"}, Target: []string{"square"}}

	res, err := p.Edit(context.Background(), opts, pipeline.Source{Pixels: synthetic.Video(2, 128), Frames: 2})
	require.NoError(t, err)
	assert.Equal(t, latent.Shape{B: 1, C: 4, F: 2, H: 16, W: 16}, res.Latents.Shape())
	assert.Equal(t, 7, res.Trajectory.Len())
	assert.Equal(t, 6, p.Store().Steps())
	assert.Equal(t, attention.Empty{}, p.Registry().Active())
}

func TestSaveErrorKeepsInversionStore(t *testing.T) {
	p, b := newPipeline(t)

	emb, err := p.EncodePrompt(context.Background(), "a square", "", 1, false)
	require.NoError(t, err)
	require.NoError(t, b.Scheduler.SetTimesteps(4))
	traj, err := p.PrepareInverted(context.Background(), synthetic.Video(2, 32), emb.Cond, pipeline.InvertOptions{Batch: 1, Frames: 2, StoreAttention: true, LowResource: true})
	require.NoError(t, err)

	store := p.Store()
	down := attention.KeyFor(attention.Down, true)
	steps, count := store.Steps(), store.Count(down)
	require.Equal(t, 4, steps)

	// blending without a trajectory is rejected by generation
	opts := options("a square", 4)
	opts.EditType = pipeline.EditSave
	opts.InterpolationTimestep = 1
	_, err = p.Edit(context.Background(), opts, pipeline.Source{Start: traj.Noisiest()})
	require.ErrorIs(t, err, pipeline.ErrInvalidOptions)

	assert.Same(t, store, p.Store())
	assert.Equal(t, steps, store.Steps())
	assert.Equal(t, count, store.Count(down))
	assert.Equal(t, attention.Empty{}, p.Registry().Active())

	// a successful save does replace it
	opts.InterpolationTimestep = -1
	_, err = p.Edit(context.Background(), opts, pipeline.Source{Start: traj.Noisiest()})
	require.NoError(t, err)
	assert.NotSame(t, store, p.Store())
}

func TestSwapInversionAttentionNeedsRecording(t *testing.T) {
	p, b := newPipeline(t)
	start := latent.Randn(latent.Shape{B: 1, C: 4, F: 2, H: 4, W: 4}, latent.NewSource(4))

	opts := options("a black square", 4)
	opts.EditType = pipeline.EditSwap
	opts.SourcePrompt = "a white square"
	opts.UseInversionAttention = true
	_, err := p.Edit(context.Background(), opts, pipeline.Source{Start: start})
	require.ErrorIs(t, err, pipeline.ErrMissingSource)
	assert.Equal(t, attention.Empty{}, p.Registry().Active())

	emb, err := p.EncodePrompt(context.Background(), "a white square", "", 1, false)
	require.NoError(t, err)
	require.NoError(t, b.Scheduler.SetTimesteps(4))
	traj, err := p.PrepareInverted(context.Background(), synthetic.Video(2, 32), emb.Cond, pipeline.InvertOptions{Batch: 1, Frames: 2, StoreAttention: true, LowResource: true})
	require.NoError(t, err)

	_, err = p.Edit(context.Background(), opts, pipeline.Source{Start: traj.Noisiest(), Trajectory: traj})
	require.NoError(t, err)
}
