package attention

import (
	"fmt"
	"log/slog"

	"github.com/ollama/videoedit/latent"
)

// DefaultSelfReplaceQueries is the largest self-attention map that is
// replaced from the source.
const DefaultSelfReplaceQueries = 16 * 16

// EditConfig configures an Edit controller.
type EditConfig struct {
	// Steps is the number of denoising steps of the edited run.
	Steps int
	// CrossReplace is the fraction of steps during which cross-attention is
	// taken from the source.
	CrossReplace float64
	// CrossReplaceWords overrides CrossReplace for individual target words.
	CrossReplaceWords map[string]float64
	// SelfReplace is the step window during which self-attention is taken
	// from the source.
	SelfReplace Bounds
	// Replace asks for word-for-word replacement. It is only honored when
	// both prompts have the same word count.
	Replace bool
	// BlendWords enables local blending on the given source and target words.
	BlendWords [2][]string
	// BlendThreshold cuts the source and target blend masks.
	BlendThreshold [2]float64
	// BlendResolution defaults to DefaultBlendResolution.
	BlendResolution int
	// Equalizer reweights target words after replacement.
	Equalizer *Equalizer
	// UseInversionAttention reads source attention from the inversion store
	// instead of the first half of the batch.
	UseInversionAttention bool
	// SkippedSteps is the number of schedule steps a shortened run leaves
	// out at the noisy end. Source attention and latents are read that many
	// steps further into the inversion.
	SkippedSteps int
	// SelfReplaceQueries defaults to DefaultSelfReplaceQueries.
	SelfReplaceQueries int
	Store              StoreConfig
}

// Strategy is how source cross-attention is mapped onto the target prompt.
type Strategy int

const (
	Refine Strategy = iota
	Replace
)

func (s Strategy) String() string {
	if s == Replace {
		return "replace"
	}
	return "refine"
}

// Edit rewrites the target's attention from the source's while recording the
// target's own attention.
type Edit struct {
	*Store

	strategy Strategy
	// replace strategy
	mapper []float32
	// refine strategy
	refine      []int
	refineAlpha []float32
	equalizer   []float32
	n           int

	alphas         *wordAlphas
	selfLo, selfHi int
	selfMaxQueries int

	useInversion bool
	skipped      int
	inversion    *Store
	seen         map[Key]int
	trajectory   *latent.Trajectory

	blend *LocalBlend
}

// NewEdit builds an edit from source to target over cfg.Steps steps.
func NewEdit(tok Tokenizer, source, target string, cfg EditConfig) (*Edit, error) {
	if cfg.Steps <= 0 {
		return nil, fmt.Errorf("attention: edit needs a positive step count, got %d", cfg.Steps)
	}
	if cfg.SkippedSteps < 0 || cfg.SkippedSteps > cfg.Steps {
		return nil, fmt.Errorf("attention: skipped steps must be in [0, %d], got %d", cfg.Steps, cfg.SkippedSteps)
	}
	if err := cfg.SelfReplace.validate(); err != nil {
		return nil, err
	}

	store, err := NewStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	e := &Edit{
		Store:          store,
		n:              tok.MaxLength(),
		selfMaxQueries: cfg.SelfReplaceQueries,
		useInversion:   cfg.UseInversionAttention,
		skipped:        cfg.SkippedSteps,
		seen:           make(map[Key]int),
	}
	if e.selfMaxQueries <= 0 {
		e.selfMaxQueries = DefaultSelfReplaceQueries
	}
	e.selfLo, e.selfHi = cfg.SelfReplace.selfWindow(cfg.Steps)

	e.alphas, err = newWordAlphas(tok, target, cfg.Steps, cfg.CrossReplace, cfg.CrossReplaceWords)
	if err != nil {
		return nil, err
	}

	if ResolveReplace(source, target, cfg.Replace) {
		e.strategy = Replace
		if e.mapper, err = replaceMapper(tok, source, target); err != nil {
			return nil, err
		}
	} else {
		e.strategy = Refine
		e.refine, e.refineAlpha = refineMapper(tok, source, target)
	}

	if cfg.Equalizer != nil && len(cfg.Equalizer.Words) > 0 {
		if e.equalizer, err = cfg.Equalizer.weights(tok, target); err != nil {
			return nil, err
		}
	}

	if len(cfg.BlendWords[0]) > 0 || len(cfg.BlendWords[1]) > 0 {
		e.blend = NewLocalBlend(tok, source, target, cfg.BlendWords, cfg.BlendThreshold, cfg.Steps, cfg.BlendResolution)
	}

	slog.Debug("attention edit", "strategy", e.strategy, "self_window", []int{e.selfLo, e.selfHi}, "blend", e.blend != nil, "equalizer", e.equalizer != nil)
	return e, nil
}

func (e *Edit) Strategy() Strategy { return e.strategy }

// SetSource attaches the attention recorded while inverting the source and
// the inverted trajectory. Neither is owned by e.
func (e *Edit) SetSource(inversion *Store, trajectory *latent.Trajectory) {
	e.inversion = inversion
	e.trajectory = trajectory
}

// CrossActive reports whether cross-attention is replaced at step.
func (e *Edit) CrossActive(step int) bool {
	return e.alphas.active(step)
}

// SelfActive reports whether self-attention is replaced at step.
func (e *Edit) SelfActive(step int) bool {
	return step >= e.selfLo && step < e.selfHi
}

func (e *Edit) Forward(m *Map, cross bool, place Place) *Map {
	key := KeyFor(place, cross)
	base, rep, split := e.split(m, cross, key)
	e.Store.Forward(m, cross, place)

	if base == nil {
		return m
	}

	step := e.Store.Step()
	switch {
	case cross && e.CrossActive(step):
		rep = e.replaceCross(base, rep, e.alphas.row(step))
	case !cross && e.SelfActive(step):
		rep = e.replaceSelf(base, rep)
	default:
		return m
	}

	if split < 0 {
		return rep
	}
	out := m.Clone()
	out.setRows(split, rep)
	return out
}

// split returns the source and target attention for m. split is the row at
// which rep starts in m, or -1 when rep is all of m.
func (e *Edit) split(m *Map, cross bool, key Key) (base, rep *Map, split int) {
	if e.useInversion {
		if e.inversion == nil || !e.inversion.records(m, cross) {
			return nil, nil, -1
		}
		layer := e.layerSeen(key)
		idx := e.sourceStep(e.inversion.Steps())
		if idx < 0 {
			return nil, nil, -1
		}
		maps, err := e.inversion.StepMaps(idx)
		if err != nil {
			slog.Warn("inversion attention unavailable", "step", idx, "error", err)
			return nil, nil, -1
		}
		base = maps.Layer(key, layer)
		if base == nil || base.Rows != m.Rows || !base.sameLayout(m) {
			return nil, nil, -1
		}
		return base, m.Clone(), -1
	}

	if m.Rows < 2 || m.Rows%2 != 0 {
		return nil, nil, -1
	}
	h := m.Rows / 2
	return m.Rowset(0, h), m.Rowset(h, m.Rows), h
}

// sourceStep is the inversion step recorded at the timestep the current
// generation step runs, out of n recorded steps. It is negative once the
// inversion has nothing left for the step.
func (e *Edit) sourceStep(n int) int {
	return n - 1 - e.skipped - e.Store.Step()
}

// layerSeen returns the index the inversion store gave the map currently
// being forwarded for key.
func (e *Edit) layerSeen(key Key) int {
	i := e.seen[key]
	e.seen[key]++
	return i
}

func (e *Edit) replaceCross(base, rep *Map, alpha []float32) *Map {
	var mapped *Map
	switch {
	case base.Keys != e.n:
		return rep
	case e.strategy == Replace:
		mapped = NewMap(rep.Rows, rep.Queries, rep.Keys)
		for r := range rep.Rows {
			for q := range rep.Queries {
				row := base.Data[(r*base.Queries+q)*base.Keys:][:base.Keys]
				dst := mapped.Data[(r*rep.Queries+q)*rep.Keys:][:rep.Keys]
				for w, v := range row {
					if v == 0 {
						continue
					}
					for n, c := range e.mapper[w*e.n : (w+1)*e.n] {
						dst[n] += v * c
					}
				}
			}
		}
	default:
		mapped = NewMap(rep.Rows, rep.Queries, rep.Keys)
		for r := range rep.Rows {
			for q := range rep.Queries {
				off := (r*rep.Queries + q) * rep.Keys
				for j := range rep.Keys {
					a := e.refineAlpha[j]
					mapped.Data[off+j] = base.Data[off+e.refine[j]]*a + rep.Data[off+j]*(1-a)
				}
			}
		}
	}

	if e.equalizer != nil {
		for i := range mapped.Data {
			mapped.Data[i] *= e.equalizer[i%rep.Keys]
		}
	}

	out := rep.Clone()
	for i := range out.Data {
		a := alpha[i%rep.Keys]
		out.Data[i] = mapped.Data[i]*a + rep.Data[i]*(1-a)
	}
	return out
}

func (e *Edit) replaceSelf(base, rep *Map) *Map {
	if rep.Queries > e.selfMaxQueries {
		return rep
	}
	return base.Clone()
}

// StepCallback applies local blending, if configured, before the step's
// attention is folded into the store.
func (e *Edit) StepCallback(x *latent.Latent) (*latent.Latent, error) {
	if e.blend != nil {
		var err error
		if x, err = e.localBlend(x); err != nil {
			return nil, err
		}
	}
	clear(e.seen)
	return e.Store.StepCallback(x)
}

func (e *Edit) localBlend(x *latent.Latent) (*latent.Latent, error) {
	current := e.Store.Current()

	if e.trajectory != nil {
		var srcMaps StepMaps
		if e.inversion != nil {
			if idx := e.sourceStep(e.inversion.Steps()); idx >= 0 {
				maps, err := e.inversion.StepMaps(idx)
				if err != nil {
					return nil, err
				}
				srcMaps = maps
			}
		}

		// the trajectory is clean first; a generation step lands on the
		// latent inversion produced one step before the matching timestep
		idx := e.sourceStep(e.trajectory.Len() - 1)
		if idx < 0 {
			return x, nil
		}
		src, err := e.trajectory.At(idx)
		if err != nil {
			return nil, err
		}
		return e.blend.Apply(src, x, srcMaps, current)
	}

	// source and target share the batch
	if x.Shape().B != 2 {
		return x, nil
	}
	halves, err := x.Chunk(2)
	if err != nil {
		return nil, err
	}
	srcMaps, tgtMaps := splitMaps(current)
	tgt, err := e.blend.Apply(halves[0], halves[1], srcMaps, tgtMaps)
	if err != nil {
		return nil, err
	}
	return latent.ConcatBatch(halves[0], tgt)
}

// splitMaps separates the source and target rows of every map.
func splitMaps(s StepMaps) (StepMaps, StepMaps) {
	src, tgt := emptyStepMaps(), emptyStepMaps()
	for key, maps := range s {
		for _, m := range maps {
			if m.Rows < 2 || m.Rows%2 != 0 {
				continue
			}
			h := m.Rows / 2
			src[key] = append(src[key], m.Rowset(0, h))
			tgt[key] = append(tgt[key], m.Rowset(h, m.Rows))
		}
	}
	return src, tgt
}

// MaskList returns the local blend masks computed so far, or nil.
func (e *Edit) MaskList() []*latent.Latent {
	if e.blend == nil {
		return nil
	}
	return e.blend.Masks()
}

// RestartSteps rewinds the step counter for a new stage.
func (e *Edit) RestartSteps() {
	e.Store.RestartSteps()
	clear(e.seen)
	if e.blend != nil {
		e.blend.counter = 0
	}
}

func (e *Edit) Reset() {
	e.Store.Reset()
	clear(e.seen)
	if e.blend != nil {
		e.blend.Reset()
	}
}
