// Package pipeline drives the inversion and attention-controlled generation
// loops that together edit a video latent towards a new prompt.
//
// The network, scheduler, codec and text encoder are injected; the pipeline
// only owns the loops, the attention registry and the inversion store.
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"

	"github.com/ollama/videoedit/attention"
	"github.com/ollama/videoedit/latent"
	"github.com/ollama/videoedit/scheduler"
)

// Network predicts the noise in x at timestep t under the given
// conditioning. The output has the shape of x.
type Network interface {
	Forward(ctx context.Context, x *latent.Latent, t int, cond *tensor.Dense) (*latent.Latent, error)
}

// AttentionRouted is implemented by networks whose attention layers can be
// routed through a registry. It returns the number of routed layers.
type AttentionRouted interface {
	RouteAttention(r *attention.Registry) int
}

type Scheduler interface {
	scheduler.Schedule
	SetTimesteps(n int) error
	Timesteps() []int
	ScaleModelInput(x *latent.Latent, t int) *latent.Latent
	Step(eps *latent.Latent, t int, x *latent.Latent, opts scheduler.StepOptions) (*latent.Latent, error)
	Order() int
}

// LatentDist is the distribution an encoded image batch is sampled from.
type LatentDist interface {
	Sample(src rand.Source) (*tensor.Dense, error)
}

// Codec converts between pixel frames laid out as [(B*F), C, H, W] and
// latents.
type Codec interface {
	Encode(ctx context.Context, pixels *tensor.Dense) (LatentDist, error)
	Decode(ctx context.Context, x *latent.Latent) (*tensor.Dense, error)
}

// TextEncoder embeds a prompt as [1, tokens, dim].
type TextEncoder interface {
	EncodePrompt(ctx context.Context, text string) (*tensor.Dense, error)
}

// ImageEncoder embeds an image as [1, n, dim] for image conditioning.
type ImageEncoder interface {
	EncodeImage(ctx context.Context, image *tensor.Dense) (*tensor.Dense, error)
}

// CacheReleaser is implemented by collaborators holding device memory that
// can be released between steps.
type CacheReleaser interface {
	EmptyCache()
}

// Components are the collaborators a Pipeline is built from. ImageEncoder
// and Codec are optional.
type Components struct {
	Network      Network
	Scheduler    Scheduler
	Codec        Codec
	TextEncoder  TextEncoder
	Tokenizer    attention.Tokenizer
	ImageEncoder ImageEncoder

	// Store configures the inversion attention store.
	Store attention.StoreConfig
}

type Pipeline struct {
	network      Network
	scheduler    Scheduler
	codec        Codec
	textEncoder  TextEncoder
	tokenizer    attention.Tokenizer
	imageEncoder ImageEncoder

	registry  *attention.Registry
	storeCfg  attention.StoreConfig
	store     *attention.Store
	attnLayer int
}

func New(c Components) (*Pipeline, error) {
	switch {
	case c.Network == nil:
		return nil, errors.New("pipeline: network is required")
	case c.Scheduler == nil:
		return nil, errors.New("pipeline: scheduler is required")
	case c.TextEncoder == nil:
		return nil, errors.New("pipeline: text encoder is required")
	case c.Tokenizer == nil:
		return nil, errors.New("pipeline: tokenizer is required")
	}

	store, err := attention.NewStore(c.Store)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		network:      c.Network,
		scheduler:    c.Scheduler,
		codec:        c.Codec,
		textEncoder:  c.TextEncoder,
		tokenizer:    c.Tokenizer,
		imageEncoder: c.ImageEncoder,
		registry:     attention.NewRegistry(),
		storeCfg:     c.Store,
		store:        store,
	}

	if r, ok := c.Network.(AttentionRouted); ok {
		p.attnLayer = r.RouteAttention(p.registry)
		p.registry.SetLayers(p.attnLayer)
		slog.Debug("attention routed", "layers", p.attnLayer)
	}
	return p, nil
}

// Registry is the registry the network's attention layers dispatch to.
func (p *Pipeline) Registry() *attention.Registry { return p.registry }

// Store is the attention store filled by inversion and by save edits.
func (p *Pipeline) Store() *attention.Store { return p.store }

// Close releases the inversion store.
func (p *Pipeline) Close() error {
	p.registry.Detach()
	return p.store.Close()
}

func (p *Pipeline) releaseCache() {
	for _, c := range []any{p.network, p.codec, p.imageEncoder} {
		if r, ok := c.(CacheReleaser); ok {
			r.EmptyCache()
		}
	}
}
