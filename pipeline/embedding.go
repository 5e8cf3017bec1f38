package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/pdevine/tensor"
)

// Embedding is the unconditional and conditional text embedding pair, each
// shaped [batch, tokens, dim]. Uncond is nil when guidance is off.
type Embedding struct {
	Uncond *tensor.Dense
	Cond   *tensor.Dense
}

// Input returns the conditioning fed to the network: [uncond; cond] when
// guided, cond alone otherwise.
func (e Embedding) Input(guided bool) (*tensor.Dense, error) {
	if !guided {
		return e.Cond, nil
	}
	if e.Uncond == nil {
		return nil, errors.New("pipeline: guided embedding has no unconditional half")
	}
	return concatDense(0, e.Uncond, e.Cond)
}

// EncodePrompt embeds prompt, and negative when guided, repeated n times
// along the batch axis.
func (p *Pipeline) EncodePrompt(ctx context.Context, prompt, negative string, n int, guided bool) (Embedding, error) {
	cond, err := p.textEncoder.EncodePrompt(ctx, prompt)
	if err != nil {
		return Embedding{}, fmt.Errorf("encode prompt: %w", err)
	}
	if cond, err = repeatDense(cond, n); err != nil {
		return Embedding{}, err
	}

	emb := Embedding{Cond: cond}
	if guided {
		uncond, err := p.textEncoder.EncodePrompt(ctx, negative)
		if err != nil {
			return Embedding{}, fmt.Errorf("encode negative prompt: %w", err)
		}
		if emb.Uncond, err = repeatDense(uncond, n); err != nil {
			return Embedding{}, err
		}
	}
	return emb, nil
}

// imageCondition embeds image and zero pads the features to the token
// length of like, repeating them over like's batch.
func (p *Pipeline) imageCondition(ctx context.Context, image, like *tensor.Dense) (*tensor.Dense, error) {
	if p.imageEncoder == nil {
		return nil, errors.New("pipeline: image conditioning needs an image encoder")
	}

	feat, err := p.imageEncoder.EncodeImage(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	fs, ls := feat.Shape(), like.Shape()
	if len(fs) != 3 || len(ls) != 3 {
		return nil, fmt.Errorf("pipeline: image features %v and text embedding %v must be 3 dimensional", fs, ls)
	}
	if fs[2] != ls[2] || fs[1] > ls[1] {
		return nil, fmt.Errorf("pipeline: image features %v do not fit text embedding %v", fs, ls)
	}

	src, ok := feat.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("pipeline: unsupported image feature type %T", feat.Data())
	}

	// pad every feature batch with zero tokens
	tokens, dim := ls[1], ls[2]
	padded := make([]float32, fs[0]*tokens*dim)
	for b := range fs[0] {
		copy(padded[b*tokens*dim:], src[b*fs[1]*dim:(b+1)*fs[1]*dim])
	}
	out := tensor.New(tensor.WithShape(fs[0], tokens, dim), tensor.WithBacking(padded))

	if ls[0]%fs[0] != 0 {
		return nil, fmt.Errorf("pipeline: cannot repeat %d image features to batch %d", fs[0], ls[0])
	}
	return repeatDense(out, ls[0]/fs[0])
}

func repeatDense(d *tensor.Dense, n int) (*tensor.Dense, error) {
	if n <= 1 {
		return d, nil
	}
	others := make([]*tensor.Dense, n-1)
	for i := range others {
		others[i] = d
	}
	return concatDense(0, d, others...)
}

func concatDense(axis int, d *tensor.Dense, others ...*tensor.Dense) (*tensor.Dense, error) {
	ts := make([]tensor.Tensor, len(others))
	for i, o := range others {
		ts[i] = o
	}

	t, err := tensor.Concat(axis, d, ts...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: concatenate embeddings: %w", err)
	}
	out, ok := tensor.Materialize(t).(*tensor.Dense)
	if !ok {
		return nil, errors.New("pipeline: concatenation did not materialize to a dense tensor")
	}
	return out, nil
}
