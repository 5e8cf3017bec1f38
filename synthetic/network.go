package synthetic

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/floats"

	"github.com/ollama/videoedit/attention"
	"github.com/ollama/videoedit/latent"
	"github.com/ollama/videoedit/logutil"
)

type layer struct {
	place attention.Place
	cross bool
	// pool is the downsampling of the latent grid the layer attends over
	pool int
}

// layers mirror the down, mid and up blocks of a denoising network. The full
// resolution cross layers are the ones local blending reads.
var layers = []layer{
	{attention.Down, true, 1},
	{attention.Down, false, 2},
	{attention.Mid, true, 2},
	{attention.Mid, false, 4},
	{attention.Up, false, 2},
	{attention.Up, true, 1},
}

const temperature = 4

type NetworkConfig struct {
	Heads int
	// Base is the share of the input returned as predicted noise.
	Base float32
	// Gain scales the attention output added to the prediction.
	Gain float32
}

func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{Heads: 2, Base: 0.9, Gain: 0.5}
}

// Network predicts noise as a fixed share of its input plus the output of a
// few attention layers. Every attention map is routed through the registry
// before it is applied, so controllers change the prediction.
type Network struct {
	cfg      NetworkConfig
	registry *attention.Registry

	mu       sync.Mutex
	batches  []int
	released atomic.Int64
}

func NewNetwork(cfg NetworkConfig) *Network {
	if cfg.Heads <= 0 {
		cfg.Heads = 1
	}
	return &Network{cfg: cfg}
}

// RouteAttention sends every attention map through r.
func (n *Network) RouteAttention(r *attention.Registry) int {
	n.registry = r
	return len(layers)
}

// Batches returns the batch size of every Forward call so far.
func (n *Network) Batches() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.batches...)
}

func (n *Network) EmptyCache() { n.released.Add(1) }

// Released is the number of EmptyCache calls.
func (n *Network) Released() int { return int(n.released.Load()) }

func (n *Network) Forward(ctx context.Context, x *latent.Latent, t int, cond *tensor.Dense) (*latent.Latent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := x.Shape()
	cd := cond.Shape()
	if len(cd) != 3 {
		return nil, fmt.Errorf("synthetic: conditioning must be [B, tokens, dim], got %v", cd)
	}
	if cd[0] != s.B && cd[0] != 1 {
		return nil, fmt.Errorf("synthetic: conditioning batch %d does not match latent batch %d", cd[0], s.B)
	}
	emb, ok := cond.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("synthetic: unsupported conditioning type %T", cond.Data())
	}

	n.mu.Lock()
	n.batches = append(n.batches, s.B)
	n.mu.Unlock()

	eps := latent.Scale(x, n.cfg.Base)
	gain := n.cfg.Gain / float32(len(layers))
	for _, l := range layers {
		pool := l.pool
		if s.H%pool != 0 || s.W%pool != 0 {
			pool = 1
		}
		feat := pooled(x, pool)

		var m *attention.Map
		if l.cross {
			m = n.crossWeights(feat, emb, s.B, s.C, cd)
		} else {
			m = n.selfWeights(feat, s.B, s.C)
		}
		want := m.Rows
		if n.registry != nil {
			m = n.registry.Dispatch(m, l.cross, l.place)
		}
		if m.Rows != want {
			return nil, fmt.Errorf("synthetic: %s layer returned %s for %d rows", l.place, m, want)
		}

		out := n.apply(m, feat, emb, s.B, s.C, cd, l.cross)
		addUpsampled(eps, out, pool, gain)
		if logutil.TraceEnabled() {
			logutil.Trace("attention layer", "place", l.place, "cross", l.cross, "map", m.String(), "timestep", t)
		}
	}
	return eps, nil
}

// pooled averages pool×pool blocks of x into per batch [queries, C] features
// with queries ordered frame, row, column.
func pooled(x *latent.Latent, pool int) [][]float64 {
	s := x.Shape()
	h, w := s.H/pool, s.W/pool
	q := s.F * h * w
	area := float64(pool * pool)

	out := make([][]float64, s.B)
	for b := range s.B {
		out[b] = make([]float64, q*s.C)
		for f := range s.F {
			for i := range h {
				for j := range w {
					qi := (f*h+i)*w + j
					for c := range s.C {
						var sum float64
						for dy := range pool {
							for dx := range pool {
								sum += float64(x.At(b, c, f, i*pool+dy, j*pool+dx))
							}
						}
						out[b][qi*s.C+c] = sum / area
					}
				}
			}
		}
	}
	return out
}

func key(emb []float32, cd []int, b, k, c, head, channels int) float64 {
	if cd[0] == 1 {
		b = 0
	}
	return float64(emb[(b*cd[1]+k)*cd[2]+(c+head*channels)%cd[2]])
}

func softmax(scores []float64, dst []float32) {
	lse := floats.LogSumExp(scores)
	for i, s := range scores {
		dst[i] = float32(math.Exp(s - lse))
	}
}

func (n *Network) crossWeights(feat [][]float64, emb []float32, batch, channels int, cd []int) *attention.Map {
	queries := len(feat[0]) / channels
	keys := cd[1]
	m := attention.NewMap(batch*n.cfg.Heads, queries, keys)
	scale := temperature / math.Sqrt(float64(channels))
	scores := make([]float64, keys)
	for b := range batch {
		for head := range n.cfg.Heads {
			r := b*n.cfg.Heads + head
			for q := range queries {
				fq := feat[b][q*channels:][:channels]
				for k := range keys {
					var dot float64
					for c, v := range fq {
						dot += v * key(emb, cd, b, k, c, head, channels)
					}
					scores[k] = dot * scale
				}
				softmax(scores, m.Data[(r*queries+q)*keys:][:keys])
			}
		}
	}
	return m
}

func (n *Network) selfWeights(feat [][]float64, batch, channels int) *attention.Map {
	queries := len(feat[0]) / channels
	m := attention.NewMap(batch*n.cfg.Heads, queries, queries)
	scale := 1 / math.Sqrt(float64(channels))
	scores := make([]float64, queries)
	for b := range batch {
		for head := range n.cfg.Heads {
			r := b*n.cfg.Heads + head
			// heads differ only in sharpness
			sharp := scale * float64(head+1)
			for q := range queries {
				fq := feat[b][q*channels:][:channels]
				for k := range queries {
					fk := feat[b][k*channels:][:channels]
					scores[k] = floats.Dot(fq, fk) * sharp
				}
				softmax(scores, m.Data[(r*queries+q)*queries:][:queries])
			}
		}
	}
	return m
}

// apply mixes values with the weights in m and averages over heads. The
// result is per batch [queries, C].
func (n *Network) apply(m *attention.Map, feat [][]float64, emb []float32, batch, channels int, cd []int, cross bool) [][]float64 {
	heads := n.cfg.Heads
	out := make([][]float64, batch)
	for b := range batch {
		out[b] = make([]float64, m.Queries*channels)
		for head := range heads {
			r := b*heads + head
			for q := range m.Queries {
				dst := out[b][q*channels:][:channels]
				for k := range m.Keys {
					wt := float64(m.At(r, q, k))
					if wt == 0 {
						continue
					}
					for c := range dst {
						if cross {
							dst[c] += wt * key(emb, cd, b, k, c, head, channels)
						} else {
							dst[c] += wt * feat[b][k*channels+c]
						}
					}
				}
			}
		}
		floats.Scale(1/float64(heads), out[b])
	}
	return out
}

// addUpsampled adds gain×out to x, repeating every pooled value over its
// pool×pool block.
func addUpsampled(x *latent.Latent, out [][]float64, pool int, gain float32) {
	s := x.Shape()
	h, w := s.H/pool, s.W/pool
	for b := range s.B {
		for f := range s.F {
			for y := range s.H {
				for xx := range s.W {
					qi := (f*h+y/pool)*w + xx/pool
					for c := range s.C {
						x.Set(b, c, f, y, xx, x.At(b, c, f, y, xx)+gain*float32(out[b][qi*s.C+c]))
					}
				}
			}
		}
	}
}
