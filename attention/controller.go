package attention

import (
	"sync"

	"github.com/ollama/videoedit/latent"
)

// Controller is consulted by every attention layer while it is registered.
type Controller interface {
	// Forward receives the weights of one attention layer and returns the
	// weights the layer should continue with.
	Forward(m *Map, cross bool, place Place) *Map
	// StepCallback runs once per denoising iteration after the scheduler
	// step and may rewrite the latent.
	StepCallback(x *latent.Latent) (*latent.Latent, error)
	// Reset clears all per-run state.
	Reset()
}

// lowResourcer is implemented by controllers that can receive the full batch
// of rows instead of only the conditional half.
type lowResourcer interface {
	LowResource() bool
}

// Empty does nothing. It is the registered controller whenever no edit or
// recording is in progress.
type Empty struct{}

func (Empty) Forward(m *Map, _ bool, _ Place) *Map { return m }

func (Empty) StepCallback(x *latent.Latent) (*latent.Latent, error) { return x, nil }

func (Empty) Reset() {}

// Registry holds the single controller wired into a network's attention
// layers.
type Registry struct {
	mu     sync.Mutex
	active Controller
	layers int
}

func NewRegistry() *Registry {
	return &Registry{active: Empty{}}
}

// Register makes c the only active controller, replacing whatever was
// registered before. The returned release func reinstalls Empty if c is still
// active; it is safe to call more than once.
func (r *Registry) Register(c Controller) (release func()) {
	if c == nil {
		c = Empty{}
	}

	r.mu.Lock()
	r.active = c
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.active == c {
				r.active = Empty{}
			}
		})
	}
}

// Detach unconditionally reinstalls Empty.
func (r *Registry) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = Empty{}
}

func (r *Registry) Active() Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SetLayers records how many attention layers the network routes through r.
func (r *Registry) SetLayers(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layers = n
}

func (r *Registry) Layers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.layers
}

// Dispatch hands one layer's weights to the active controller. Unless the
// controller is in low resource mode the rows are treated as an
// [uncond; cond] pair and only the conditional half is forwarded.
func (r *Registry) Dispatch(m *Map, cross bool, place Place) *Map {
	c := r.Active()
	if _, ok := c.(Empty); ok {
		return m
	}

	if lr, ok := c.(lowResourcer); ok && !lr.LowResource() {
		if m.Rows < 2 || m.Rows%2 != 0 {
			return c.Forward(m, cross, place)
		}
		h := m.Rows / 2
		cond := c.Forward(m.Rowset(h, m.Rows), cross, place)
		out := m.Clone()
		out.setRows(h, cond)
		return out
	}

	return c.Forward(m, cross, place)
}
