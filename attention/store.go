package attention

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/ollama/videoedit/latent"
)

// StoreConfig configures a Store.
type StoreConfig struct {
	// LowResource forwards every row of a map instead of only the
	// conditional half.
	LowResource bool
	// SaveSelfAttention records self-attention maps as well as
	// cross-attention maps.
	SaveSelfAttention bool
	// MaxQueries skips maps with more queries than this. Zero records
	// everything.
	MaxQueries int
	// DiskDir, when set, spills each step's maps to a run directory below
	// it instead of holding them in memory.
	DiskDir string
}

// Store records attention maps. It keeps a running sum over steps, a per-step
// log and the latent seen at every step callback.
type Store struct {
	cfg  StoreConfig
	step int
	// completed counts step callbacks since the last Reset
	completed int

	stepStore StepMaps

	// aggregate is keyed by Key in sorted order
	aggregate *treemap.Map
	log       stepLog
	latents   []*latent.Latent
	counts    map[Key]int
}

func NewStore(cfg StoreConfig) (*Store, error) {
	s := &Store{
		cfg:       cfg,
		stepStore: emptyStepMaps(),
		aggregate: treemap.NewWithStringComparator(),
		counts:    make(map[Key]int),
	}

	if cfg.DiskDir != "" {
		l, err := newDiskLog(cfg.DiskDir)
		if err != nil {
			return nil, err
		}
		s.log = l
	} else {
		s.log = &memoryLog{}
	}
	return s, nil
}

func (s *Store) LowResource() bool { return s.cfg.LowResource }

// SetLowResource switches the forwarding mode and returns the previous one.
func (s *Store) SetLowResource(v bool) bool {
	prev := s.cfg.LowResource
	s.cfg.LowResource = v
	return prev
}

// Step is the index of the current denoising step.
func (s *Store) Step() int { return s.step }

// Forward records a copy of m. The weights are returned unchanged.
func (s *Store) Forward(m *Map, cross bool, place Place) *Map {
	if !s.records(m, cross) {
		return m
	}
	key := KeyFor(place, cross)
	s.stepStore[key] = append(s.stepStore[key], m.Clone())
	s.counts[key]++
	return m
}

func (s *Store) records(m *Map, cross bool) bool {
	if !cross && !s.cfg.SaveSelfAttention {
		return false
	}
	return s.cfg.MaxQueries <= 0 || m.Queries <= s.cfg.MaxQueries
}

// layer is the index the next recorded map for key will have within the
// current step.
func (s *Store) layer(key Key) int {
	return len(s.stepStore[key])
}

// Current returns the maps recorded so far in the current step.
func (s *Store) Current() StepMaps {
	return s.stepStore
}

func (s *Store) StepCallback(x *latent.Latent) (*latent.Latent, error) {
	if err := s.betweenSteps(); err != nil {
		return nil, err
	}
	s.latents = append(s.latents, x.Clone())
	return x, nil
}

func (s *Store) betweenSteps() error {
	for key, maps := range s.stepStore {
		v, ok := s.aggregate.Get(string(key))
		if !ok {
			sum := make([]*Map, len(maps))
			for i, m := range maps {
				sum[i] = m.Clone()
			}
			s.aggregate.Put(string(key), sum)
			continue
		}

		sum := v.([]*Map)
		for i, m := range maps {
			if i < len(sum) {
				sum[i].add(m)
			} else {
				sum = append(sum, m.Clone())
			}
		}
		s.aggregate.Put(string(key), sum)
	}

	if err := s.log.Append(s.stepStore); err != nil {
		return fmt.Errorf("attention: record step %d: %w", s.step, err)
	}

	s.step++
	s.completed++
	s.stepStore = emptyStepMaps()
	return nil
}

// RestartSteps rewinds the step counter to zero without dropping anything
// recorded.
func (s *Store) RestartSteps() {
	s.step = 0
	s.stepStore = emptyStepMaps()
}

func (s *Store) Reset() {
	s.step = 0
	s.completed = 0
	s.stepStore = emptyStepMaps()
	clear(s.counts)
	s.aggregate.Clear()
	s.latents = nil
	if err := s.log.Reset(); err != nil {
		slog.Warn("failed to reset attention log", "error", err)
	}
}

// Count is the number of maps recorded for key since the last Reset.
func (s *Store) Count(key Key) int {
	return s.counts[key]
}

// Keys returns the recorded keys in sorted order.
func (s *Store) Keys() []Key {
	keys := make([]Key, 0, s.aggregate.Size())
	for _, k := range s.aggregate.Keys() {
		keys = append(keys, Key(k.(string)))
	}
	return keys
}

// Average returns the aggregate maps divided by the number of completed
// steps.
func (s *Store) Average() StepMaps {
	avg := emptyStepMaps()
	if s.completed == 0 {
		return avg
	}

	scale := 1 / float32(s.completed)
	it := s.aggregate.Iterator()
	for it.Next() {
		sum := it.Value().([]*Map)
		out := make([]*Map, len(sum))
		for i, m := range sum {
			c := m.Clone()
			for j := range c.Data {
				c.Data[j] *= scale
			}
			out[i] = c
		}
		avg[Key(it.Key().(string))] = out
	}
	return avg
}

// Steps is the number of per-step snapshots available.
func (s *Store) Steps() int { return s.log.Len() }

// StepMaps returns the snapshot recorded at step i.
func (s *Store) StepMaps(i int) (StepMaps, error) {
	if i < 0 || i >= s.log.Len() {
		return nil, fmt.Errorf("attention: step %d out of range [0, %d)", i, s.log.Len())
	}
	return s.log.Get(i)
}

// Latents returns the latents seen by each step callback, oldest first.
func (s *Store) Latents() []*latent.Latent {
	return s.latents
}

// Close releases the recorded steps and removes the on-disk run directory,
// if any.
func (s *Store) Close() error {
	if d, ok := s.log.(*diskLog); ok {
		s.log = &memoryLog{}
		return os.RemoveAll(d.dir)
	}
	return s.log.Reset()
}
