package attention

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/videoedit/latent"
)

type countingController struct {
	Empty
	forwards int
	rows     []int
	low      bool
}

func (c *countingController) Forward(m *Map, _ bool, _ Place) *Map {
	c.forwards++
	c.rows = append(c.rows, m.Rows)
	return m
}

func (c *countingController) LowResource() bool { return c.low }

func filled(rows, queries, keys int, v float32) *Map {
	m := NewMap(rows, queries, keys)
	for i := range m.Data {
		m.Data[i] = v
	}
	return m
}

func tinyLatent() *latent.Latent {
	return latent.Zeros(latent.Shape{B: 1, C: 1, F: 1, H: 1, W: 1})
}

func TestRegistrySingleActive(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, Empty{}, r.Active())

	a, b := &countingController{low: true}, &countingController{low: true}
	releaseA := r.Register(a)
	releaseB := r.Register(b)
	assert.Same(t, b, r.Active())

	r.Dispatch(NewMap(2, 1, 1), true, Down)
	r.Dispatch(NewMap(2, 1, 1), false, Up)
	assert.Equal(t, 0, a.forwards)
	assert.Equal(t, 2, b.forwards)

	// releasing a controller that was replaced leaves the active one alone
	releaseA()
	assert.Same(t, b, r.Active())

	releaseB()
	assert.Equal(t, Empty{}, r.Active())
	releaseB()
	assert.Equal(t, Empty{}, r.Active())
}

func TestDispatchConditionalHalf(t *testing.T) {
	r := NewRegistry()

	c := &countingController{}
	release := r.Register(c)
	defer release()

	m := NewMap(4, 2, 3)
	out := r.Dispatch(m, true, Mid)
	assert.Equal(t, []int{2}, c.rows)
	assert.Equal(t, 4, out.Rows)

	c.low = true
	r.Dispatch(m, true, Mid)
	assert.Equal(t, []int{2, 4}, c.rows)
}

func TestDispatchWritesBackConditionalHalf(t *testing.T) {
	r := NewRegistry()
	release := r.Register(&rewriter{})
	defer release()

	m := filled(2, 1, 2, 1)
	out := r.Dispatch(m, true, Down)
	assert.Equal(t, []float32{1, 1, 7, 7}, out.Data)
	assert.Equal(t, []float32{1, 1, 1, 1}, m.Data)
}

type rewriter struct{ Empty }

func (rewriter) LowResource() bool { return false }

func (rewriter) Forward(m *Map, _ bool, _ Place) *Map {
	return filled(m.Rows, m.Queries, m.Keys, 7)
}

func TestStoreCounts(t *testing.T) {
	s, err := NewStore(StoreConfig{SaveSelfAttention: true})
	require.NoError(t, err)

	for range 3 {
		s.Forward(filled(1, 4, 3, 1), true, Down)
	}
	s.Forward(filled(1, 4, 4, 1), false, Down)
	s.Forward(filled(1, 4, 4, 1), false, Down)
	s.Forward(filled(1, 4, 3, 2), true, Up)

	assert.Equal(t, 3, s.Count(KeyFor(Down, true)))
	assert.Equal(t, 2, s.Count(KeyFor(Down, false)))
	assert.Equal(t, 1, s.Count(KeyFor(Up, true)))
	assert.Equal(t, 0, s.Count(KeyFor(Mid, true)))

	_, err = s.StepCallback(tinyLatent())
	require.NoError(t, err)

	s.Forward(filled(1, 4, 3, 3), true, Up)
	_, err = s.StepCallback(tinyLatent())
	require.NoError(t, err)

	assert.Equal(t, 2, s.Step())
	assert.Equal(t, 2, s.Steps())
	assert.Len(t, s.Latents(), 2)
	assert.Equal(t, []Key{"down_cross", "down_self", "up_cross"}, s.Keys())

	avg := s.Average()
	assert.InDelta(t, 2.5, avg[KeyFor(Up, true)][0].Data[0], 1e-6)
	assert.InDelta(t, 0.5, avg[KeyFor(Down, true)][0].Data[0], 1e-6)

	s.Reset()
	assert.Equal(t, 0, s.Count(KeyFor(Down, true)))
	assert.Equal(t, 0, s.Step())
	assert.Equal(t, 0, s.Steps())
	assert.Empty(t, s.Keys())
	assert.Empty(t, s.Average())
}

func TestStoreFilters(t *testing.T) {
	s, err := NewStore(StoreConfig{MaxQueries: 4})
	require.NoError(t, err)

	s.Forward(filled(1, 4, 2, 1), false, Down)
	s.Forward(filled(1, 8, 2, 1), true, Down)
	s.Forward(filled(1, 4, 2, 1), true, Down)

	assert.Equal(t, 0, s.Count(KeyFor(Down, false)))
	assert.Equal(t, 1, s.Count(KeyFor(Down, true)))
}

func TestDiskStore(t *testing.T) {
	disk, err := NewStore(StoreConfig{DiskDir: t.TempDir()})
	require.NoError(t, err)
	mem, err := NewStore(StoreConfig{})
	require.NoError(t, err)

	for step := range 3 {
		for _, s := range []*Store{disk, mem} {
			s.Forward(filled(2, 3, 2, float32(step)), true, Down)
			s.Forward(filled(2, 3, 2, float32(step)+0.5), true, Up)
			_, err := s.StepCallback(tinyLatent())
			require.NoError(t, err)
		}
	}

	require.Equal(t, mem.Steps(), disk.Steps())
	for i := range mem.Steps() {
		want, err := mem.StepMaps(i)
		require.NoError(t, err)
		got, err := disk.StepMaps(i)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("step %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	_, err = disk.StepMaps(3)
	require.Error(t, err)

	disk.Reset()
	assert.Equal(t, 0, disk.Steps())
	require.NoError(t, disk.Close())
}
