package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ollama/videoedit/latent"
)

func newDDIM(t testing.TB, steps int) *DDIM {
	t.Helper()
	s, err := NewDDIM(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, s.SetTimesteps(steps))
	return s
}

// TestAlphasCumprod checks the scaled-linear table against the reference
// values of the latent diffusion schedule.
func TestAlphasCumprod(t *testing.T) {
	s := newDDIM(t, 50)

	cases := []struct {
		t    int
		want float64
	}{
		{0, 0.99915},
		{1, 0.998296},
		{499, 0.277670},
		{981, 0.005776},
		{999, 0.004660},
	}
	for _, c := range cases {
		assert.InDelta(t, c.want, s.AlphaCumprod(c.t), 1e-5, "alpha_cumprod[%d]", c.t)
	}

	assert.Equal(t, s.AlphaCumprod(0), s.FinalAlphaCumprod())
	assert.Equal(t, s.FinalAlphaCumprod(), s.AlphaCumprod(-19))

	for i := 1; i < 1000; i++ {
		if s.AlphaCumprod(i) >= s.AlphaCumprod(i-1) {
			t.Fatalf("alphas_cumprod not decreasing at %d", i)
		}
	}
}

func TestSetTimesteps(t *testing.T) {
	s := newDDIM(t, 50)

	ts := s.Timesteps()
	require.Len(t, ts, 50)
	assert.Equal(t, 981, ts[0])
	assert.Equal(t, 961, ts[1])
	assert.Equal(t, 1, ts[49])
	assert.Equal(t, 20, StepRatio(s))

	require.Error(t, s.SetTimesteps(0))
	require.Error(t, s.SetTimesteps(1001))

	cfg := DefaultConfig()
	cfg.SetAlphaToOne = true
	one, err := NewDDIM(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1.0, one.FinalAlphaCumprod())

	cfg.BetaSchedule = "cosine"
	_, err = NewDDIM(cfg)
	require.Error(t, err)
}

func TestStepRequiresTimesteps(t *testing.T) {
	s, err := NewDDIM(nil)
	require.NoError(t, err)

	x := latent.Zeros(latent.Shape{B: 1, C: 1, F: 1, H: 1, W: 1})
	_, err = s.Step(x, 981, x, StepOptions{})
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestStepMatchesPrevStep(t *testing.T) {
	s := newDDIM(t, 10)
	shape := latent.Shape{B: 1, C: 2, F: 2, H: 2, W: 2}
	x := latent.Randn(shape, latent.NewSource(1))
	eps := latent.Randn(shape, latent.NewSource(2))

	for _, ts := range s.Timesteps() {
		want, err := PrevStep(s, eps, ts, x)
		require.NoError(t, err)
		got, err := s.Step(eps, ts, x, StepOptions{})
		require.NoError(t, err)
		assert.True(t, latent.AllClose(want, got, 1e-6), "timestep %d", ts)
	}
}

func TestStepEta(t *testing.T) {
	s := newDDIM(t, 10)
	shape := latent.Shape{B: 1, C: 1, F: 1, H: 2, W: 2}
	x := latent.Randn(shape, latent.NewSource(1))
	eps := latent.Randn(shape, latent.NewSource(2))

	_, err := s.Step(eps, 901, x, StepOptions{Eta: 1})
	require.Error(t, err)

	a, err := s.Step(eps, 901, x, StepOptions{Eta: 1, Source: latent.NewSource(3)})
	require.NoError(t, err)
	b, err := s.Step(eps, 901, x, StepOptions{Eta: 1, Source: latent.NewSource(3)})
	require.NoError(t, err)
	assert.Equal(t, a.Data(), b.Data())

	deterministic, err := s.Step(eps, 901, x, StepOptions{})
	require.NoError(t, err)
	assert.False(t, latent.AllClose(a, deterministic, 1e-6))
}

// TestRoundTrip checks that NextStep inverts PrevStep for every timestep of
// the schedule when the same model output is used for both directions.
func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		steps := rapid.SampledFrom([]int{10, 17, 25, 50}).Draw(rt, "steps")
		s := newDDIM(t, steps)
		ts := s.Timesteps()
		step := ts[rapid.IntRange(0, len(ts)-1).Draw(rt, "index")]
		seed := rapid.Uint64().Draw(rt, "seed")

		shape := latent.Shape{B: 1, C: 2, F: 2, H: 2, W: 2}
		x := latent.Randn(shape, latent.NewSource(seed))
		eps := latent.Randn(shape, latent.NewSource(seed+1))

		down, err := PrevStep(s, eps, step, x)
		if err != nil {
			rt.Fatal(err)
		}
		up, err := NextStep(s, eps, step, down)
		if err != nil {
			rt.Fatal(err)
		}
		if !latent.AllClose(x, up, 1e-3) {
			rt.Fatalf("round trip at timestep %d diverged: %v vs %v", step, x.Data()[:4], up.Data()[:4])
		}

		up, err = NextStep(s, eps, step, x)
		if err != nil {
			rt.Fatal(err)
		}
		down, err = PrevStep(s, eps, step, up)
		if err != nil {
			rt.Fatal(err)
		}
		if !latent.AllClose(x, down, 1e-3) {
			rt.Fatalf("inverse round trip at timestep %d diverged", step)
		}
	})
}

func TestNextStepBoundary(t *testing.T) {
	s := newDDIM(t, 50)
	shape := latent.Shape{B: 1, C: 1, F: 1, H: 1, W: 2}
	x, _ := latent.New(shape, []float32{0.5, -0.5})
	eps, _ := latent.New(shape, []float32{0.1, 0.2})

	// the least noisy timestep reads the final alpha constant
	got, err := NextStep(s, eps, 1, x)
	require.NoError(t, err)
	want, err := transfer(eps, x, s.FinalAlphaCumprod(), s.AlphaCumprod(1))
	require.NoError(t, err)
	assert.Equal(t, want.Data(), got.Data())
}

func TestTrimForStrength(t *testing.T) {
	ts := []int{41, 31, 21, 11, 1}

	got, n := TrimForStrength(ts, 1)
	assert.Equal(t, ts, got)
	assert.Equal(t, 5, n)

	got, n = TrimForStrength(ts, 0.6)
	assert.Equal(t, []int{21, 11, 1}, got)
	assert.Equal(t, 3, n)
}
