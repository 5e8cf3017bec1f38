package latent

import "fmt"

// Trajectory is the sequence of latents visited by an inversion run. Index
// 0 is the clean latent and the last index is the noisiest.
type Trajectory struct {
	steps []*Latent
}

// NewTrajectory starts a trajectory at the clean latent x0.
func NewTrajectory(x0 *Latent) *Trajectory {
	return &Trajectory{steps: []*Latent{x0.Clone()}}
}

// Append records a copy of x as the next, noisier, entry.
func (t *Trajectory) Append(x *Latent) {
	t.steps = append(t.steps, x.Clone())
}

func (t *Trajectory) Len() int { return len(t.steps) }

// At returns a copy of entry i.
func (t *Trajectory) At(i int) (*Latent, error) {
	if i < 0 || i >= len(t.steps) {
		return nil, fmt.Errorf("trajectory index %d out of range [0, %d)", i, len(t.steps))
	}
	return t.steps[i].Clone(), nil
}

// Clean returns a copy of the un-noised latent.
func (t *Trajectory) Clean() *Latent {
	return t.steps[0].Clone()
}

// Noisiest returns a copy of the final entry, the starting point for
// generation.
func (t *Trajectory) Noisiest() *Latent {
	return t.steps[len(t.steps)-1].Clone()
}
