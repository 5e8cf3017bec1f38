package latent

import (
	"errors"
	"fmt"
)

var ErrBatchMismatch = errors.New("batch size mismatch")

// BroadcastError reports a batch that cannot be tiled to the requested size.
type BroadcastError struct {
	Have, Want int
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("cannot duplicate batch of size %d to %d", e.Have, e.Want)
}

func (e *BroadcastError) Is(target error) bool {
	return target == ErrBatchMismatch
}

// Broadcast tiles l along the batch axis until it holds want entries. A
// batch larger than want, or one that does not divide want, is an error.
func Broadcast(l *Latent, want int) (*Latent, error) {
	have := l.shape.B
	switch {
	case have == want:
		return l.Clone(), nil
	case have > want, want%have != 0:
		return nil, &BroadcastError{Have: have, Want: want}
	}
	return l.RepeatBatch(want / have)
}
