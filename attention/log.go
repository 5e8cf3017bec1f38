package attention

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// stepLog holds one StepMaps snapshot per completed step.
type stepLog interface {
	Append(StepMaps) error
	Get(i int) (StepMaps, error)
	Len() int
	Reset() error
}

type memoryLog struct {
	steps []StepMaps
}

func (l *memoryLog) Append(s StepMaps) error {
	l.steps = append(l.steps, s)
	return nil
}

func (l *memoryLog) Get(i int) (StepMaps, error) {
	return l.steps[i], nil
}

func (l *memoryLog) Len() int { return len(l.steps) }

func (l *memoryLog) Reset() error {
	l.steps = nil
	return nil
}

// diskLog writes each snapshot as a CBOR file in its own run directory.
type diskLog struct {
	dir string
	n   int
}

func newDiskLog(base string) (*diskLog, error) {
	dir := filepath.Join(base, "attention-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	slog.Debug("attention store on disk", "dir", dir)
	return &diskLog{dir: dir}, nil
}

func (l *diskLog) path(i int) string {
	return filepath.Join(l.dir, fmt.Sprintf("%04d.cbor", i))
}

func (l *diskLog) Append(s StepMaps) error {
	b, err := cbor.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(l.path(l.n), b, 0o644); err != nil {
		return err
	}
	l.n++
	return nil
}

func (l *diskLog) Get(i int) (StepMaps, error) {
	b, err := os.ReadFile(l.path(i))
	if err != nil {
		return nil, err
	}

	var s StepMaps
	if err := cbor.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("attention: decode step %d: %w", i, err)
	}
	return s, nil
}

func (l *diskLog) Len() int { return l.n }

func (l *diskLog) Reset() error {
	for i := range l.n {
		if err := os.Remove(l.path(i)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	l.n = 0
	return nil
}
