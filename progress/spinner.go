package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Spinner is shown for phases without a step count, such as encoding the
// source frames.
type Spinner struct {
	message      atomic.Value
	messageWidth int

	parts []string

	value atomic.Int32

	started time.Time
	stopped atomic.Pointer[time.Time]
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{
		parts: []string{
			"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
		},
		started: time.Now(),
	}
	s.SetMessage(message)
	go s.start()
	return s
}

func (s *Spinner) SetMessage(message string) {
	s.message.Store(message)
}

func (s *Spinner) String() string {
	var sb strings.Builder
	if message, _ := s.message.Load().(string); len(message) > 0 {
		message = strings.TrimSpace(message)
		if s.messageWidth > 0 && len(message) > s.messageWidth {
			message = message[:s.messageWidth]
		}

		fmt.Fprintf(&sb, "%s", message)
		if padding := s.messageWidth - sb.Len(); padding > 0 {
			sb.WriteString(strings.Repeat(" ", padding))
		}

		sb.WriteString(" ")
	}

	if stopped := s.stopped.Load(); stopped == nil {
		sb.WriteString(s.parts[int(s.value.Load())%len(s.parts)])
		sb.WriteString(" ")
	} else {
		fmt.Fprintf(&sb, "(%s)", formatDuration(stopped.Sub(s.started)))
	}

	return sb.String()
}

func (s *Spinner) start() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if s.stopped.Load() != nil {
			return
		}
		s.value.Store((s.value.Load() + 1) % int32(len(s.parts)))
	}
}

func (s *Spinner) Stop() {
	now := time.Now()
	s.stopped.CompareAndSwap(nil, &now)
}
