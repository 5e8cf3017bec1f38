package progress

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// StepBar displays denoising step progress, optionally labelled with the
// stage it belongs to.
type StepBar struct {
	mu      sync.Mutex
	message string
	current int
	total   int

	started time.Time
	// width overrides the terminal width when positive
	width int
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total, started: time.Now()}
}

func (s *StepBar) Set(current int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = min(current, s.total)
}

// Update matches the pipeline's progress callback. A total that changes
// between calls restarts the bar.
func (s *StepBar) Update(completed, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if total != s.total {
		s.total = total
		s.started = time.Now()
	}
	s.current = min(completed, total)
}

func (s *StepBar) SetMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

// formatDuration limits the rendering of a time.Duration to 2 units
func formatDuration(d time.Duration) string {
	if d >= 100*time.Hour {
		return "99h+"
	}

	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}

	return d.Round(time.Second).String()
}

func (s *StepBar) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	termWidth := s.width
	if termWidth <= 0 {
		var err error
		if termWidth, _, err = term.GetSize(int(os.Stderr.Fd())); err != nil {
			termWidth = defaultTermWidth
		}
	}

	var percent float64
	if s.total > 0 {
		percent = float64(s.current) / float64(s.total) * 100
	}

	// "Stage 1/2   40% ▕████      ▏ 4/10 (2s)"
	prefix := fmt.Sprintf("%s %3.0f%% ", s.message, percent)
	suffix := fmt.Sprintf(" %d/%d", s.current, s.total)
	if s.current > 0 {
		suffix += fmt.Sprintf(" (%s)", formatDuration(time.Since(s.started)))
	}

	barWidth := termWidth - len([]rune(prefix)) - len(suffix) - 2
	barWidth = max(min(barWidth, s.total), 0)
	filled := 0
	if s.total > 0 {
		filled = s.current * barWidth / s.total
	}

	return prefix + "▕" + strings.Repeat("█", filled) + strings.Repeat(" ", barWidth-filled) + "▏" + suffix
}
