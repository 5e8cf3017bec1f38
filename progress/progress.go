package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	defaultTermWidth  = 80
	defaultTermHeight = 24
)

type State interface {
	String() string
}

// Progress redraws a stack of states in place, one line each, until it is
// stopped.
type Progress struct {
	mu sync.Mutex
	// buffer output to minimize flickering on all terminals
	w *bufio.Writer

	pos int

	ticker *time.Ticker
	done   chan struct{}
	keys   map[string]int
	states []State
}

func NewProgress(w io.Writer) *Progress {
	p := &Progress{
		w:      bufio.NewWriter(w),
		ticker: time.NewTicker(100 * time.Millisecond),
		done:   make(chan struct{}),
		keys:   make(map[string]int),
	}
	// hide cursor
	fmt.Fprint(p.w, "\033[?25l")
	go p.start(p.ticker)
	return p
}

func (p *Progress) stop() bool {
	p.mu.Lock()
	for _, state := range p.states {
		if spinner, ok := state.(*Spinner); ok {
			spinner.Stop()
		}
	}

	ticker := p.ticker
	p.ticker = nil
	p.mu.Unlock()

	if ticker == nil {
		return false
	}
	ticker.Stop()
	close(p.done)
	p.render()
	return true
}

func (p *Progress) Stop() bool {
	stopped := p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if stopped {
		fmt.Fprintln(p.w)
	}

	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return stopped
}

func (p *Progress) StopAndClear() bool {
	stopped := p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if stopped {
		// clear all progress lines
		for range p.pos - 1 {
			fmt.Fprint(p.w, "\033[A")
		}

		fmt.Fprint(p.w, "\033[2K", "\033[1G")
	}

	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return stopped
}

// Add appends state as a new line. Adding under a key that is already
// present replaces that line instead.
func (p *Progress) Add(key string, state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i, ok := p.keys[key]; ok && key != "" {
		if spinner, ok := p.states[i].(*Spinner); ok && p.states[i] != state {
			spinner.Stop()
		}
		p.states[i] = state
		return
	}

	p.keys[key] = len(p.states)
	p.states = append(p.states, state)
}

func (p *Progress) render() {
	_, termHeight, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termHeight = defaultTermHeight
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.w, "\033[?2026h")
	defer fmt.Fprint(p.w, "\033[?2026l")

	for range p.pos - 1 {
		fmt.Fprint(p.w, "\033[A")
	}

	fmt.Fprint(p.w, "\033[1G")

	// render progress lines
	maxHeight := min(len(p.states), termHeight)
	for i := len(p.states) - maxHeight; i < len(p.states); i++ {
		fmt.Fprint(p.w, p.states[i].String(), "\033[K")
		if i < len(p.states)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.pos = len(p.states)
	p.w.Flush()
}

func (p *Progress) start(ticker *time.Ticker) {
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.render()
		}
	}
}
