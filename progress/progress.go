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

// Progress redraws a stack of states in place on a terminal.
type Progress struct {
	mu sync.Mutex
	// buffer output to minimize flickering on all terminals
	w  *bufio.Writer
	fd int

	pos int

	ticker *time.Ticker
	states []State
}

func NewProgress(w io.Writer) *Progress {
	p := &Progress{w: bufio.NewWriter(w), fd: -1, ticker: time.NewTicker(100 * time.Millisecond)}
	if f, ok := w.(*os.File); ok {
		p.fd = int(f.Fd())
	}

	go p.start(p.ticker)
	return p
}

// Width is the terminal width, or a default when not writing to a terminal.
func (p *Progress) Width() int {
	width, _ := p.size()
	return width
}

func (p *Progress) size() (width, height int) {
	if p.fd >= 0 {
		if w, h, err := term.GetSize(p.fd); err == nil {
			return w, h
		}
	}

	return defaultTermWidth, defaultTermHeight
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

	if ticker != nil {
		ticker.Stop()
		p.render()
		return true
	}

	return false
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

func (p *Progress) Add(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states = append(p.states, state)
}

func (p *Progress) render() {
	_, height := p.size()

	p.mu.Lock()
	defer p.mu.Unlock()

	for range p.pos - 1 {
		fmt.Fprint(p.w, "\033[A")
	}

	fmt.Fprint(p.w, "\033[1G")

	lines := min(len(p.states), height)
	for i := len(p.states) - lines; i < len(p.states); i++ {
		fmt.Fprint(p.w, p.states[i].String(), "\033[K")
		if i < len(p.states)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.pos = lines
	p.w.Flush()
}

func (p *Progress) start(ticker *time.Ticker) {
	p.mu.Lock()
	// hide cursor
	fmt.Fprint(p.w, "\033[?25l")
	p.mu.Unlock()

	for range ticker.C {
		p.render()
	}
}
