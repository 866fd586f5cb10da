package progress

import (
	"strings"
	"sync"
	"time"
)

var spinnerParts = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner shows that a step of unknown length, like loading a full state,
// is still running.
type Spinner struct {
	mu      sync.Mutex
	message string
	value   int

	started time.Time
	stopped time.Time
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{message: message, started: time.Now()}
	go s.start(time.NewTicker(100 * time.Millisecond))
	return s
}

func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

func (s *Spinner) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	if message := strings.TrimSpace(s.message); message != "" {
		sb.WriteString(message)
		sb.WriteString(" ")
	}

	if s.stopped.IsZero() {
		sb.WriteString(spinnerParts[s.value])
		sb.WriteString(" ")
	}

	return sb.String()
}

func (s *Spinner) start(ticker *time.Ticker) {
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		s.value = (s.value + 1) % len(spinnerParts)
		stopped := !s.stopped.IsZero()
		s.mu.Unlock()

		if stopped {
			return
		}
	}
}

func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.IsZero() {
		s.stopped = time.Now()
	}
}
