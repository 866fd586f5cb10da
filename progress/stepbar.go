package progress

import (
	"fmt"
	"strings"
	"sync"
)

const maxStepBarWidth = 40

// StepBar counts completed steps out of a known total, such as the ranks of
// a sharded checkpoint.
type StepBar struct {
	mu      sync.Mutex
	message string
	current int
	total   int
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total}
}

func (s *StepBar) Set(current int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = min(current, s.total)
}

// Increment advances the bar by one step and reports the new count.
func (s *StepBar) Increment() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = min(s.current+1, s.total)
	return s.current
}

func (s *StepBar) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.total <= 0 {
		return s.message
	}

	width := min(s.total, maxStepBarWidth)
	filled := s.current * width / s.total

	// "splitting   50% ▕████    ▏ 4/8"
	return fmt.Sprintf("%s %3.0f%% ▕%s%s▏ %d/%d",
		s.message, float64(s.current)/float64(s.total)*100,
		strings.Repeat("█", filled), strings.Repeat(" ", width-filled),
		s.current, s.total)
}
