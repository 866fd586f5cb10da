package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type line string

func (l line) String() string {
	return string(l)
}

func TestProgressRender(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.Add(line("first"))
	p.Add(line("second"))

	if !p.Stop() {
		t.Fatal("Stop() should return true on first call")
	}

	if p.Stop() {
		t.Error("Stop() should return false on subsequent calls")
	}

	out := buf.String()
	for _, want := range []string{"first", "second", "\033[?25h"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
}

func TestProgressStopSpinners(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)

	spinner := NewSpinner("loading")
	p.Add(spinner)
	if !spinner.stopped.IsZero() {
		t.Error("spinner should not be stopped before Progress.Stop()")
	}

	p.StopAndClear()
	if spinner.stopped.IsZero() {
		t.Error("spinner should be stopped after Progress.StopAndClear()")
	}
}

func TestProgressWidth(t *testing.T) {
	p := NewProgress(&bytes.Buffer{})
	defer p.Stop()

	if w := p.Width(); w != defaultTermWidth {
		t.Errorf("Width() = %d, want %d", w, defaultTermWidth)
	}
}

func TestStepBar(t *testing.T) {
	cases := []struct {
		total, steps int
		want         string
	}{
		{8, 0, "ranks   0% ▕        ▏ 0/8"},
		{8, 4, "ranks  50% ▕████    ▏ 4/8"},
		{8, 12, "ranks 100% ▕████████▏ 8/8"},
		{80, 20, "ranks  25% ▕" + strings.Repeat("█", 10) + strings.Repeat(" ", 30) + "▏ 20/80"},
	}

	for _, tt := range cases {
		s := NewStepBar("ranks", tt.total)
		for range tt.steps {
			s.Increment()
		}

		if got := s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestSpinner(t *testing.T) {
	s := NewSpinner("loading")
	time.Sleep(150 * time.Millisecond)
	if got := s.String(); !strings.HasPrefix(got, "loading ") || len(got) <= len("loading ") {
		t.Errorf("running spinner = %q", got)
	}

	s.Stop()
	if got := s.String(); got != "loading " {
		t.Errorf("stopped spinner = %q, want %q", got, "loading ")
	}
}
