package logutil

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("saving partial state", Rank(1, 0, 2))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, "rank.tp=1 rank.pp=0 rank.ep=2")
	assert.NotContains(t, out, "source=")
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	defer slog.SetDefault(slog.Default())
	slog.SetDefault(NewLogger(&buf, LevelTrace))

	Trace("merged parameter", "name", "model.norm.weight")

	out := buf.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "source=logutil_test.go:")
	assert.Contains(t, out, "name=model.norm.weight")

	buf.Reset()
	slog.SetDefault(NewLogger(&buf, slog.LevelDebug))
	Trace("merged parameter")
	assert.Empty(t, buf.String())
}
