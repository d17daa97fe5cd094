package acflog

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelWarn,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew_WritesToFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "acflog-*.log")
	assert.NoError(t, err)
	defer f.Close()

	logger := New(slog.LevelInfo, f)
	logger.Info("hello", slog.String("session_key", "t:a:u:web"))

	buf, err := os.ReadFile(f.Name())
	assert.NoError(t, err)
	assert.Contains(t, string(buf), "hello")
	assert.Contains(t, string(buf), "session_key=t:a:u:web")
}

func TestFilteringHandler_RespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, nil)
	h := &filteringHandler{handler: base, minLevel: slog.LevelWarn}

	logger := slog.New(h)
	logger.Info("suppressed below warn")
	assert.Empty(t, buf.String())

	logger.Warn("passes at warn")
	assert.Contains(t, buf.String(), "passes at warn")
}

func TestFilteringHandler_DebugLevelAllowsAnyCaller(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, nil)
	h := &filteringHandler{handler: base, minLevel: slog.LevelDebug}

	slog.New(h).Debug("anything at debug passes through")
	assert.Contains(t, buf.String(), "anything at debug passes through")
}
