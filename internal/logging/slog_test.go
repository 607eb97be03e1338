package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avylove/bulkmail/types"
)

func TestSlogLogger_ImplementsInterface(t *testing.T) {
	t.Helper()
	var _ types.Logger = (*SlogLogger)(nil)
}

func TestNewSlog(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := NewSlog(slog.New(handler))

	require.NotNil(t, logger)
	require.NotNil(t, logger.logger)
}

func TestNewSlogDefault(t *testing.T) {
	logger := NewSlogDefault()

	require.NotNil(t, logger)
	require.NotNil(t, logger.logger)
}

func TestSlogLogger_Debug(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := NewSlog(slog.New(handler))

	logger.Debug("debug message", "key", "value")

	output := buf.String()
	assert.Contains(t, output, "debug message")
	assert.Contains(t, output, "key=value")
	assert.Contains(t, output, "level=DEBUG")
}

func TestSlogLogger_Info(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := NewSlog(slog.New(handler))

	logger.Info("info message", "job", "j-1")

	output := buf.String()
	assert.Contains(t, output, "info message")
	assert.Contains(t, output, "job=j-1")
	assert.Contains(t, output, "level=INFO")
}

func TestSlogLogger_Warn(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := NewSlog(slog.New(handler))

	logger.Warn("warn message", "reason", "queue_overloaded")

	output := buf.String()
	assert.Contains(t, output, "warn message")
	assert.Contains(t, output, "reason=queue_overloaded")
	assert.Contains(t, output, "level=WARN")
}

func TestSlogLogger_Error(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelError})
	logger := NewSlog(slog.New(handler))

	logger.Error("error message", "err", "boom")

	output := buf.String()
	assert.Contains(t, output, "error message")
	assert.Contains(t, output, "err=boom")
	assert.Contains(t, output, "level=ERROR")
}
