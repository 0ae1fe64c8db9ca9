package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LevelWarn, Output: &buf})

	ctx := context.Background()
	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	logger.Warn(ctx, nil, "warn message")
	logger.Error(ctx, errors.New("boom"), "error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error message")
	assert.Contains(t, out, "boom")
}

func TestLoggerComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LevelDebug, Format: "json", Output: &buf})

	scoped := logger.WithComponent("runner").With("task", "css:build")
	scoped.Info(context.Background(), "task finished", "files", 2)

	out := buf.String()
	assert.Contains(t, out, `"component":"runner"`)
	assert.Contains(t, out, `"task":"css:build"`)
	assert.Contains(t, out, `"files":2`)
}

func TestConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	console := NewConsole(&buf)
	console.now = func() time.Time { return time.Date(2024, 1, 1, 12, 4, 31, 0, time.UTC) }

	console.TaskStarted("clean")
	console.TaskFinished("clean", 41*time.Millisecond)
	console.TaskFailed("css:build", errors.New("unexpected token"), 2*time.Second)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "[12:04:31] Starting 'clean'...", lines[0])
	assert.Equal(t, "[12:04:31] Finished 'clean' after 41 ms", lines[1])
	assert.Equal(t, "[12:04:31] 'css:build' errored after 2.0 s", lines[2])
	assert.Equal(t, "[12:04:31] unexpected token", lines[3])
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "850 μs", FormatDuration(850*time.Microsecond))
	assert.Equal(t, "12 ms", FormatDuration(12*time.Millisecond))
	assert.Equal(t, "1.5 s", FormatDuration(1500*time.Millisecond))
}
