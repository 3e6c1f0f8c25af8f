package logger_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/koopa0/system-design/14-engagement-counter/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, logger.ParseLevel(tt.input))
		})
	}
}

func TestContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, logger.Options{Level: "debug", Format: "json"})

	ctx := logger.WithRequestID(context.Background(), "req-1")
	ctx = logger.WithEventID(ctx, "outbox-9")
	log.With("component", "test").InfoContext(ctx, "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "outbox-9", entry["event_id"])
	assert.Equal(t, "test", entry["component"])
	assert.NotContains(t, entry, "user_id")
}
