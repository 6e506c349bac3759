package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: slog.LevelWarn, Output: &buf})

	log.Info("hidden message")
	log.Warn("visible message", "id", "abc")

	out := buf.String()
	assert.NotContains(t, out, "hidden message")
	assert.Contains(t, out, "visible message")
	assert.Contains(t, out, "abc")
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	log := NewSubsystemLogger(New(Config{Level: slog.LevelDebug, Output: &buf}), "layers")

	ctx := AddToContext(context.Background(), log)
	FromContext(ctx).Debug("stored layer")

	assert.Contains(t, buf.String(), "stored layer")
	assert.Contains(t, buf.String(), "layers")
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}
