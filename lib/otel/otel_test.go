package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInit_Disabled(t *testing.T) {
	before := otel.GetMeterProvider()

	shutdown, err := Init(context.Background(), Config{ServiceName: "jocker"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetMeterProvider(), "disabled export leaves the global provider alone")
}

func TestInit_Enabled(t *testing.T) {
	before := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(before) })

	// The exporter connects lazily, so no collector is needed to install it
	shutdown, err := Init(context.Background(), Config{
		Endpoint:    "127.0.0.1:4317",
		Insecure:    true,
		ServiceName: "jocker",
	})
	require.NoError(t, err)
	assert.NotEqual(t, before, otel.GetMeterProvider())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Flushing to an absent collector fails, but shutdown still returns
	_ = shutdown(ctx)
}

func TestConfig_Enabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{Endpoint: "collector:4317"}.Enabled())
}
