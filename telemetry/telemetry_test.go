package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("DURABLE_OTEL_ENDPOINT", "")
		cfg, err := LoadConfig()
		require.NoError(t, err)
		require.True(t, cfg.Enabled)
		require.Equal(t, "durable", cfg.ServiceName)
		require.Equal(t, 1.0, cfg.SampleRatio)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("DURABLE_OTEL_ENDPOINT", "http://collector:4318")
		t.Setenv("DURABLE_OTEL_ENABLED", "false")
		t.Setenv("DURABLE_OTEL_SAMPLE_RATIO", "0.25")
		cfg, err := LoadConfig()
		require.NoError(t, err)
		require.False(t, cfg.Enabled)
		require.Equal(t, "http://collector:4318", cfg.Endpoint)
		require.Equal(t, 0.25, cfg.SampleRatio)
	})

	t.Run("invalid ratio", func(t *testing.T) {
		t.Setenv("DURABLE_OTEL_SAMPLE_RATIO", "lots")
		_, err := LoadConfig()
		require.Error(t, err)
	})
}

func TestSetup(t *testing.T) {
	t.Run("no endpoint is a no-op", func(t *testing.T) {
		shutdown, err := Setup(context.Background(), Config{Enabled: true})
		require.NoError(t, err)
		require.NoError(t, shutdown(context.Background()))
	})

	t.Run("disabled is a no-op", func(t *testing.T) {
		shutdown, err := Setup(context.Background(), Config{Endpoint: "http://192.0.2.1:4318"})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, shutdown(ctx))
	})

	t.Run("creates a provider", func(t *testing.T) {
		// Non-routable address; nothing is exported before shutdown.
		shutdown, err := Setup(context.Background(), Config{
			Enabled:     true,
			Endpoint:    "http://192.0.2.1:4318",
			SampleRatio: 0.5,
		})
		require.NoError(t, err)
		require.NoError(t, shutdown(context.Background()))
	})
}
