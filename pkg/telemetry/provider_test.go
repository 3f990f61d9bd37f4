// ABOUTME: Tests for telemetry provider creation and configuration handling
// ABOUTME: Validates disabled fallback, config validation and environment overrides

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tel, err := New(Config{Enabled: false})
	require.NoError(t, err)
	_, isNoop := tel.(*NoopTelemetry)
	assert.True(t, isNoop)

	_, err = New(Config{Enabled: true})
	assert.Error(t, err)

	tel, err = New(DefaultConfig())
	require.NoError(t, err)
	_, isProvider := tel.(*TelemetryProvider)
	assert.True(t, isProvider)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.SampleRate = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ServiceVersion = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REGIONDB_TELEMETRY_SERVICE_NAME", "shell")
	t.Setenv("REGIONDB_TELEMETRY_ENABLED", "false")
	t.Setenv("REGIONDB_TELEMETRY_SAMPLE_RATE", "0.25")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()
	assert.Equal(t, "shell", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 0.25, cfg.SampleRate)
}
