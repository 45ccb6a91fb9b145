package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
brokers:
  uris:
    - "mqtt://localhost:1883"
    - "mqtt://localhost:1884"
  category: sensor
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"mqtt://localhost:1883", "mqtt://localhost:1884"}, cfg.Brokers.URIs)
	assert.Equal(t, "sensor", cfg.Brokers.Category)
	assert.Equal(t, 1000, cfg.Session.QueueCapacity)
	assert.InDelta(t, 0.10, cfg.Session.HysteresisThreshold, 1e-9)
	assert.True(t, cfg.ControlPlane.Enabled)
	assert.Equal(t, ":8090", cfg.ControlPlane.BindAddress)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	t.Setenv("BROKERPOOL_CONTROL_PLANE_BIND_ADDRESS", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ControlPlane.BindAddress)
}

func TestValidate_RejectsEmptyBrokerList(t *testing.T) {
	path := writeConfig(t, "brokers:\n  uris: []\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brokers.uris")
}

func TestValidate_RejectsOutOfRangeHysteresis(t *testing.T) {
	path := writeConfig(t, minimalYAML+"session:\n  hysteresis_threshold: 1.5\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hysteresis_threshold")
}

func TestValidate_RequiresDSNWhenDatabaseEnabled(t *testing.T) {
	path := writeConfig(t, minimalYAML+"database:\n  enabled: true\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
}
