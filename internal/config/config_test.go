package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.Logger.Verbosity)
	assert.Equal(t, "auto", cfg.Backend.Preference)
	assert.Equal(t, 1, cfg.Backend.CUDA.Workers)
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
logger:
  verbosity: debug
backend:
  preference: cuda
  cuda:
    driverPath: /opt/cuda/lib64/libcuda.so
    cusparsePath: /opt/cuda/lib64/libcusparse.so
    device: 1
    workers: 4
metrics:
  listen: ":9100"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Verbosity)
	assert.Equal(t, "cuda", cfg.Backend.Preference)
	assert.Equal(t, "/opt/cuda/lib64/libcuda.so", cfg.Backend.CUDA.DriverPath)
	assert.Equal(t, "/opt/cuda/lib64/libcusparse.so", cfg.Backend.CUDA.CusparsePath)
	assert.Equal(t, 1, cfg.Backend.CUDA.Device)
	assert.Equal(t, 4, cfg.Backend.CUDA.Workers)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
}

func TestLoadConfig_DefaultsPreserved(t *testing.T) {
	path := writeConfig(t, `
logger:
  verbosity: warn
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logger.Verbosity)
	assert.Equal(t, "auto", cfg.Backend.Preference)
	assert.Equal(t, 1, cfg.Backend.CUDA.Workers)
}

func TestLoadConfig_InvalidPreference(t *testing.T) {
	path := writeConfig(t, `
backend:
  preference: metal
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_InvalidWorkers(t *testing.T) {
	path := writeConfig(t, `
backend:
  cuda:
    workers: -2
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "logger: [")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
