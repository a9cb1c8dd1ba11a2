package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  workers: 8
  timeout_ms: -30000
  mode: colocated
  progress: true
metrics:
  enabled: true
  port: 9191
`), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, int64(-30000), cfg.Engine.TimeoutMs)
	assert.Equal(t, "colocated", cfg.Engine.Mode)
	assert.True(t, cfg.Engine.Progress)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
}

func TestLoadConfigMissingDefaultIsFine(t *testing.T) {
	cfg, err := loadConfig(defaultConfigPath)
	require.NoError(t, err)
	assert.Zero(t, cfg.Engine.Workers)
}

func TestLoadConfigMissingExplicitFails(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [not: a: map"), 0644))

	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestReadInputRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
  {"shape": [2], "data": [1, 2]},
  {"data": [3, 4]}
]`), 0644))

	rows, err := readInput(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []int{2}, rows[0].Shape)
	assert.Equal(t, []float64{3, 4}, rows[1].Data)
}

func TestReadInputBareArrays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.json")
	require.NoError(t, os.WriteFile(path, []byte(`[[1, 2], [3], []]`), 0644))

	rows, err := readInput(path)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []float64{1, 2}, rows[0].Data)
	assert.Equal(t, []float64{3}, rows[1].Data)
	assert.Empty(t, rows[2].Data)
}

func TestBuildCLICommands(t *testing.T) {
	root := BuildCLI()

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["status"])
	assert.True(t, names["cancel"])
	assert.True(t, names["batch-job-worker"])
}
