package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/mnemo"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 7474, cfg.Server.Port)
	assert.Equal(t, 0.88, cfg.Engine.NoveltyThreshold)
	assert.Equal(t, 2, cfg.Jobs.Concurrency)
	assert.Equal(t, 60, cfg.Maintenance.DetailDays)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "out of range"},
		{"bad completion kind", func(c *Config) { c.Providers.Completion.Kind = "cohere" }, "unknown completion provider"},
		{"bad embedding kind", func(c *Config) { c.Providers.Embedding.Kind = "local" }, "unknown embedding provider"},
		{"bad novelty threshold", func(c *Config) { c.Engine.NoveltyThreshold = 1.5 }, "novelty threshold"},
		{"zero concurrency", func(c *Config) { c.Jobs.Concurrency = 0 }, "concurrency"},
		{"tiny cluster size", func(c *Config) { c.Maintenance.MinClusterSize = 1 }, "cluster size"},
		{"zero prune window", func(c *Config) { c.Maintenance.DetailDays = 0 }, "pruning windows"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoader_MissingFileYieldsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestLoader_ReadsFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mnemo.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": 9000},
		"providers": {"completion": {"kind": "ollama"}},
		"data_dir": "`+t.TempDir()+`"
	}`), 0600))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "ollama", cfg.Providers.Completion.Kind)
	// Untouched sections keep their defaults
	assert.Equal(t, 8, cfg.Jobs.QueueDepth)
}

func TestLoader_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mnemo.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Server.Port = 8123
	cfg.DataDir = t.TempDir()
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 8123, loaded.Server.Port)
}

func TestLoader_InvalidFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mnemo.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"port": 70000}}`), 0600))

	_, err := NewLoader(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}
