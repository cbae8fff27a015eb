package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().ListenAddr, cfg.ListenAddr)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9090\"\ndebounce_ms: 500\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 500, cfg.DebounceMS)
	assert.Equal(t, Defaults().MaxDebounceMS, cfg.MaxDebounceMS)
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	t.Setenv("LOROHUB_LISTEN_ADDR", ":7070")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
}

func TestForceSyncIntervalDisabled(t *testing.T) {
	cfg := Defaults()
	cfg.ForceSyncIntervalMS = 0
	assert.Equal(t, time.Duration(0), cfg.ForceSyncInterval())
}
