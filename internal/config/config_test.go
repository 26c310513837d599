package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
project: myrepo
agents:
  maxConcurrent: 8
merge:
  canonicalBranch: trunk
  aiResolveEnabled: true
providers:
  litellm:
    type: gateway
    baseUrl: http://localhost:4000
    authTokenEnv: LITELLM_KEY
models:
  builder: opus
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "myrepo", cfg.Project)
	assert.Equal(t, 8, cfg.Agents.MaxConcurrent)
	assert.Equal(t, "trunk", cfg.Merge.CanonicalBranch)
	assert.True(t, cfg.Merge.AIResolveEnabled)
	assert.Equal(t, "opus", cfg.Models["builder"])

	p, ok := cfg.Providers["litellm"]
	require.True(t, ok)
	assert.Equal(t, ProviderGateway, p.Type)
	assert.Equal(t, "LITELLM_KEY", p.AuthTokenEnv)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Watchdog, cfg.Watchdog)
	assert.Equal(t, Default().Agents.ManifestPath, cfg.Agents.ManifestPath)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents: [not: a: map"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Project = "roundtrip"
	cfg.Watchdog.ZombieThresholdMs = 1_200_000
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
