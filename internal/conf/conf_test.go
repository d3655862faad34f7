package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
api_endpoints:
  - url: http://localhost:9000
    weight: 1
`)
	t.Setenv("CACHEPROXY_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 1000, cfg.Cache.MaxItems)
	assert.Len(t, cfg.APIEndpoints, 1)
	assert.Equal(t, "http://localhost:9000", cfg.APIEndpoints[0].URL)
}

func TestLoadRejectsMissingEndpoints(t *testing.T) {
	path := writeConfigFile(t, `database_url: ./x.db`)
	t.Setenv("CACHEPROXY_CONFIG", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadEnvOverridesFileValue(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9090
api_endpoints:
  - url: http://localhost:9000
    weight: 1
`)
	t.Setenv("CACHEPROXY_CONFIG", path)
	t.Setenv("CACHEPROXY_SERVER_PORT", "7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadFailsOnMissingFileWhenEnvPointsToIt(t *testing.T) {
	t.Setenv("CACHEPROXY_CONFIG", filepath.Join(t.TempDir(), "does-not-exist.yaml"))

	_, err := Load()
	assert.Error(t, err)
}
