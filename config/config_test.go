package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp runs the test from an empty directory so no stray config.yaml or
// .env is picked up.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("DOCPIPE_CONFIG", "")

	result, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, result.Path)

	cfg := result.Config
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, int64(200<<20), cfg.Cache.MaxBytes)
	assert.Equal(t, 80, cfg.Cache.MaxItems)
	assert.Equal(t, 800, cfg.Render.FastMaxWidth)
	assert.Equal(t, 60, cfg.Render.FastQuality)
	assert.Equal(t, 2000, cfg.Render.HighMaxWidth)
	assert.Equal(t, 90, cfg.Render.HighQuality)
	assert.Equal(t, "all", cfg.Loader.UpgradeMode)
	assert.Equal(t, 45*time.Second, cfg.Loader.FirstPageTimeout)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 2 * time.Second, 4 * time.Second}, cfg.Prefetch.Delays)
}

func TestLoad_PortFromEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PORT", "9090")

	result, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "9090", result.Config.Server.Port)
}

func TestLoad_YAMLWithExpansion(t *testing.T) {
	dir := chdirTemp(t)
	content := `
server:
  port: "${TEST_PORT_DEFAULTS:-9999}"
origin:
  url: "${TEST_ORIGIN:-https://docs.example.com}"
cache:
  backend: memory
  max_items: 12
loader:
  upgrade_mode: nearby
  settle_delay: 10ms
prefetch:
  delays: [100ms, 1s]
`
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	result, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, result.Path)

	cfg := result.Config
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "https://docs.example.com", cfg.Origin.URL)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 12, cfg.Cache.MaxItems)
	assert.Equal(t, "nearby", cfg.Loader.UpgradeMode)
	assert.Equal(t, 10*time.Millisecond, cfg.Loader.SettleDelay)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, time.Second}, cfg.Prefetch.Delays)
	// Untouched sections keep their defaults
	assert.Equal(t, 90, cfg.Render.HighQuality)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: \"7000\"\n"), 0o644))
	t.Setenv("PORT", "1111")

	result, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "config.yaml", result.Path)
	assert.Equal(t, "1111", result.Config.Server.Port)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ORIGIN_URL=https://from-dotenv.example.com\n"), 0o644))
	t.Setenv("ORIGIN_URL", "")
	t.Cleanup(func() { _ = os.Unsetenv("ORIGIN_URL") })
	require.NoError(t, os.Unsetenv("ORIGIN_URL"))

	result, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://from-dotenv.example.com", result.Config.Origin.URL)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	chdirTemp(t)
	_, err := Load("does-not-exist.yaml")
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "unknown backend",
			mutate:  func(cfg *Config) { cfg.Cache.Backend = "s3" },
			wantErr: "cache.backend",
		},
		{
			name:    "redis without url",
			mutate:  func(cfg *Config) { cfg.Cache.Backend = "redis" },
			wantErr: "cache.redis.url",
		},
		{
			name:    "zero item cap",
			mutate:  func(cfg *Config) { cfg.Cache.MaxItems = 0 },
			wantErr: "cache.max_items",
		},
		{
			name:    "bad upgrade mode",
			mutate:  func(cfg *Config) { cfg.Loader.UpgradeMode = "some" },
			wantErr: "loader.upgrade_mode",
		},
		{
			name:    "quality out of range",
			mutate:  func(cfg *Config) { cfg.Render.HighQuality = 101 },
			wantErr: "render quality",
		},
		{
			name:    "bad metadata mode",
			mutate:  func(cfg *Config) { cfg.Origin.MetadataMode = "xml" },
			wantErr: "origin.metadata_mode",
		},
		{
			name:    "bad log format",
			mutate:  func(cfg *Config) { cfg.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := buildDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
