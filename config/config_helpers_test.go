package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestExpandString tests the expandString function with various scenarios
func TestExpandString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			envVars:  map[string]string{},
			expected: "",
		},
		{
			name:     "string without placeholders",
			input:    "simple-string",
			envVars:  map[string]string{},
			expected: "simple-string",
		},
		{
			name:     "simple variable expansion",
			input:    "${ORIGIN_TOKEN}",
			envVars:  map[string]string{"ORIGIN_TOKEN": "sk-12345"},
			expected: "sk-12345",
		},
		{
			name:     "variable in middle of string",
			input:    "prefix-${ORIGIN_TOKEN}-suffix",
			envVars:  map[string]string{"ORIGIN_TOKEN": "sk-12345"},
			expected: "prefix-sk-12345-suffix",
		},
		{
			name:     "multiple variables",
			input:    "${SCHEME}://${HOST}:${PORT}",
			envVars:  map[string]string{"SCHEME": "https", "HOST": "api.example.com", "PORT": "8080"},
			expected: "https://api.example.com:8080",
		},
		{
			name:     "variable with default value - env var exists",
			input:    "${ORIGIN_TOKEN:-default-key}",
			envVars:  map[string]string{"ORIGIN_TOKEN": "sk-real-key"},
			expected: "sk-real-key",
		},
		{
			name:     "variable with default value - env var missing",
			input:    "${ORIGIN_TOKEN:-default-key}",
			envVars:  map[string]string{},
			expected: "default-key",
		},
		{
			name:     "variable with default value - env var empty",
			input:    "${ORIGIN_TOKEN:-default-key}",
			envVars:  map[string]string{"ORIGIN_TOKEN": ""},
			expected: "default-key",
		},
		{
			name:     "unresolved variable - no default",
			input:    "${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "${MISSING_VAR}",
		},
		{
			name:     "partially resolved string",
			input:    "${RESOLVED}-${UNRESOLVED}",
			envVars:  map[string]string{"RESOLVED": "value1"},
			expected: "value1-${UNRESOLVED}",
		},
		{
			name:     "mixed resolved and unresolved with defaults",
			input:    "${RESOLVED}:${UNRESOLVED:-fallback}:${MISSING}",
			envVars:  map[string]string{"RESOLVED": "value1"},
			expected: "value1:fallback:${MISSING}",
		},
		{
			name:     "default value with special characters",
			input:    "${ORIGIN_TOKEN:-https://api.example.com/v1}",
			envVars:  map[string]string{},
			expected: "https://api.example.com/v1",
		},
		{
			name:     "default value with colon in it",
			input:    "${URL:-http://localhost:8080}",
			envVars:  map[string]string{},
			expected: "http://localhost:8080",
		},
		{
			name:     "complex real-world example",
			input:    "${ORIGIN_URL:-https://docs.example.com}/documents/42",
			envVars:  map[string]string{},
			expected: "https://docs.example.com/documents/42",
		},
		{
			name:     "environment variable set to empty string (no default)",
			input:    "${EMPTY_VAR}",
			envVars:  map[string]string{"EMPTY_VAR": ""},
			expected: "${EMPTY_VAR}",
		},
		{
			name:     "empty default value - env var missing",
			input:    "${OPTIONAL_VAR:-}",
			envVars:  map[string]string{},
			expected: "",
		},
		{
			name:     "empty default value - env var set",
			input:    "${OPTIONAL_VAR:-}",
			envVars:  map[string]string{"OPTIONAL_VAR": "actual-value"},
			expected: "actual-value",
		},
		{
			name:     "empty default value - env var empty",
			input:    "${OPTIONAL_VAR:-}",
			envVars:  map[string]string{"OPTIONAL_VAR": ""},
			expected: "",
		},
		{
			name:     "master key pattern - not set should be empty",
			input:    "${DOCPIPE_MASTER_KEY:-}",
			envVars:  map[string]string{},
			expected: "",
		},
		{
			name:     "master key pattern - set to value",
			input:    "${DOCPIPE_MASTER_KEY:-}",
			envVars:  map[string]string{"DOCPIPE_MASTER_KEY": "secret-key"},
			expected: "secret-key",
		},
		{
			name:     "multiple placeholders some resolved some not",
			input:    "prefix-${VAR1}-${VAR2}-${VAR3}-suffix",
			envVars:  map[string]string{"VAR1": "a", "VAR3": "c"},
			expected: "prefix-a-${VAR2}-c-suffix",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				_ = os.Setenv(k, v)
			}
			defer func() {
				for k := range tt.envVars {
					_ = os.Unsetenv(k)
				}
			}()

			result := expandString(tt.input)
			if result != tt.expected {
				t.Errorf("expandString(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

// TestApplyEnvOverrides tests the applyEnvOverrides function
func TestApplyEnvOverrides(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "PORT override",
			envVars: map[string]string{"PORT": "3000"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "3000", cfg.Server.Port)
			},
		},
		{
			name:    "DOCPIPE_MASTER_KEY override",
			envVars: map[string]string{"DOCPIPE_MASTER_KEY": "my-secret"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "my-secret", cfg.Server.MasterKey)
			},
		},
		{
			name:    "origin overrides",
			envVars: map[string]string{"ORIGIN_URL": "https://docs.example.com", "ORIGIN_TOKEN": "tok", "ORIGIN_METADATA_MODE": "head"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "https://docs.example.com", cfg.Origin.URL)
				require.Equal(t, "tok", cfg.Origin.Token)
				require.Equal(t, "head", cfg.Origin.MetadataMode)
			},
		},
		{
			name:    "cache overrides",
			envVars: map[string]string{"CACHE_BACKEND": "redis", "REDIS_URL": "redis://localhost:6379", "CACHE_MAX_BYTES": "1048576", "CACHE_MAX_ITEMS": "5"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "redis", cfg.Cache.Backend)
				require.Equal(t, "redis://localhost:6379", cfg.Cache.Redis.URL)
				require.Equal(t, int64(1048576), cfg.Cache.MaxBytes)
				require.Equal(t, 5, cfg.Cache.MaxItems)
			},
		},
		{
			name:    "storage overrides",
			envVars: map[string]string{"STORAGE_TYPE": "postgresql", "POSTGRES_URL": "postgres://localhost/test", "POSTGRES_MAX_CONNS": "20"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "postgresql", cfg.Storage.Type)
				require.Equal(t, "postgres://localhost/test", cfg.Storage.PostgreSQL.URL)
				require.Equal(t, 20, cfg.Storage.PostgreSQL.MaxConns)
			},
		},
		{
			name:    "bool overrides",
			envVars: map[string]string{"METRICS_ENABLED": "true", "PREFETCH_ENABLED": "0"},
			check: func(t *testing.T, cfg *Config) {
				require.True(t, cfg.Metrics.Enabled)
				require.False(t, cfg.Prefetch.Enabled)
			},
		},
		{
			name:    "HTTP timeout overrides",
			envVars: map[string]string{"HTTP_TIMEOUT": "10", "HTTP_RESPONSE_HEADER_TIMEOUT": "5"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, 10, cfg.HTTP.Timeout)
				require.Equal(t, 5, cfg.HTTP.ResponseHeaderTimeout)
			},
		},
		{
			name:    "logging overrides",
			envVars: map[string]string{"LOG_FORMAT": "json", "LOG_LEVEL": "debug"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "json", cfg.Logging.Format)
				require.Equal(t, "debug", cfg.Logging.Level)
			},
		},
		{
			name:    "no env vars set preserves defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "8080", cfg.Server.Port)
				require.Equal(t, 30, cfg.HTTP.Timeout)
				require.Equal(t, "file", cfg.Cache.Backend)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := buildDefaultConfig()
			require.NoError(t, applyEnvOverrides(cfg))
			tt.check(t, cfg)
		})
	}
}

func TestApplyEnvOverrides_InvalidNumbers(t *testing.T) {
	t.Setenv("CACHE_MAX_ITEMS", "many")
	t.Setenv("METRICS_ENABLED", "perhaps")

	err := applyEnvOverrides(buildDefaultConfig())
	require.Error(t, err)
	require.Contains(t, err.Error(), "CACHE_MAX_ITEMS")
	require.Contains(t, err.Error(), "METRICS_ENABLED")
}
