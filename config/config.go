// Package config provides configuration management for the application.
//
// Configuration is layered: built-in defaults, then an optional YAML file
// (with ${VAR} and ${VAR:-default} expansion), then well-known environment
// variables. A .env file in the working directory is loaded first so its
// values take part in both expansion and overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Origin   OriginConfig   `yaml:"origin"`
	HTTP     HTTPConfig     `yaml:"http"`
	Cache    CacheConfig    `yaml:"cache"`
	Storage  StorageConfig  `yaml:"storage"`
	Render   RenderConfig   `yaml:"render"`
	Loader   LoaderConfig   `yaml:"loader"`
	Prefetch PrefetchConfig `yaml:"prefetch"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LogConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port"`
	// MasterKey enables bearer authentication on /v1 routes when set.
	MasterKey string `yaml:"master_key"`
}

// OriginConfig describes the remote document source.
type OriginConfig struct {
	// URL is the origin base URL, e.g. https://docs.example.com/api
	URL string `yaml:"url"`
	// Token is sent as a bearer token when set.
	Token string `yaml:"token"`
	// MetadataMode is "json" (GET /documents/{id}/meta) or "head" (ETag).
	MetadataMode string `yaml:"metadata_mode"`
	// MaxBodyBytes caps a single document download.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// BreakerFailures consecutive transport failures open the circuit.
	BreakerFailures uint32 `yaml:"breaker_failures"`
	// BreakerCooldown is how long the circuit stays open.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// HTTPConfig holds upstream HTTP client timeouts, in seconds.
type HTTPConfig struct {
	Timeout               int `yaml:"timeout"`
	ResponseHeaderTimeout int `yaml:"response_header_timeout"`
}

// CacheConfig holds local document cache configuration.
type CacheConfig struct {
	// Backend is one of memory, file, sqlite, postgresql, mongodb, redis.
	Backend  string           `yaml:"backend"`
	Dir      string           `yaml:"dir"`
	MaxBytes int64            `yaml:"max_bytes"`
	MaxItems int              `yaml:"max_items"`
	Redis    RedisCacheConfig `yaml:"redis"`
}

// RedisCacheConfig holds settings for the redis cache backend.
type RedisCacheConfig struct {
	URL    string        `yaml:"url"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// StorageConfig holds the shared database connection used by the sqlite,
// postgresql and mongodb cache backends.
type StorageConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL-specific configuration
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB-specific configuration
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// RenderConfig holds page renderer tiers and concurrency.
type RenderConfig struct {
	FastMaxWidth  int `yaml:"fast_max_width"`
	FastQuality   int `yaml:"fast_quality"`
	HighMaxWidth  int `yaml:"high_max_width"`
	HighQuality   int `yaml:"high_quality"`
	MaxConcurrent int `yaml:"max_concurrent"`
}

// LoaderConfig holds progressive loader policy.
type LoaderConfig struct {
	// UpgradeMode is "all" or "nearby".
	UpgradeMode      string        `yaml:"upgrade_mode"`
	UpgradeRadius    int           `yaml:"upgrade_radius"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	FirstPageTimeout time.Duration `yaml:"first_page_timeout"`
}

// PrefetchConfig holds prefetch scheduler settings.
type PrefetchConfig struct {
	Enabled bool            `yaml:"enabled"`
	Count   int             `yaml:"count"`
	Delays  []time.Duration `yaml:"delays"`
	// Rate is the maximum number of prefetch fetches per second.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// LogConfig holds process logging settings.
type LogConfig struct {
	// Format is "json", "text" or empty for auto (text on a terminal).
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// LoadResult is the outcome of Load.
type LoadResult struct {
	Config *Config
	// Path is the config file that was read, empty when none was found.
	Path string
}

// buildDefaultConfig returns the configuration used when nothing is set.
func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Origin: OriginConfig{
			MetadataMode:    "json",
			MaxBodyBytes:    100 << 20,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout:               30,
			ResponseHeaderTimeout: 15,
		},
		Cache: CacheConfig{
			Backend:  "file",
			Dir:      ".cache/documents",
			MaxBytes: 200 << 20,
			MaxItems: 80,
			Redis:    RedisCacheConfig{Prefix: "docpipe"},
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: ".cache/docpipe.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "docpipe"},
		},
		Render: RenderConfig{
			FastMaxWidth:  800,
			FastQuality:   60,
			HighMaxWidth:  2000,
			HighQuality:   90,
			MaxConcurrent: 3,
		},
		Loader: LoaderConfig{
			UpgradeMode:      "all",
			UpgradeRadius:    1,
			SettleDelay:      50 * time.Millisecond,
			FirstPageTimeout: 45 * time.Second,
		},
		Prefetch: PrefetchConfig{
			Enabled: true,
			Count:   3,
			Delays:  []time.Duration{500 * time.Millisecond, 2 * time.Second, 4 * time.Second},
			Rate:    2,
			Burst:   1,
		},
		Metrics: MetricsConfig{Endpoint: "/metrics"},
	}
}

// Load reads configuration from path (or config.yaml / config/config.yaml
// when path is empty), then applies environment overrides.
func Load(path string) (*LoadResult, error) {
	// Optional; a missing .env is not an error
	_ = godotenv.Load()

	cfg := buildDefaultConfig()

	file, err := findConfigFile(path)
	if err != nil {
		return nil, err
	}
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
		expanded := expandString(string(raw))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", file, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LoadResult{Config: cfg, Path: file}, nil
}

func findConfigFile(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file %s: %w", path, err)
		}
		return path, nil
	}
	if env := os.Getenv("DOCPIPE_CONFIG"); env != "" {
		return findConfigFile(env)
	}
	for _, candidate := range []string{"config.yaml", "config/config.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default}. Unset variables without
// a default are left untouched so mistakes stay visible.
func expandString(s string) string {
	if s == "" {
		return s
	}
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if v := os.Getenv(name); v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// applyEnvOverrides applies well-known environment variables on top of cfg.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s %q: %w", env, v, err))
				return
			}
			*dst = n
		}
	}
	setInt64 := func(env string, dst *int64) {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s %q: %w", env, v, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s %q: %w", env, v, err))
				return
			}
			*dst = b
		}
	}

	setString("PORT", &cfg.Server.Port)
	setString("DOCPIPE_MASTER_KEY", &cfg.Server.MasterKey)
	setString("ORIGIN_URL", &cfg.Origin.URL)
	setString("ORIGIN_TOKEN", &cfg.Origin.Token)
	setString("ORIGIN_METADATA_MODE", &cfg.Origin.MetadataMode)

	setString("CACHE_BACKEND", &cfg.Cache.Backend)
	setString("CACHE_DIR", &cfg.Cache.Dir)
	setInt64("CACHE_MAX_BYTES", &cfg.Cache.MaxBytes)
	setInt("CACHE_MAX_ITEMS", &cfg.Cache.MaxItems)
	setString("REDIS_URL", &cfg.Cache.Redis.URL)

	setString("STORAGE_TYPE", &cfg.Storage.Type)
	setString("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	setString("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	setInt("POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns)
	setString("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	setString("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)

	setBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	setBool("PREFETCH_ENABLED", &cfg.Prefetch.Enabled)
	setString("UPGRADE_MODE", &cfg.Loader.UpgradeMode)

	setInt("HTTP_TIMEOUT", &cfg.HTTP.Timeout)
	setInt("HTTP_RESPONSE_HEADER_TIMEOUT", &cfg.HTTP.ResponseHeaderTimeout)

	setString("LOG_FORMAT", &cfg.Logging.Format)
	setString("LOG_LEVEL", &cfg.Logging.Level)

	return errors.Join(errs...)
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Cache.Backend {
	case "memory", "file", "sqlite", "postgresql", "mongodb", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not one of memory, file, sqlite, postgresql, mongodb, redis", c.Cache.Backend))
	}
	if c.Cache.Backend == "file" && c.Cache.Dir == "" {
		errs = append(errs, errors.New("cache.dir is required for the file backend"))
	}
	if c.Cache.Backend == "redis" && c.Cache.Redis.URL == "" {
		errs = append(errs, errors.New("cache.redis.url is required for the redis backend"))
	}
	if c.Cache.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_bytes must be positive, got %d", c.Cache.MaxBytes))
	}
	if c.Cache.MaxItems <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_items must be positive, got %d", c.Cache.MaxItems))
	}

	switch c.Origin.MetadataMode {
	case "json", "head":
	default:
		errs = append(errs, fmt.Errorf("origin.metadata_mode %q must be json or head", c.Origin.MetadataMode))
	}

	switch c.Loader.UpgradeMode {
	case "all", "nearby":
	default:
		errs = append(errs, fmt.Errorf("loader.upgrade_mode %q must be all or nearby", c.Loader.UpgradeMode))
	}
	if c.Loader.UpgradeRadius < 0 {
		errs = append(errs, errors.New("loader.upgrade_radius must not be negative"))
	}

	for _, q := range []int{c.Render.FastQuality, c.Render.HighQuality} {
		if q < 1 || q > 100 {
			errs = append(errs, fmt.Errorf("render quality %d must be within 1..100", q))
		}
	}
	if c.Render.FastMaxWidth <= 0 || c.Render.HighMaxWidth <= 0 {
		errs = append(errs, errors.New("render max widths must be positive"))
	}
	if c.Render.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("render.max_concurrent must be positive"))
	}

	if c.Prefetch.Rate < 0 {
		errs = append(errs, errors.New("prefetch.rate must not be negative"))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}

	return errors.Join(errs...)
}
