// pkg/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "DFM_"
	configEnvVar = "CONFIG_PATH"
)

// Loader loads configuration from layered sources.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader creates a new configuration loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/dfm/config.yaml",
		},
		envPrefix: envPrefix,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigPaths sets the list of candidate config file paths.
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// Load loads configuration with priority:
// 1. Defaults (lowest)
// 2. Config file (yaml)
// 3. Environment variables (highest)
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := l.loadConfigFile(); err != nil {
		fmt.Printf("Warning: %v\n", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDefaults loads the built-in default values for every Config field.
func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		// App
		"app.name":        "dfm-service",
		"app.version":     "0.1.0",
		"app.environment": "development",
		"app.debug":       false,

		// HTTP
		"http.port":                   8080,
		"http.read_timeout":           30 * time.Second,
		"http.write_timeout":          30 * time.Second,
		"http.shutdown_timeout":       10 * time.Second,
		"http.long_poll_timeout":      25 * time.Second,
		"http.cors.enabled":           true,
		"http.cors.allowed_origins":   []string{"*"},
		"http.cors.allowed_methods":   []string{"GET", "POST", "DELETE", "OPTIONS"},
		"http.cors.allowed_headers":   []string{"*"},
		"http.cors.exposed_headers":   []string{"X-Request-Id"},
		"http.cors.allow_credentials": false,
		"http.cors.max_age":           86400,
		"http.auth.enabled":           false,
		"http.auth.issuer":            "",
		"http.auth.audience":          "",
		"http.auth.signing_key":       "",

		// Log
		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,

		// Metrics
		"metrics.enabled":   true,
		"metrics.port":      9090,
		"metrics.path":      "/metrics",
		"metrics.namespace": "dfm",
		"metrics.subsystem": "",

		// Tracing
		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "dfm-service",
		"tracing.sample_rate":  0.1,

		// Broker
		"broker.addr":         "localhost:6379",
		"broker.password":     "",
		"broker.db":           0,
		"broker.pool_size":    50,
		"broker.claim_ttl":    15 * time.Minute,
		"broker.dial_timeout": 5 * time.Second,

		// Cache
		"cache.addr":          "localhost:6379",
		"cache.password":      "",
		"cache.db":            1,
		"cache.lock_ttl":      10 * time.Minute,
		"cache.max_bytes":     int64(10 * 1024 * 1024 * 1024), // 10 GB
		"cache.blob.backend":  "local",
		"cache.blob.dir":      "./data/blobs",
		"cache.blob.bucket":   "",
		"cache.blob.region":   "",
		"cache.blob.prefix":   "",
		"cache.blob.endpoint": "",

		// Database
		"database.host":               "localhost",
		"database.port":               5432,
		"database.database":           "dfm",
		"database.username":           "postgres",
		"database.password":           "",
		"database.ssl_mode":           "disable",
		"database.max_open_conns":     25,
		"database.max_idle_conns":     5,
		"database.conn_max_lifetime":  5 * time.Minute,
		"database.conn_max_idle_time": 5 * time.Minute,
		"database.migrations_dir":     "migrations",
		"database.auto_migrate":       true,

		// Rate limit
		"rate_limit.enabled":          true,
		"rate_limit.requests":         100,
		"rate_limit.window":           time.Minute,
		"rate_limit.strategy":         "sliding_window",
		"rate_limit.backend":          "memory",
		"rate_limit.burst_size":       10,
		"rate_limit.cleanup_interval": 5 * time.Minute,
		"rate_limit.redis_addr":       "",

		// Audit
		"audit.enabled":         true,
		"audit.backend":         "postgres",
		"audit.file_path":       "",
		"audit.buffer_size":     1000,
		"audit.exclude_methods": []string{},

		// Executor
		"executor.workers":                8,
		"executor.node_timeout":           10 * time.Minute,
		"executor.request_timeout":        time.Hour,
		"executor.broker_max_retries":     5,
		"executor.upstream_max_retries":   3,
		"executor.retry_backoff":          500 * time.Millisecond,
		"executor.heartbeat_interval":     5 * time.Second,
		"executor.circuit_breaker_window": time.Minute,

		// Scheduler
		"scheduler.poll_interval": time.Second,
		"scheduler.claim_ttl":     30 * time.Second,

		// Site
		"site.name": "default",
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

// loadConfigFile loads configuration from a YAML file, if one is found.
func (l *Loader) loadConfigFile() error {
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return l.k.Load(file.Provider(configPath), yaml.Parser())
		}
	}

	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), yaml.Parser())
		}
	}

	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

// loadEnv loads configuration from environment variables, overriding the
// file and defaults.
func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		// DFM_HTTP_PORT -> http.port
		return strings.ReplaceAll(
			strings.ToLower(
				strings.TrimPrefix(s, l.envPrefix),
			),
			"_", ".",
		)
	}), nil)
}

// MustLoad loads configuration or panics.
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load is a convenience function that loads with default settings.
func Load() (*Config, error) {
	return NewLoader().Load()
}

// LoadWithServiceDefaults loads configuration and applies per-service
// overrides: the service's own default HTTP port (if the port was never
// set away from the global default) and its name (if unset).
func LoadWithServiceDefaults(serviceName string, defaultPort int) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if cfg.HTTP.Port == 8080 && defaultPort != 0 {
		cfg.HTTP.Port = defaultPort
	}

	if cfg.App.Name == "dfm-service" {
		cfg.App.Name = serviceName
	}

	return cfg, nil
}
