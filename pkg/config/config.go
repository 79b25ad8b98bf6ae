// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the top-level configuration shared by all three DFM services
// (process-svc, scheduler-svc, executor-svc). Each service only reads the
// sections relevant to it, but all of them load the same file/env layering
// so a single config.yaml can describe a whole site.
type Config struct {
	App       AppConfig       `koanf:"app"`
	HTTP      HTTPConfig      `koanf:"http"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Broker    BrokerConfig    `koanf:"broker"`
	Cache     CacheConfig     `koanf:"cache"`
	Database  DatabaseConfig  `koanf:"database"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Audit     AuditConfig     `koanf:"audit"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Site      SiteConfig      `koanf:"site"`
}

// AppConfig holds settings common to every service binary.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// HTTPConfig configures the Process ingress HTTP server.
type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	LongPollTimeout time.Duration `koanf:"long_poll_timeout"` // bound on /responses blocking pop
	CORS            CORSConfig    `koanf:"cors"`
	Auth            AuthConfig    `koanf:"auth"`
}

// CORSConfig configures the ingress CORS middleware.
type CORSConfig struct {
	Enabled          bool     `koanf:"enabled"`
	AllowedOrigins   []string `koanf:"allowed_origins"`
	AllowedMethods   []string `koanf:"allowed_methods"`
	AllowedHeaders   []string `koanf:"allowed_headers"`
	ExposedHeaders   []string `koanf:"exposed_headers"`
	AllowCredentials bool     `koanf:"allow_credentials"`
	MaxAge           int      `koanf:"max_age"`
}

// AuthConfig configures JWT bearer-token verification on the HTTP surface.
type AuthConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Issuer     string `koanf:"issuer"`
	Audience   string `koanf:"audience"`
	SigningKey string `koanf:"signing_key"`
}

// LogConfig configures the slog-based logger.
type LogConfig struct {
	Level      string `koanf:"level"`  // debug, info, warn, error
	Format     string `koanf:"format"` // json, text
	Output     string `koanf:"output"` // stdout, stderr, file
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"` // MB
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"` // days
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// BrokerConfig configures the Redis-backed message/state substrate shared
// by all three services (exec:queue, sched:delayed, request:<id> hashes,
// response:<id> lists, pub/sub wake channels, claim locks).
type BrokerConfig struct {
	Addr        string        `koanf:"addr"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	PoolSize    int           `koanf:"pool_size"`
	ClaimTTL    time.Duration `koanf:"claim_ttl"` // worker-claim expiry; > max node runtime
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

// CacheConfig configures the content-addressable cache: its Redis-backed
// value-stream index plus the blob backend large payloads are written to.
type CacheConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	LockTTL  time.Duration `koanf:"lock_ttl"`  // builder-lock auto-expire
	MaxBytes int64         `koanf:"max_bytes"` // eviction byte budget
	Blob     BlobConfig    `koanf:"blob"`
}

// BlobConfig describes where adapters materialize large payloads
// (images, arrays) by reference. "local" writes under Dir; "s3" writes to
// the named bucket via the AWS SDK (fsspec-style: a single URI scheme
// selects the backend).
type BlobConfig struct {
	Backend  string `koanf:"backend"` // local, s3
	Dir      string `koanf:"dir"`
	Bucket   string `koanf:"bucket"`
	Region   string `koanf:"region"`
	Prefix   string `koanf:"prefix"`
	Endpoint string `koanf:"endpoint"` // optional S3-compatible endpoint override
}

// DatabaseConfig configures the Postgres connection used by the audit
// trail.
type DatabaseConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Database        string        `koanf:"database"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	MigrationsDir   string        `koanf:"migrations_dir"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// DSN returns the libpq connection string for this database.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode,
	)
}

// RateLimitConfig configures the Process ingress rate limiter.
type RateLimitConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Requests        int           `koanf:"requests"`
	Window          time.Duration `koanf:"window"`
	Strategy        string        `koanf:"strategy"` // token_bucket, sliding_window
	Backend         string        `koanf:"backend"`  // memory, redis
	BurstSize       int           `koanf:"burst_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	RedisAddr       string        `koanf:"redis_addr"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Backend        string   `koanf:"backend"` // stdout, file, postgres
	FilePath       string   `koanf:"file_path"`
	BufferSize     int      `koanf:"buffer_size"`
	ExcludeMethods []string `koanf:"exclude_methods"`
}

// ExecutorConfig configures the executor-svc worker pool and per-node
// failure-handling budgets.
type ExecutorConfig struct {
	Workers              int           `koanf:"workers"`
	NodeTimeout          time.Duration `koanf:"node_timeout"`    // per-node soft timeout, default 10m
	RequestTimeout       time.Duration `koanf:"request_timeout"` // per-request hard timeout, default 1h
	BrokerMaxRetries     int           `koanf:"broker_max_retries"`
	UpstreamMaxRetries   int           `koanf:"upstream_max_retries"`
	RetryBackoff         time.Duration `koanf:"retry_backoff"`
	HeartbeatInterval    time.Duration `koanf:"heartbeat_interval"`
	CircuitBreakerWindow time.Duration `koanf:"circuit_breaker_window"`
}

// SchedulerConfig configures the scheduler-svc delayed-queue poller.
type SchedulerConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	ClaimTTL     time.Duration `koanf:"claim_ttl"`
}

// SiteConfig is the immutable, once-loaded provider table: for each
// provider namespace, its description, where its adapters materialize
// large payloads by default, and the (api_class -> adapter) bindings it
// offers.
type SiteConfig struct {
	Name      string                    `koanf:"name"`
	Providers map[string]ProviderConfig `koanf:"providers"`
}

// ProviderConfig is one entry of the site's provider table.
type ProviderConfig struct {
	Description     string     `koanf:"description"`
	CacheFsspecConf BlobConfig `koanf:"cache_fsspec_conf"`
	Interface       map[string]AdapterBind `koanf:"interface"`
}

// AdapterBind binds one api_class to the adapter implementation that
// serves it within a provider, plus that adapter's static configuration.
type AdapterBind struct {
	AdapterClass string         `koanf:"adapter_class"`
	Config       map[string]any `koanf:"config"`
}

// Validate rejects configurations that cannot be used to start a service.
// Unknown YAML keys are not rejected: Loader.Load decodes with koanf's
// default unmarshal (see loader.go), which ignores keys that match no field.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if c.Broker.Addr == "" {
		errs = append(errs, "broker.addr is required")
	}

	if c.Cache.Blob.Backend != "" && c.Cache.Blob.Backend != "local" && c.Cache.Blob.Backend != "s3" {
		errs = append(errs, fmt.Sprintf("cache.blob.backend must be local or s3, got %s", c.Cache.Blob.Backend))
	}

	for name, p := range c.Site.Providers {
		for apiClass, bind := range p.Interface {
			if bind.AdapterClass == "" {
				errs = append(errs, fmt.Sprintf("site.providers.%s.interface.%s: adapter_class is required", name, apiClass))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment reports whether the service is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the service is running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
