// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Plans         PlansConfig         `yaml:"plans"`
	Store         StoreConfig         `yaml:"store"`
	Lock          LockConfig          `yaml:"lock"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Notify        NotifyConfig        `yaml:"notify"`
	Handlers      HandlersConfig      `yaml:"handlers"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig describes bearer token and authorization settings. When no
// secret is configured the service trusts the X-Actor header. When no policy
// file is configured every authenticated actor may call every route.
type AuthConfig struct {
	JWTSecretEnv       string        `yaml:"jwt_secret_env"`
	Issuer             string        `yaml:"issuer"`
	Audience           string        `yaml:"audience"`
	PolicyFile         string        `yaml:"policy_file"`
	CapabilityCacheTTL time.Duration `yaml:"capability_cache_ttl"`
}

// Secret resolves the signing secret from the configured environment
// variable.
func (a AuthConfig) Secret() string {
	if a.JWTSecretEnv == "" {
		return ""
	}
	return os.Getenv(a.JWTSecretEnv)
}

// PlansConfig describes where predefined plan definitions live.
type PlansConfig struct {
	Directories []string `yaml:"directories"`
}

// StoreConfig describes plan persistence settings.
type StoreConfig struct {
	// Driver is one of file, memory, postgres, sqlite.
	Driver          string        `yaml:"driver"`
	Directory       string        `yaml:"directory"`
	Path            string        `yaml:"path"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LockConfig describes the cross-replica execution lock.
type LockConfig struct {
	// Driver is one of memory, redis.
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// ExecutorConfig describes plan executor settings.
type ExecutorConfig struct {
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout"`
	EventHistory       int           `yaml:"event_history"`
	// IdempotencyTTL is how long execute responses are kept for replay.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// NotifyConfig describes notification channel settings.
type NotifyConfig struct {
	Webhook WebhookConfig      `yaml:"webhook"`
	Redis   RedisChannelConfig `yaml:"redis"`
}

// WebhookConfig describes the webhook notification channel.
type WebhookConfig struct {
	URLEnv         string               `yaml:"url_env"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// URL resolves the webhook endpoint from the configured environment variable.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RedisChannelConfig describes the redis pub/sub notification channel.
type RedisChannelConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
	Channel string `yaml:"channel"`
}

// HandlersConfig is passed to step handler constructors. The executor never
// reads it.
type HandlersConfig struct {
	Simulate    bool               `yaml:"simulate"`
	Thresholds  map[string]float64 `yaml:"thresholds"`
	Database    DatabaseTarget     `yaml:"database"`
	Cache       CacheTarget        `yaml:"cache"`
	ObjectStore ObjectStoreTarget  `yaml:"object_store"`
}

// DatabaseTarget names the database probed by database handlers.
type DatabaseTarget struct {
	DSNEnv string `yaml:"dsn_env"`
}

// CacheTarget names the redis instance probed by cache handlers.
type CacheTarget struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// ObjectStoreTarget names the backup bucket verified by storage handlers.
type ObjectStoreTarget struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	Bucket       string `yaml:"bucket"`
	UseSSL       bool   `yaml:"use_ssl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			CapabilityCacheTTL: 5 * time.Minute,
		},
		Plans: PlansConfig{
			Directories: []string{"plans"},
		},
		Store: StoreConfig{
			Driver:          "file",
			Directory:       "data/recovery-plans",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Lock: LockConfig{
			Driver: "memory",
			TTL:    30 * time.Minute,
		},
		Executor: ExecutorConfig{
			EventHistory:   200,
			IdempotencyTTL: 24 * time.Hour,
		},
		Notify: NotifyConfig{
			Webhook: WebhookConfig{
				Timeout: 5 * time.Second,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					SuccessThreshold: 2,
					Timeout:          30 * time.Second,
				},
			},
			Redis: RedisChannelConfig{
				Channel: "memoright:recovery",
			},
		},
		Handlers: HandlersConfig{
			Simulate:   true,
			Thresholds: map[string]float64{},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv populates the process environment from the given dotenv files.
// Variables already set are left untouched and missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: loading %s: %w", p, err)
		}
	}
	return nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Store.Driver {
	case "memory":
	case "file":
		if c.Store.Directory == "" {
			errs = append(errs, "store.directory is required for the file driver")
		}
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (file, memory, postgres, sqlite)", c.Store.Driver))
	}

	switch c.Lock.Driver {
	case "memory":
	case "redis":
		if c.Lock.AddrEnv == "" {
			errs = append(errs, "lock.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock.driver %q is not supported (memory, redis)", c.Lock.Driver))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, "lock.ttl must be positive")
	}

	if c.Executor.DefaultStepTimeout < 0 {
		errs = append(errs, "executor.default_step_timeout must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads MEMORIGHT_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEMORIGHT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MEMORIGHT_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("MEMORIGHT_STORE_DIRECTORY"); v != "" {
		cfg.Store.Directory = v
	}
	if v := os.Getenv("MEMORIGHT_LOCK_DRIVER"); v != "" {
		cfg.Lock.Driver = v
	}
	if v := os.Getenv("MEMORIGHT_HANDLERS_SIMULATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Handlers.Simulate = b
		}
	}
	if v := os.Getenv("MEMORIGHT_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("MEMORIGHT_PLANS_DIRECTORIES"); v != "" {
		cfg.Plans.Directories = strings.Split(v, ",")
	}
}
