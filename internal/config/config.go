// Package config handles YAML configuration loading with environment variable
// expansion and overlay.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Queue     QueueConfig     `yaml:"queue"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // zero disables; streamed responses have no deadline
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RequestTimeout caps how long a buffered completion may wait for its
	// upstream result before the client gets 504.
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	AdminOrigin      string        `yaml:"admin_origin"`
	DisplayModelName string        `yaml:"display_model_name"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds rate limiter backend settings. An empty URL selects the
// in-process fallback limiter.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// UpstreamConfig holds the inference server settings.
type UpstreamConfig struct {
	URL            string        `yaml:"url"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// QueueConfig holds admission queue settings.
type QueueConfig struct {
	MaxSize int `yaml:"max_size"`
}

// RateLimitConfig holds the per-key token bucket defaults.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	BootstrapKey string `yaml:"bootstrap_key"` // plaintext admin key, empty disables
	Secret       string `yaml:"secret"`        // HMAC secret for dashboard session tokens
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// SlogLevel maps the configured level name to a slog.Level. Unknown names
// fall back to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, in that order of precedence. An empty path skips the
// file entirely so environment-only deployments need no config on disk.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:             ":8080",
			ReadTimeout:      30 * time.Second,
			ShutdownTimeout:  30 * time.Second,
			RequestTimeout:   300 * time.Second,
			AdminOrigin:      "http://localhost:8501",
			DisplayModelName: "default",
		},
		Database: DatabaseConfig{
			URL: "postgres://localhost:5432/heimdall?sslmode=disable",
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Upstream: UpstreamConfig{
			URL:            "http://localhost:8000",
			Timeout:        120 * time.Second,
			MaxConcurrency: 8,
		},
		Queue: QueueConfig{
			MaxSize: 2048,
		},
		RateLimit: RateLimitConfig{
			RPS:   10,
			Burst: 20,
		},
		Auth: AuthConfig{
			Secret: "change-me",
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. Set variables win over
// both defaults and file values, including variables set to the empty string.
func applyEnv(cfg *Config) error {
	envStr("LISTEN_ADDR", &cfg.Server.Addr)
	envStr("ADMIN_ORIGIN", &cfg.Server.AdminOrigin)
	envStr("DISPLAY_MODEL_NAME", &cfg.Server.DisplayModelName)
	envStr("DATABASE_URL", &cfg.Database.URL)
	envStr("REDIS_URL", &cfg.Redis.URL)
	envStr("VLLM_URL", &cfg.Upstream.URL)
	envStr("ADMIN_BOOTSTRAP_KEY", &cfg.Auth.BootstrapKey)
	envStr("AUTH_SECRET", &cfg.Auth.Secret)

	var errs []error
	errs = append(errs, envSeconds("REQUEST_TIMEOUT_S", &cfg.Server.RequestTimeout))
	errs = append(errs, envSeconds("VLLM_TIMEOUT_S", &cfg.Upstream.Timeout))
	errs = append(errs, envInt("VLLM_MAX_CONCURRENCY", &cfg.Upstream.MaxConcurrency))
	errs = append(errs, envInt("QUEUE_MAX_SIZE", &cfg.Queue.MaxSize))
	errs = append(errs, envFloat("RATE_LIMIT_RPS_DEFAULT", &cfg.RateLimit.RPS))
	errs = append(errs, envInt("RATE_LIMIT_BURST_DEFAULT", &cfg.RateLimit.Burst))
	return errors.Join(errs...)
}

func (c *Config) validate() error {
	if c.Upstream.MaxConcurrency < 1 {
		return fmt.Errorf("upstream max_concurrency must be positive, got %d", c.Upstream.MaxConcurrency)
	}
	if c.Queue.MaxSize < 1 {
		return fmt.Errorf("queue max_size must be positive, got %d", c.Queue.MaxSize)
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate limit defaults must be positive, got rps=%v burst=%d",
			c.RateLimit.RPS, c.RateLimit.Burst)
	}
	if c.Auth.Secret == "" {
		return errors.New("auth secret must not be empty")
	}
	return nil
}

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func envFloat(name string, dst *float64) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = f
	return nil
}

func envSeconds(name string, dst *time.Duration) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}
