// Package config loads service configuration in three layers: struct
// defaults, an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/fractal-lba/mmm/internal/logging"
	"github.com/fractal-lba/mmm/internal/mcmc"
)

// PathEnvVar overrides the config file location.
const PathEnvVar = "MMM_CONFIG"

// EnvPrefix scopes environment overrides: MMM_SERVER_PORT -> server.port.
const EnvPrefix = "MMM_"

// DefaultPaths are searched in order when PathEnvVar is unset.
var DefaultPaths = []string{
	"mmm.yaml",
	"mmm.yml",
	"/etc/mmm/config.yaml",
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Sampler   mcmc.Config     `koanf:"sampler"`
	Registry  RegistryConfig  `koanf:"registry"`
	Data      DataConfig      `koanf:"data"`
	Logging   logging.Config  `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig is the HTTP layer.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
	// RateLimit is requests per second; burst is twice that.
	RateLimit   int    `koanf:"rate_limit"`
	MaxBodySize int64  `koanf:"max_body_size"`
	MetricsUser string `koanf:"metrics_user"`
	MetricsPass string `koanf:"metrics_pass"`
	// FitTimeout bounds a synchronous fit. Zero derives it from
	// WriteTimeout so the error reaches the client before the connection
	// is cut.
	FitTimeout time.Duration `koanf:"fit_timeout"`
}

// RegistryConfig sizes the in-process model cache and picks the snapshot
// store backend: memory, redis or postgres.
type RegistryConfig struct {
	Size          int           `koanf:"size"`
	TTL           time.Duration `koanf:"ttl"`
	Backend       string        `koanf:"backend"`
	SnapshotPath  string        `koanf:"snapshot_path"`
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
	PostgresURL   string        `koanf:"postgres_url"`
}

// DataConfig locates uploaded and generated datasets.
type DataConfig struct {
	Dir string `koanf:"dir"`
	// MaxRows rejects uploads larger than this.
	MaxRows int `koanf:"max_rows"`
}

// TelemetryConfig enables OTLP tracing.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	ServiceName  string  `koanf:"service_name"`
	Environment  string  `koanf:"environment"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// Service sampler defaults. Fits run inside a request, so they are shorter
// than the library defaults in package mcmc.
const (
	ServiceDraws = 500
	ServiceTune  = 500
)

// Default returns the built-in configuration.
func Default() *Config {
	sampler := mcmc.DefaultConfig()
	sampler.Draws = ServiceDraws
	sampler.Tune = ServiceTune
	return &Config{
		Server: ServerConfig{
			Port:         8000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute, // fits are synchronous
			IdleTimeout:  60 * time.Second,
			RateLimit:    100,
			MaxBodySize:  32 << 20,
		},
		Sampler: sampler,
		Registry: RegistryConfig{
			Size:    64,
			TTL:     24 * time.Hour,
			Backend: "memory",
		},
		Data: DataConfig{
			Dir:     "data",
			MaxRows: 100000,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:     "localhost:4317",
			ServiceName:  "mmm",
			Environment:  "development",
			SamplingRate: 1.0,
		},
	}
}

// Load layers defaults, the config file at path (or the first of
// DefaultPaths found when path is empty), and MMM_* environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sections are the top-level keys; the first underscore after one of them
// is the nesting separator, the rest belong to the field name.
var sections = []string{"server", "sampler", "registry", "data", "logging", "telemetry"}

// envKey maps MMM_REGISTRY_REDIS_ADDR to registry.redis_addr.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	for _, s := range sections {
		if strings.HasPrefix(key, s+"_") {
			return s + "." + strings.TrimPrefix(key, s+"_")
		}
	}
	return key
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.RateLimit <= 0 {
		return fmt.Errorf("server.rate_limit must be positive")
	}
	if c.Server.FitTimeout < 0 {
		return fmt.Errorf("server.fit_timeout must be >= 0")
	}
	if c.Server.WriteTimeout > 0 && c.Server.FitTimeout >= c.Server.WriteTimeout {
		return fmt.Errorf("server.fit_timeout %v must be shorter than server.write_timeout %v",
			c.Server.FitTimeout, c.Server.WriteTimeout)
	}
	if err := c.Sampler.Validate(); err != nil {
		return err
	}
	if c.Registry.Size <= 0 {
		return fmt.Errorf("registry.size must be positive")
	}
	switch c.Registry.Backend {
	case "memory":
	case "redis":
		if c.Registry.RedisAddr == "" {
			return fmt.Errorf("registry.redis_addr is required for the redis backend")
		}
	case "postgres":
		if c.Registry.PostgresURL == "" {
			return fmt.Errorf("registry.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown registry.backend %q", c.Registry.Backend)
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry.sampling_rate must be in [0, 1]")
	}
	return nil
}
