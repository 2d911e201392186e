package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Sampler.Draws != ServiceDraws || cfg.Sampler.Tune != ServiceTune || cfg.Sampler.Chains != 4 {
		t.Errorf("sampler = %+v", cfg.Sampler)
	}
	if cfg.Registry.Backend != "memory" || cfg.Registry.TTL != 24*time.Hour {
		t.Errorf("registry = %+v", cfg.Registry)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mmm.yaml")
	yaml := `
server:
  port: 9100
sampler:
  draws: 250
  chains: 2
registry:
  ttl: 2h
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MMM_SAMPLER_CHAINS", "3")
	t.Setenv("MMM_REGISTRY_REDIS_ADDR", "cache:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want 9100 from file", cfg.Server.Port)
	}
	if cfg.Sampler.Draws != 250 {
		t.Errorf("draws = %d, want 250 from file", cfg.Sampler.Draws)
	}
	if cfg.Sampler.Chains != 3 {
		t.Errorf("chains = %d, want 3 from env", cfg.Sampler.Chains)
	}
	if cfg.Registry.TTL != 2*time.Hour {
		t.Errorf("ttl = %v, want 2h", cfg.Registry.TTL)
	}
	if cfg.Registry.RedisAddr != "cache:6379" {
		t.Errorf("redis addr = %q", cfg.Registry.RedisAddr)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"MMM_SERVER_PORT":             "server.port",
		"MMM_SAMPLER_TARGET_ACCEPT":   "sampler.target_accept",
		"MMM_REGISTRY_POSTGRES_URL":   "registry.postgres_url",
		"MMM_DATA_DIR":                "data.dir",
		"MMM_TELEMETRY_SAMPLING_RATE": "telemetry.sampling_rate",
		"MMM_OTHER":                   "other",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad rate", func(c *Config) { c.Server.RateLimit = 0 }},
		{"negative fit timeout", func(c *Config) { c.Server.FitTimeout = -time.Second }},
		{"fit timeout past write timeout", func(c *Config) { c.Server.FitTimeout = c.Server.WriteTimeout }},
		{"bad sampler", func(c *Config) { c.Sampler.TargetAccept = 1.5 }},
		{"bad registry size", func(c *Config) { c.Registry.Size = 0 }},
		{"redis without addr", func(c *Config) { c.Registry.Backend = "redis" }},
		{"postgres without url", func(c *Config) { c.Registry.Backend = "postgres" }},
		{"unknown backend", func(c *Config) { c.Registry.Backend = "etcd" }},
		{"bad sampling rate", func(c *Config) { c.Telemetry.SamplingRate = 2 }},
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
