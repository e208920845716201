package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
worker:
  concurrency: 6
  stages: ["cleaning", "semantization"]
  default_timeout_seconds: 120
  stage_timeout_seconds:
    semantization: 240
queue:
  backend: nats
nats:
  url: nats://nats:4222
publisher:
  backend: nats
storage:
  backend: local
  local:
    base_dir: /var/lib/newsfacts
loader:
  timeout_seconds: 45
  domain_limits:
    - domain: example.com
      rps: 0.5
headless:
  enabled: true
  max_parallel: 3
claims:
  min_confidence: 0.7
  hedge_terms: ["supposedly"]
intake:
  window_hours: 6
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Worker.Concurrency != 6 || len(cfg.Worker.Stages) != 2 {
		t.Fatalf("expected worker overrides to apply: %+v", cfg.Worker)
	}
	if cfg.Queue.Backend != "nats" || cfg.NATS.URL != "nats://nats:4222" {
		t.Fatalf("expected nats queue: %+v %+v", cfg.Queue, cfg.NATS)
	}
	if cfg.NATS.Stream != "NEWSFACTS" || cfg.NATS.Subject != "newsfacts.stage" {
		t.Fatalf("expected nats defaults to survive partial override: %+v", cfg.NATS)
	}
	if cfg.Storage.Local.BaseDir != "/var/lib/newsfacts" {
		t.Fatalf("expected local base dir, got %q", cfg.Storage.Local.BaseDir)
	}
	if got := cfg.DomainRPS()["example.com"]; got != 0.5 {
		t.Fatalf("expected domain rps override, got %+v", cfg.Loader.DomainLimits)
	}
	if len(cfg.Claims.HedgeTerms) != 1 || cfg.Claims.CriminalTerms != nil {
		t.Fatalf("expected claims lexicon overrides: %+v", cfg.Claims)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected logging.development false")
	}
	if got := cfg.StageTimeout("semantization"); got != 240*time.Second {
		t.Fatalf("expected semantization timeout 240s, got %v", got)
	}
	if got := cfg.StageTimeout("cleaning"); got != 120*time.Second {
		t.Fatalf("expected default timeout 120s, got %v", got)
	}
	if got := cfg.IntakeWindow(); got != 6*time.Hour {
		t.Fatalf("expected intake window 6h, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Backend != "memory" || cfg.Storage.Backend != "memory" || cfg.Publisher.Backend != "memory" {
		t.Fatalf("expected in-memory backends by default")
	}
	if cfg.Cache.Capacity != 10000 || cfg.CacheTTL() != 24*time.Hour {
		t.Fatalf("expected 10000 entry cache with 24h ttl, got %d %v", cfg.Cache.Capacity, cfg.CacheTTL())
	}
	if got := cfg.StageTimeout("extraction"); got != 90*time.Second {
		t.Fatalf("expected extraction timeout 90s, got %v", got)
	}
	if cfg.Retry.MaxAttempts != 2 || cfg.Retry.BackoffMs != 1200 {
		t.Fatalf("expected model retry defaults, got %+v", cfg.Retry)
	}
	if cfg.Resolver.Threshold != 85 || cfg.Claims.MaxClaims != 10 {
		t.Fatalf("expected resolver and claims defaults")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		Worker:    WorkerConfig{Concurrency: 1},
		Queue:     QueueConfig{Backend: "memory", Capacity: 8},
		Publisher: PublisherConfig{Backend: "memory"},
		Storage:   StorageConfig{Backend: "memory"},
		Loader:    LoaderConfig{TimeoutSeconds: 10},
		Intake:    IntakeConfig{WindowHours: 24},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base config to validate, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, "worker.concurrency"},
		{"unknown stage", func(c *Config) { c.Worker.Stages = []string{"pending"} }, "worker.stages"},
		{"bad stage timeout", func(c *Config) { c.Worker.StageTimeoutSeconds = map[string]int{"cleaning": 0} }, "worker.stage_timeout_seconds"},
		{"unknown queue", func(c *Config) { c.Queue.Backend = "kafka" }, "queue.backend"},
		{"pubsub without project", func(c *Config) { c.Queue.Backend = "pubsub" }, "pubsub.project_id"},
		{"overlapping nats subjects", func(c *Config) {
			c.NATS.Subject = "newsfacts.stage"
			c.NATS.EventsSubject = "newsfacts.stage"
		}, "nats.events_subject"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.bucket"},
		{"local without dir", func(c *Config) { c.Storage.Backend = "local" }, "storage.local.base_dir"},
		{"invalid loader timeout", func(c *Config) { c.Loader.TimeoutSeconds = 0 }, "loader.timeout_seconds"},
		{"headless missing max parallel", func(c *Config) { c.Headless.Enabled = true }, "headless.max_parallel"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"confidence out of range", func(c *Config) { c.Claims.MinConfidence = 1.5 }, "claims.min_confidence"},
		{"sample ratio out of range", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "telemetry.sample_ratio"},
		{"invalid intake window", func(c *Config) { c.Intake.WindowHours = 0 }, "intake.window_hours"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
