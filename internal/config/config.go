// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Loader    LoaderConfig    `mapstructure:"loader"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Retry     RetryConfig     `mapstructure:"retry"`
	KB        KBConfig        `mapstructure:"kb"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Intake    IntakeConfig    `mapstructure:"intake"`
	Validator ValidatorConfig `mapstructure:"validator"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Claims    ClaimsConfig    `mapstructure:"claims"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig guards the intake routes with an API key.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkerConfig sizes the stage worker pool.
type WorkerConfig struct {
	Concurrency           int            `mapstructure:"concurrency"`
	Stages                []string       `mapstructure:"stages"`
	DefaultTimeoutSeconds int            `mapstructure:"default_timeout_seconds"`
	StageTimeoutSeconds   map[string]int `mapstructure:"stage_timeout_seconds"`
	CompletedTopic        string         `mapstructure:"completed_topic"`
}

// QueueConfig selects the stage message transport.
type QueueConfig struct {
	Backend           string `mapstructure:"backend"`
	Capacity          int    `mapstructure:"capacity"`
	RedeliveryDelayMs int    `mapstructure:"redelivery_delay_ms"`
}

// PublisherConfig selects where task events go.
type PublisherConfig struct {
	Backend string `mapstructure:"backend"`
}

// PubSubConfig holds Google Cloud Pub/Sub settings.
type PubSubConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	TopicPrefix        string `mapstructure:"topic_prefix"`
	SubscriptionSuffix string `mapstructure:"subscription_suffix"`
	MaxOutstanding     int    `mapstructure:"max_outstanding"`
	AckDeadlineSeconds int    `mapstructure:"ack_deadline_seconds"`
	CreateTopics       bool   `mapstructure:"create_topics"`
}

// NATSConfig holds JetStream settings for both stage messages and events.
type NATSConfig struct {
	URL              string `mapstructure:"url"`
	Stream           string `mapstructure:"stream"`
	Subject          string `mapstructure:"subject"`
	Durable          string `mapstructure:"durable"`
	MaxDeliver       int    `mapstructure:"max_deliver"`
	AckWaitSeconds   int    `mapstructure:"ack_wait_seconds"`
	NakDelayMs       int    `mapstructure:"nak_delay_ms"`
	FetchWaitSeconds int    `mapstructure:"fetch_wait_seconds"`
	EventsStream     string `mapstructure:"events_stream"`
	EventsSubject    string `mapstructure:"events_subject"`
}

// DatabaseConfig controls the Postgres task store. An empty DSN keeps tasks in memory.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// StorageConfig selects the evidence blob backend.
type StorageConfig struct {
	Backend      string             `mapstructure:"backend"`
	Bucket       string             `mapstructure:"bucket"`
	Prefix       string             `mapstructure:"prefix"`
	VerifyBucket bool               `mapstructure:"verify_bucket"`
	Local        LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// LoaderConfig tunes page retrieval.
type LoaderConfig struct {
	UserAgent           string        `mapstructure:"user_agent"`
	RespectRobots       bool          `mapstructure:"respect_robots"`
	TimeoutSeconds      int           `mapstructure:"timeout_seconds"`
	ProbeTimeoutSeconds int           `mapstructure:"probe_timeout_seconds"`
	ProbeAttempts       int           `mapstructure:"probe_attempts"`
	MaxBodyBytes        int           `mapstructure:"max_body_bytes"`
	RateLimitRPS        float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst      int           `mapstructure:"rate_limit_burst"`
	DomainLimits        []DomainLimit `mapstructure:"domain_limits"`
}

// DomainLimit overrides the load rate for one domain.
type DomainLimit struct {
	Domain string  `mapstructure:"domain"`
	RPS    float64 `mapstructure:"rps"`
}

// HeadlessConfig configures headless rendering.
type HeadlessConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	AlwaysRender       bool `mapstructure:"always_render"`
	Screenshot         bool `mapstructure:"screenshot"`
	MaxParallel        int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds  int  `mapstructure:"nav_timeout_seconds"`
	SettleDelayMs      int  `mapstructure:"settle_delay_ms"`
	PromotionBodyBytes int  `mapstructure:"promotion_body_bytes"`
	MinTextChars       int  `mapstructure:"min_text_chars"`
	ContentWaitSeconds int  `mapstructure:"content_wait_seconds"`
	MinWords           int  `mapstructure:"min_words"`
}

// LLMConfig selects the generative model endpoint.
type LLMConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxTokens      int    `mapstructure:"max_tokens"`
}

// RetryConfig is the retry policy for model and knowledge-base calls.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BackoffMs   int `mapstructure:"backoff_ms"`
}

// KBConfig configures the Wikidata linker.
type KBConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	Endpoint          string  `mapstructure:"endpoint"`
	UserAgent         string  `mapstructure:"user_agent"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	Limit             int     `mapstructure:"limit"`
}

// CacheConfig bounds the in-process knowledge-base cache.
type CacheConfig struct {
	Capacity int `mapstructure:"capacity"`
	TTLHours int `mapstructure:"ttl_hours"`
}

// RedisConfig enables the shared cache tier when URL is set.
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// IntakeConfig controls duplicate submission reuse and domain admission.
type IntakeConfig struct {
	WindowHours    int      `mapstructure:"window_hours"`
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

// ValidatorConfig tunes the content validator.
type ValidatorConfig struct {
	MinRawChars  int      `mapstructure:"min_raw_chars"`
	PaywallTerms []string `mapstructure:"paywall_terms"`
}

// ResolverConfig tunes entity resolution.
type ResolverConfig struct {
	MaxChars    int     `mapstructure:"max_chars"`
	Threshold   float64 `mapstructure:"threshold"`
	LinkWorkers int     `mapstructure:"link_workers"`
}

// ClaimsConfig tunes the claim extractor and its gatekeeper lexicons.
type ClaimsConfig struct {
	MaxClaims     int      `mapstructure:"max_claims"`
	MinConfidence float64  `mapstructure:"min_confidence"`
	HedgeTerms    []string `mapstructure:"hedge_terms"`
	CriminalTerms []string `mapstructure:"criminal_terms"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	LogSpans    bool    `mapstructure:"log_spans"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.default_timeout_seconds", 300)
	v.SetDefault("worker.stage_timeout_seconds", map[string]int{"extraction": 90})
	v.SetDefault("worker.completed_topic", "newsfacts-task-events")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.redelivery_delay_ms", 500)
	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("pubsub.topic_prefix", "newsfacts")
	v.SetDefault("pubsub.subscription_suffix", "worker")
	v.SetDefault("pubsub.max_outstanding", 10)
	v.SetDefault("pubsub.ack_deadline_seconds", 300)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.stream", "NEWSFACTS")
	v.SetDefault("nats.subject", "newsfacts.stage")
	v.SetDefault("nats.durable", "stage-workers")
	v.SetDefault("nats.max_deliver", 5)
	v.SetDefault("nats.ack_wait_seconds", 300)
	v.SetDefault("nats.nak_delay_ms", 1000)
	v.SetDefault("nats.fetch_wait_seconds", 5)
	v.SetDefault("nats.events_stream", "NEWSFACTS_EVENTS")
	v.SetDefault("nats.events_subject", "newsfacts.events")
	v.SetDefault("database.table", "tasks")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_conn_lifetime_seconds", 3600)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local.base_dir", "./artifacts")
	v.SetDefault("loader.user_agent", "newsfacts-pipeline/1.0")
	v.SetDefault("loader.respect_robots", true)
	v.SetDefault("loader.timeout_seconds", 60)
	v.SetDefault("loader.probe_timeout_seconds", 20)
	v.SetDefault("loader.probe_attempts", 2)
	v.SetDefault("loader.rate_limit_rps", 1.0)
	v.SetDefault("loader.rate_limit_burst", 2)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.screenshot", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.settle_delay_ms", 1500)
	v.SetDefault("headless.promotion_body_bytes", 2048)
	v.SetDefault("headless.min_text_chars", 200)
	v.SetDefault("headless.content_wait_seconds", 15)
	v.SetDefault("headless.min_words", 100)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("retry.max_attempts", 2)
	v.SetDefault("retry.backoff_ms", 1200)
	v.SetDefault("kb.enabled", true)
	v.SetDefault("kb.timeout_seconds", 10)
	v.SetDefault("kb.requests_per_second", 5.0)
	v.SetDefault("kb.burst", 1)
	v.SetDefault("kb.limit", 3)
	v.SetDefault("cache.capacity", 10000)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("redis.prefix", "newsfacts:")
	v.SetDefault("intake.window_hours", 24)
	v.SetDefault("intake.blocked_domains", []string{})
	v.SetDefault("validator.min_raw_chars", 50)
	v.SetDefault("resolver.max_chars", 8000)
	v.SetDefault("resolver.threshold", 85.0)
	v.SetDefault("resolver.link_workers", 4)
	v.SetDefault("claims.max_claims", 10)
	v.SetDefault("claims.min_confidence", 0.65)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "newsfacts-pipeline")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.log_spans", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	for _, stage := range c.Worker.Stages {
		if !isWorkStage(stage) {
			return fmt.Errorf("worker.stages: unknown stage %q", stage)
		}
	}
	for stage, secs := range c.Worker.StageTimeoutSeconds {
		if !isWorkStage(stage) {
			return fmt.Errorf("worker.stage_timeout_seconds: unknown stage %q", stage)
		}
		if secs <= 0 {
			return fmt.Errorf("worker.stage_timeout_seconds.%s must be > 0", stage)
		}
	}
	switch c.Queue.Backend {
	case "memory":
		if c.Queue.Capacity <= 0 {
			return fmt.Errorf("queue.capacity must be > 0")
		}
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id is required for the pubsub queue")
		}
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the nats queue")
		}
	default:
		return fmt.Errorf("queue.backend must be memory, pubsub or nats, got %q", c.Queue.Backend)
	}
	switch c.Publisher.Backend {
	case "memory", "nats":
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id is required for the pubsub publisher")
		}
	default:
		return fmt.Errorf("publisher.backend must be memory, pubsub or nats, got %q", c.Publisher.Backend)
	}
	if c.NATS.Subject != "" && c.NATS.Subject == c.NATS.EventsSubject {
		return fmt.Errorf("nats.subject and nats.events_subject must differ")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for local storage")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs, got %q", c.Storage.Backend)
	}
	if c.Loader.TimeoutSeconds <= 0 {
		return fmt.Errorf("loader.timeout_seconds must be > 0")
	}
	for _, limit := range c.Loader.DomainLimits {
		if limit.Domain == "" {
			return fmt.Errorf("loader.domain_limits: domain is required")
		}
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Claims.MinConfidence < 0 || c.Claims.MinConfidence > 1 {
		return fmt.Errorf("claims.min_confidence must be within [0, 1]")
	}
	if c.Intake.WindowHours <= 0 {
		return fmt.Errorf("intake.window_hours must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// StageTimeout returns the handler budget for stage.
func (c Config) StageTimeout(stage string) time.Duration {
	if secs, ok := c.Worker.StageTimeoutSeconds[stage]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(c.Worker.DefaultTimeoutSeconds) * time.Second
}

// IntakeWindow is how long a submitted URL keeps mapping onto its task.
func (c Config) IntakeWindow() time.Duration {
	return time.Duration(c.Intake.WindowHours) * time.Hour
}

// CacheTTL is the lifetime of knowledge-base cache entries.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

func isWorkStage(stage string) bool {
	s, err := pipeline.ParseStage(stage)
	return err == nil && s != pipeline.StagePending
}

// DomainRPS indexes the per-domain load rate overrides.
func (c Config) DomainRPS() map[string]float64 {
	out := make(map[string]float64, len(c.Loader.DomainLimits))
	for _, limit := range c.Loader.DomainLimits {
		out[limit.Domain] = limit.RPS
	}
	return out
}
