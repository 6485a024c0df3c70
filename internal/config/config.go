// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	DB           DBConfig           `mapstructure:"db"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Scraper      ScraperConfig      `mapstructure:"scraper"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Denylist     DenylistConfig     `mapstructure:"denylist"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the Postgres primary store.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// PubSubConfig holds metadata for the change-capture topic.
type PubSubConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	TopicName        string `mapstructure:"topic_name"`
	SubscriptionName string `mapstructure:"subscription_name"`
}

// ArchiveConfig sets paths and content types for snapshot persistence.
type ArchiveConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// ScraperConfig governs the external fetch layer.
type ScraperConfig struct {
	UserAgent        string  `mapstructure:"user_agent"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	PerDomainRPS     float64 `mapstructure:"per_domain_rps"`
	PerDomainBurst   int     `mapstructure:"per_domain_burst"`
	HeadlessEnabled  bool    `mapstructure:"headless_enabled"`
	HeadlessParallel int     `mapstructure:"headless_parallel"`
	CatalogURL       string  `mapstructure:"catalog_url"`
}

// QueueConfig controls scrape job delivery semantics.
type QueueConfig struct {
	Capacity          int `mapstructure:"capacity"`
	VisibilitySeconds int `mapstructure:"visibility_seconds"`
	MaxAttempts       int `mapstructure:"max_attempts"`
	DedupeWindowSecs  int `mapstructure:"dedupe_window_seconds"`
	PublishBatchSize  int `mapstructure:"publish_batch_size"`
}

// WorkerConfig bounds the scrape worker autoscaler.
type WorkerConfig struct {
	MinWorkers int `mapstructure:"min_workers"`
	MaxWorkers int `mapstructure:"max_workers"`
}

// OrchestratorConfig governs the workflow state machine.
type OrchestratorConfig struct {
	ExtractConcurrency   int     `mapstructure:"extract_concurrency"`
	MinConfidence        float64 `mapstructure:"min_confidence"`
	StageMaxAttempts     int     `mapstructure:"stage_max_attempts"`
	StageBackoffMs       int     `mapstructure:"stage_backoff_ms"`
	DrainPollSeconds     int     `mapstructure:"drain_poll_seconds"`
	DrainCeilingMinutes  int     `mapstructure:"drain_ceiling_minutes"`
	DegradedFailFraction float64 `mapstructure:"degraded_fail_fraction"`
}

// DenylistConfig controls the governance gate.
type DenylistConfig struct {
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
	PurgeSLAHours   int `mapstructure:"purge_sla_hours"`
}

// SyncConfig governs the change sync worker.
type SyncConfig struct {
	BatchSize      int    `mapstructure:"batch_size"`
	MaxItemRetries int    `mapstructure:"max_item_retries"`
	Shard          string `mapstructure:"shard"`
}

// BreakerConfig controls the read-path circuit breaker.
type BreakerConfig struct {
	WindowSize      int     `mapstructure:"window_size"`
	ErrorThreshold  float64 `mapstructure:"error_threshold"`
	CooldownSeconds int     `mapstructure:"cooldown_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INKDEX")
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
	v.SetDefault("scraper.user_agent", "inkdex-bot/0.1")
	v.SetDefault("scraper.timeout_seconds", 15)
	v.SetDefault("scraper.per_domain_rps", 1.0)
	v.SetDefault("scraper.per_domain_burst", 2)
	v.SetDefault("scraper.headless_enabled", false)
	v.SetDefault("scraper.headless_parallel", 1)
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.visibility_seconds", 60)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.dedupe_window_seconds", 3600)
	v.SetDefault("queue.publish_batch_size", 10)
	v.SetDefault("worker.min_workers", 0)
	v.SetDefault("worker.max_workers", 8)
	v.SetDefault("orchestrator.extract_concurrency", 5)
	v.SetDefault("orchestrator.min_confidence", 0.5)
	v.SetDefault("orchestrator.stage_max_attempts", 3)
	v.SetDefault("orchestrator.stage_backoff_ms", 250)
	v.SetDefault("orchestrator.drain_poll_seconds", 300)
	v.SetDefault("orchestrator.drain_ceiling_minutes", 120)
	v.SetDefault("orchestrator.degraded_fail_fraction", 0.5)
	v.SetDefault("denylist.cache_ttl_seconds", 30)
	v.SetDefault("denylist.purge_sla_hours", 120)
	v.SetDefault("sync.batch_size", 32)
	v.SetDefault("sync.max_item_retries", 3)
	v.SetDefault("sync.shard", "default")
	v.SetDefault("breaker.window_size", 20)
	v.SetDefault("breaker.error_threshold", 0.5)
	v.SetDefault("breaker.cooldown_seconds", 30)
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scraper.TimeoutSeconds <= 0 {
		return fmt.Errorf("scraper.timeout_seconds must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Worker.MaxWorkers <= 0 {
		return fmt.Errorf("worker.max_workers must be > 0")
	}
	if c.Orchestrator.ExtractConcurrency <= 0 {
		return fmt.Errorf("orchestrator.extract_concurrency must be > 0")
	}
	if c.Orchestrator.DegradedFailFraction <= 0 || c.Orchestrator.DegradedFailFraction > 1 {
		return fmt.Errorf("orchestrator.degraded_fail_fraction must be in (0, 1]")
	}
	if c.Breaker.ErrorThreshold <= 0 || c.Breaker.ErrorThreshold > 1 {
		return fmt.Errorf("breaker.error_threshold must be in (0, 1]")
	}
	if c.Scraper.HeadlessEnabled && c.Scraper.HeadlessParallel <= 0 {
		return fmt.Errorf("scraper.headless_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// ScrapeTimeout converts the scraper timeout into a duration.
func (c Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.Scraper.TimeoutSeconds) * time.Second
}

// Visibility converts the queue visibility timeout into a duration.
func (c Config) Visibility() time.Duration {
	return time.Duration(c.Queue.VisibilitySeconds) * time.Second
}

// DrainPoll returns the queue-depth polling interval for AwaitDrain.
func (c Config) DrainPoll() time.Duration {
	return time.Duration(c.Orchestrator.DrainPollSeconds) * time.Second
}

// DrainCeiling returns the maximum time AwaitDrain waits before the run
// is marked timed out.
func (c Config) DrainCeiling() time.Duration {
	return time.Duration(c.Orchestrator.DrainCeilingMinutes) * time.Minute
}

// PurgeSLA returns the window within which approved removals must be
// purged from both stores.
func (c Config) PurgeSLA() time.Duration {
	return time.Duration(c.Denylist.PurgeSLAHours) * time.Hour
}
