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
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Analyzers AnalyzersConfig `mapstructure:"analyzers"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
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

// PipelineConfig governs orchestrator and dispatcher behavior.
type PipelineConfig struct {
	Workers           int `mapstructure:"workers"`
	QueueDepth        int `mapstructure:"queue_depth"`
	JobCeilingSeconds int `mapstructure:"job_ceiling_seconds"`
	TaskCeilingSec    int `mapstructure:"task_ceiling_seconds"`
	FetchBudgetSec    int `mapstructure:"fetch_budget_seconds"`
}

// JobCeiling is the hard upper bound for one job reaching a terminal state.
func (p PipelineConfig) JobCeiling() time.Duration {
	return time.Duration(p.JobCeilingSeconds) * time.Second
}

// TaskCeiling bounds a single analyzer task.
func (p PipelineConfig) TaskCeiling() time.Duration {
	return time.Duration(p.TaskCeilingSec) * time.Second
}

// FetchBudget bounds the whole fetch stage.
func (p PipelineConfig) FetchBudget() time.Duration {
	return time.Duration(p.FetchBudgetSec) * time.Second
}

// BrowserConfig configures the headless capture subsystem.
type BrowserConfig struct {
	MaxTabs        int     `mapstructure:"max_tabs"`
	StepTimeoutSec int     `mapstructure:"step_timeout_seconds"`
	DomainQPS      float64 `mapstructure:"domain_qps"`
	UserAgent      string  `mapstructure:"user_agent"`
}

// StepTimeout bounds one fetch sub-step (navigation, a screenshot, metadata).
func (b BrowserConfig) StepTimeout() time.Duration {
	return time.Duration(b.StepTimeoutSec) * time.Second
}

// AnalyzersConfig sizes the per-category worker pools.
type AnalyzersConfig struct {
	AccessibilityWorkers int `mapstructure:"accessibility_workers"`
	SEOWorkers           int `mapstructure:"seo_workers"`
	PerformanceWorkers   int `mapstructure:"performance_workers"`
}

// CacheConfig controls the dedup layer.
type CacheConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// TTL is the default freshness window for completed results.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// RulesConfig locates the rule catalog file.
type RulesConfig struct {
	CatalogPath string `mapstructure:"catalog_path"`
}

// StorageConfig selects and parameterizes blob persistence.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// DBConfig controls access to the relational job/issue store.
type DBConfig struct {
	Provider     string `mapstructure:"provider"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MinConns     int    `mapstructure:"min_conns"`
}

// PubSubConfig holds submission queue and completion topic metadata.
type PubSubConfig struct {
	Provider        string `mapstructure:"provider"`
	ProjectID       string `mapstructure:"project_id"`
	TopicID         string `mapstructure:"topic_id"`
	SubscriptionID  string `mapstructure:"subscription_id"`
	CompletionTopic string `mapstructure:"completion_topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITELENS")
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
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_depth", 64)
	v.SetDefault("pipeline.job_ceiling_seconds", 300)
	v.SetDefault("pipeline.task_ceiling_seconds", 60)
	v.SetDefault("pipeline.fetch_budget_seconds", 150)
	v.SetDefault("browser.max_tabs", 2)
	v.SetDefault("browser.step_timeout_seconds", 12)
	v.SetDefault("browser.domain_qps", 1.0)
	v.SetDefault("browser.user_agent", "sitelens-bot/0.1")
	v.SetDefault("analyzers.accessibility_workers", 4)
	v.SetDefault("analyzers.seo_workers", 4)
	v.SetDefault("analyzers.performance_workers", 2)
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("rules.catalog_path", "rules/catalog.yaml")
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("pubsub.provider", "memory")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Pipeline.JobCeilingSeconds <= 0 {
		return fmt.Errorf("pipeline.job_ceiling_seconds must be > 0")
	}
	if c.Pipeline.FetchBudgetSec <= 0 || c.Pipeline.FetchBudgetSec > c.Pipeline.JobCeilingSeconds {
		return fmt.Errorf("pipeline.fetch_budget_seconds must be > 0 and <= the job ceiling")
	}
	if c.Browser.MaxTabs <= 0 {
		return fmt.Errorf("browser.max_tabs must be > 0")
	}
	if c.Analyzers.AccessibilityWorkers <= 0 || c.Analyzers.SEOWorkers <= 0 || c.Analyzers.PerformanceWorkers <= 0 {
		return fmt.Errorf("analyzer pool sizes must be > 0")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
	}
	if c.Storage.Provider == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir must be set when storage.provider is local")
	}
	if c.PubSub.Provider == "pubsub" &&
		(c.PubSub.ProjectID == "" || c.PubSub.TopicID == "" || c.PubSub.SubscriptionID == "") {
		return fmt.Errorf("pubsub.project_id, topic_id and subscription_id must be set when pubsub.provider is pubsub")
	}
	if c.DB.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db.provider is postgres")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}
