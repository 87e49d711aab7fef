// Package config loads the event bus host's YAML configuration: queue
// defaults, backpressure thresholds, batch buckets, window definitions,
// health routing thresholds, replay buffer sizes, and the alerting/
// archive endpoints. Loading follows the same ${VAR}-expansion-then-
// validate shape used across this codebase's config file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a bus host process.
type Config struct {
	Queue        QueueConfig        `yaml:"queue"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Batch        BatchConfig        `yaml:"batch"`
	Health       HealthConfig       `yaml:"health"`
	Replay       ReplayConfig       `yaml:"replay"`
	Windows      []WindowDefinition `yaml:"windows"`
	Notify       NotifyConfig       `yaml:"notify"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Server       ServerConfig       `yaml:"server"`
}

// QueueConfig holds per-subscriber queue defaults.
type QueueConfig struct {
	DefaultMaxSize        int     `yaml:"default_max_size"`
	DefaultDropPolicy     string  `yaml:"default_drop_policy"`
	BackpressureThreshold float64 `yaml:"backpressure_threshold"`
	MaxBacklogSize        int     `yaml:"max_backlog_size"`
}

// BackpressureConfig holds the per-metric ceilings the controller computes
// pressure from.
type BackpressureConfig struct {
	QueueUtilization float64 `yaml:"queue_utilization"`
	ProcessingRate   float64 `yaml:"processing_rate"`
	MemoryPressure   float64 `yaml:"memory_pressure"`
	FrameBudgetUsed  float64 `yaml:"frame_budget_used"`
	AdaptiveThrottle bool    `yaml:"adaptive_throttle"`
}

// BatchConfig holds the batch processor's bucket and timing defaults.
type BatchConfig struct {
	MaxBatchSize       int      `yaml:"max_batch_size"`
	BatchTimeoutRaw    string   `yaml:"batch_timeout"`
	HighThroughputMode bool     `yaml:"high_throughput_mode"`
	YieldThreshold     int      `yaml:"yield_threshold"`
	FrameBudgetMs      float64  `yaml:"frame_budget_ms"`
	MaxEventsPerFrame  int      `yaml:"max_events_per_frame"`
	IntegrationBuckets []string `yaml:"integration_buckets"`
}

// BatchTimeout returns the parsed batch flush-on-age threshold.
func (b BatchConfig) BatchTimeout() (time.Duration, error) {
	if b.BatchTimeoutRaw == "" {
		return 100 * time.Millisecond, nil
	}
	return time.ParseDuration(b.BatchTimeoutRaw)
}

// HealthConfig holds the health-aware router's gating thresholds.
type HealthConfig struct {
	RoutingThreshold  float64 `yaml:"routing_threshold"`
	WarningThreshold  float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`
}

// ReplayConfig holds the replay system's buffer sizing.
type ReplayConfig struct {
	MaxGlobalBufferSize  int `yaml:"max_global_buffer_size"`
	DefaultSubBufferSize int `yaml:"default_subscription_buffer_size"`
}

// WindowDefinition declares one time window to create at startup.
type WindowDefinition struct {
	ID                   string   `yaml:"id"`
	DurationRaw          string   `yaml:"duration"`
	SlideIntervalRaw     string   `yaml:"slide_interval"`
	EventFilters         []string `yaml:"event_filters"`
	AggregationFunctions []string `yaml:"aggregation_functions"`
	MaxEvents            int      `yaml:"max_events"`
}

// Duration returns the parsed window duration.
func (w WindowDefinition) Duration() (time.Duration, error) {
	if w.DurationRaw == "" {
		return 0, fmt.Errorf("window %q: duration is required", w.ID)
	}
	return time.ParseDuration(w.DurationRaw)
}

// SlideInterval returns the parsed slide interval; zero means tumbling.
func (w WindowDefinition) SlideInterval() (time.Duration, error) {
	if w.SlideIntervalRaw == "" {
		return 0, nil
	}
	return time.ParseDuration(w.SlideIntervalRaw)
}

// NotifyConfig holds health-alert webhook URLs.
type NotifyConfig struct {
	SlackWebhook   string `yaml:"slack_webhook"`
	DiscordWebhook string `yaml:"discord_webhook"`
}

// ArchiveConfig holds the sqlite-backed snapshot store's settings.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig holds the host loop's settings: tick interval, metrics
// address, health-feed endpoint and cadence, and the target events per
// second used as the denominator of processing_rate. The frame budget
// behind frame_budget_used comes from BatchConfig.FrameBudgetMs.
type ServerConfig struct {
	TickIntervalRaw       string  `yaml:"tick_interval"`
	TargetEventsPerSecond float64 `yaml:"target_events_per_second"`
	MetricsAddr           string  `yaml:"metrics_addr"`
	HealthFeedURL         string  `yaml:"health_feed_url"`
	HealthFeedIntervalRaw string  `yaml:"health_feed_interval"`
}

// HealthFeedInterval returns the parsed health-feed poll cadence.
func (s ServerConfig) HealthFeedInterval() (time.Duration, error) {
	if s.HealthFeedIntervalRaw == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(s.HealthFeedIntervalRaw)
}

// TickInterval returns the parsed host tick cadence.
func (s ServerConfig) TickInterval() (time.Duration, error) {
	if s.TickIntervalRaw == "" {
		return 100 * time.Millisecond, nil
	}
	return time.ParseDuration(s.TickIntervalRaw)
}

// envVarPattern matches ${VAR} placeholders.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} placeholders with environment variable
// values. Returns an error if any referenced variable is not set.
func expandEnvVars(data []byte) ([]byte, error) {
	var missing []string

	result := envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		val, ok := os.LookupEnv(string(varName))
		if !ok {
			missing = append(missing, string(varName))
			return match
		}
		return []byte(val)
	})

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return result, nil
}

// Load reads and parses a config file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses config from raw YAML bytes, expanding env vars and
// validating the result.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnvVars(data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Queue.DefaultMaxSize == 0 {
		cfg.Queue.DefaultMaxSize = 1000
	}
	if cfg.Queue.DefaultDropPolicy == "" {
		cfg.Queue.DefaultDropPolicy = "drop_oldest"
	}
	if cfg.Queue.BackpressureThreshold == 0 {
		cfg.Queue.BackpressureThreshold = 0.8
	}
	if cfg.Queue.MaxBacklogSize == 0 {
		cfg.Queue.MaxBacklogSize = 10000
	}

	if cfg.Backpressure.QueueUtilization == 0 {
		cfg.Backpressure.QueueUtilization = 0.8
	}
	if cfg.Backpressure.ProcessingRate == 0 {
		cfg.Backpressure.ProcessingRate = 0.9
	}
	if cfg.Backpressure.MemoryPressure == 0 {
		cfg.Backpressure.MemoryPressure = 0.85
	}
	if cfg.Backpressure.FrameBudgetUsed == 0 {
		cfg.Backpressure.FrameBudgetUsed = 0.8
	}

	if cfg.Batch.MaxBatchSize == 0 {
		cfg.Batch.MaxBatchSize = 50
	}
	if cfg.Batch.BatchTimeoutRaw == "" {
		cfg.Batch.BatchTimeoutRaw = "100ms"
	}
	if cfg.Batch.YieldThreshold == 0 {
		cfg.Batch.YieldThreshold = 100
	}
	if cfg.Batch.FrameBudgetMs == 0 {
		cfg.Batch.FrameBudgetMs = 8
	}
	if cfg.Batch.MaxEventsPerFrame == 0 {
		cfg.Batch.MaxEventsPerFrame = 20
	}
	if len(cfg.Batch.IntegrationBuckets) == 0 {
		cfg.Batch.IntegrationBuckets = []string{
			"schema_updates", "config_adjustments", "template_updates", "resource_optimizations",
		}
	}

	if cfg.Health.RoutingThreshold == 0 {
		cfg.Health.RoutingThreshold = 0.2
	}
	if cfg.Health.WarningThreshold == 0 {
		cfg.Health.WarningThreshold = 0.5
	}
	if cfg.Health.CriticalThreshold == 0 {
		cfg.Health.CriticalThreshold = 0.1
	}

	if cfg.Replay.MaxGlobalBufferSize == 0 {
		cfg.Replay.MaxGlobalBufferSize = 50000
	}
	if cfg.Replay.DefaultSubBufferSize == 0 {
		cfg.Replay.DefaultSubBufferSize = 500
	}

	if cfg.Server.TickIntervalRaw == "" {
		cfg.Server.TickIntervalRaw = "100ms"
	}
	if cfg.Server.TargetEventsPerSecond == 0 {
		cfg.Server.TargetEventsPerSecond = 1000
	}

	if cfg.Archive.Path == "" {
		cfg.Archive.Path = "~/.eventbus/archive.db"
	}
}

func validate(cfg *Config) error {
	if cfg.Queue.BackpressureThreshold < 0 || cfg.Queue.BackpressureThreshold > 1 {
		return fmt.Errorf("queue.backpressure_threshold must be between 0 and 1, got %f", cfg.Queue.BackpressureThreshold)
	}

	validDropPolicies := map[string]bool{"drop_oldest": true, "drop_newest": true, "block": true}
	if !validDropPolicies[cfg.Queue.DefaultDropPolicy] {
		return fmt.Errorf("unsupported queue.default_drop_policy: %s", cfg.Queue.DefaultDropPolicy)
	}

	if _, err := cfg.Batch.BatchTimeout(); err != nil {
		return fmt.Errorf("invalid batch.batch_timeout %q: %w", cfg.Batch.BatchTimeoutRaw, err)
	}
	if _, err := cfg.Server.TickInterval(); err != nil {
		return fmt.Errorf("invalid server.tick_interval %q: %w", cfg.Server.TickIntervalRaw, err)
	}

	for _, w := range cfg.Windows {
		if w.ID == "" {
			return fmt.Errorf("window definition missing id")
		}
		if _, err := w.Duration(); err != nil {
			return fmt.Errorf("window %q: invalid duration %q: %w", w.ID, w.DurationRaw, err)
		}
		if _, err := w.SlideInterval(); err != nil {
			return fmt.Errorf("window %q: invalid slide_interval %q: %w", w.ID, w.SlideIntervalRaw, err)
		}
	}

	if cfg.Health.RoutingThreshold < 0 || cfg.Health.RoutingThreshold > 1 {
		return fmt.Errorf("health.routing_threshold must be between 0 and 1, got %f", cfg.Health.RoutingThreshold)
	}

	return nil
}
