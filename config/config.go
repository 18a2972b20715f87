package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Rugfeed     RugfeedConfig     `yaml:"rugfeed"`
	Source      SourceConfig      `yaml:"source"`
	Channels    ChannelsConfig    `yaml:"channels"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Health      HealthConfig      `yaml:"health"`
	Degradation DegradationConfig `yaml:"degradation"`
	Integrity   IntegrityConfig   `yaml:"integrity"`
	Prices      PricesConfig      `yaml:"prices"`
	Bus         BusConfig         `yaml:"bus"`
	Store       StoreConfig       `yaml:"store"`
	Storage     StorageConfig     `yaml:"storage"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Components  ComponentsConfig  `yaml:"components"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type RugfeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// SourceConfig describes the upstream Socket.IO endpoint.
type SourceConfig struct {
	Name             string            `yaml:"name"`
	URL              string            `yaml:"url"`
	Namespace        string            `yaml:"namespace"`
	Headers          map[string]string `yaml:"headers"`
	ReconnectDelay   time.Duration     `yaml:"reconnect_delay"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	ReadBufferBytes  int               `yaml:"read_buffer_bytes"`
}

type ChannelsConfig struct {
	RawBuffer int `yaml:"raw_buffer"`
}

type RateLimitConfig struct {
	EventsPerSecond float64 `yaml:"events_per_second"`
	Capacity        int     `yaml:"capacity"`
	DegradedFactor  float64 `yaml:"degraded_factor"`
	CriticalFactor  float64 `yaml:"critical_factor"`
}

type HealthConfig struct {
	HeartbeatEvent   string        `yaml:"heartbeat_event"`
	BaselineInterval time.Duration `yaml:"baseline_interval"`
	WarningThreshold time.Duration `yaml:"warning_threshold"`
	HighThreshold    time.Duration `yaml:"high_threshold"`
}

type DegradationConfig struct {
	GapEscalation  int           `yaml:"gap_escalation"`
	DropBurst      int           `yaml:"drop_burst"`
	DropWindow     time.Duration `yaml:"drop_window"`
	RecoveryWindow time.Duration `yaml:"recovery_window"`
}

type IntegrityConfig struct {
	MaxGapCount   int           `yaml:"max_gap_count"`
	MaxTickDrop   float64       `yaml:"max_tick_drop"`
	StallAfter    time.Duration `yaml:"stall_after"`
	RugFloorPrice float64       `yaml:"rug_floor_price"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// PricesConfig bounds the per-round price series. Ticks at or beyond
// MaxTicks are logged and ignored.
type PricesConfig struct {
	MaxTicks int `yaml:"max_ticks"`
}

type BusConfig struct {
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

type StoreConfig struct {
	Dir              string        `yaml:"dir"`
	SessionID        string        `yaml:"session_id"`
	MaxBufferSize    int           `yaml:"max_buffer_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	MaxFlushFailures int           `yaml:"max_flush_failures"`
	MinFreeBytes     uint64        `yaml:"min_free_bytes"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type BroadcastConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MetricsConfig struct {
	ListenAddr string           `yaml:"listen_addr"`
	History    int              `yaml:"history"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Region    string        `yaml:"region"`
	Namespace string        `yaml:"namespace"`
	Interval  time.Duration `yaml:"interval"`
}

// ComponentsConfig lists optional components resolved through the pipeline
// registry at startup.
type ComponentsConfig struct {
	Enabled []string `yaml:"enabled"`
}

type ShutdownConfig struct {
	StepTimeout time.Duration `yaml:"step_timeout"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	MaxSize        int           `yaml:"max_size"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Default returns a configuration with every tunable set to its documented
// default. LoadConfig unmarshals on top of it.
func Default() Config {
	return Config{
		Rugfeed: RugfeedConfig{Name: "rugfeed", Version: "dev"},
		Source: SourceConfig{
			Name:             "rugs.fun",
			Namespace:        "/",
			ReconnectDelay:   2 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Channels: ChannelsConfig{RawBuffer: 4096},
		RateLimit: RateLimitConfig{
			EventsPerSecond: 20,
			DegradedFactor:  2,
			CriticalFactor:  4,
		},
		Health: HealthConfig{
			HeartbeatEvent:   "gameStateUpdate",
			BaselineInterval: 250 * time.Millisecond,
			WarningThreshold: 350 * time.Millisecond,
			HighThreshold:    450 * time.Millisecond,
		},
		Degradation: DegradationConfig{
			GapEscalation:  3,
			DropBurst:      20,
			DropWindow:     5 * time.Second,
			RecoveryWindow: 30 * time.Second,
		},
		Integrity: IntegrityConfig{
			MaxGapCount:   5,
			MaxTickDrop:   0.5,
			StallAfter:    10 * time.Second,
			RugFloorPrice: 0.02,
			CheckInterval: time.Second,
		},
		Prices: PricesConfig{MaxTicks: 100000},
		Bus:    BusConfig{StopTimeout: 5 * time.Second},
		Store: StoreConfig{
			Dir:              "data",
			MaxBufferSize:    500,
			FlushInterval:    5 * time.Second,
			MaxFlushFailures: 5,
			MinFreeBytes:     64 << 20,
		},
		Metrics: MetricsConfig{
			History:    200,
			CloudWatch: CloudWatchConfig{Namespace: "Rugfeed", Interval: time.Minute},
		},
		Shutdown: ShutdownConfig{StepTimeout: 10 * time.Second},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = ResolveConfigPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	if config.RateLimit.Capacity <= 0 {
		config.RateLimit.Capacity = int(2 * config.RateLimit.EventsPerSecond)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("RUGFEED_WS_URL"); v != "" {
		config.Source.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("RUGFEED_STORE_DIR"); v != "" {
		config.Store.Dir = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		config.Broadcast.Kafka.Brokers = strings.Split(v, ",")
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Rugfeed.Name == "" {
		return fmt.Errorf("rugfeed.name is required")
	}
	if cfg.Source.URL == "" {
		return fmt.Errorf("source.url is required")
	}
	if !strings.HasPrefix(cfg.Source.URL, "ws://") && !strings.HasPrefix(cfg.Source.URL, "wss://") {
		return fmt.Errorf("source.url '%s' must use ws:// or wss://", cfg.Source.URL)
	}
	if cfg.Source.ReconnectDelay <= 0 {
		return fmt.Errorf("source.reconnect_delay must be greater than 0")
	}
	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}

	if cfg.RateLimit.EventsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.events_per_second must be greater than 0")
	}
	if cfg.RateLimit.DegradedFactor < 1 || cfg.RateLimit.CriticalFactor < 1 {
		return fmt.Errorf("rate_limit degraded/critical factors must be at least 1")
	}

	if !(cfg.Health.WarningThreshold > 0 && cfg.Health.WarningThreshold < cfg.Health.HighThreshold) {
		return fmt.Errorf("health.warning_threshold must be positive and below health.high_threshold")
	}

	if cfg.Degradation.RecoveryWindow <= 0 {
		return fmt.Errorf("degradation.recovery_window must be greater than 0")
	}

	if cfg.Prices.MaxTicks <= 0 {
		return fmt.Errorf("prices.max_ticks must be greater than 0")
	}

	if cfg.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}
	if cfg.Store.SessionID != "" && !sessionIDRegexp.MatchString(cfg.Store.SessionID) {
		return fmt.Errorf("store.session_id '%s' may only contain letters, digits, '.', '_' and '-' and must not start with '.'", cfg.Store.SessionID)
	}
	if cfg.Store.MaxBufferSize <= 0 {
		return fmt.Errorf("store.max_buffer_size must be greater than 0")
	}
	if cfg.Store.FlushInterval <= 0 {
		return fmt.Errorf("store.flush_interval must be greater than 0")
	}
	if env := AppEnvironment(); IsProductionLike(env) && cfg.Store.MinFreeBytes == 0 {
		return fmt.Errorf("store.min_free_bytes must be set in %s", env)
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	for _, name := range cfg.Components.Enabled {
		if name == "kafka_broadcast" && (len(cfg.Broadcast.Kafka.Brokers) == 0 || cfg.Broadcast.Kafka.Topic == "") {
			return fmt.Errorf("broadcast.kafka brokers and topic are required when kafka_broadcast is enabled")
		}
		if name == "s3_archive" && !cfg.Storage.S3.Enabled {
			return fmt.Errorf("storage.s3.enabled must be true when s3_archive is enabled")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// sessionIDRegexp keeps a session id usable as one path segment of the
// store layout.
var sessionIDRegexp = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
