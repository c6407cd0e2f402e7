// Package config provides unified configuration for all modelpulse services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeIngest Mode = "ingest"
	ModeQuery  Mode = "query"
)

// Config holds the unified configuration for all modelpulse services.
type Config struct {
	// Mode specifies which services to run: all, ingest, query
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Pipeline configuration (validation, partitioning, windowing)
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`

	// Correlation engine configuration
	Correlation CorrelationConfig `json:"correlation" yaml:"correlation"`

	// Backpressure coordinator configuration
	Backpressure BackpressureConfig `json:"backpressure" yaml:"backpressure"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Retention configuration
	Retention RetentionConfig `json:"retention" yaml:"retention"`

	// Cache configuration for the query boundary
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// IngestAddr is the HTTP address for the ingest service
	IngestAddr string `json:"ingest_addr" yaml:"ingest_addr"`

	// QueryAddr is the HTTP address for the query service
	QueryAddr string `json:"query_addr" yaml:"query_addr"`

	// MetricsAddr is the HTTP address for the Prometheus endpoint
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// PipelineConfig holds validation, partitioning and windowing configuration.
type PipelineConfig struct {
	// Partitions is the number of aggregator partitions (N). Changing it
	// rehashes every entity and requires a documented migration.
	Partitions int `json:"partitions" yaml:"partitions"`

	// PartitionBuffer is the per-partition event channel capacity
	PartitionBuffer int `json:"partition_buffer" yaml:"partition_buffer"`

	// WindowWidth is the tumbling window width (W)
	WindowWidth time.Duration `json:"window_width" yaml:"window_width"`

	// GracePeriod is how long closed-window state is retained for late upserts
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`

	// OutOfOrderBound is subtracted from the max seen timestamp to form the
	// watermark; it trades latency for completeness
	OutOfOrderBound time.Duration `json:"out_of_order_bound" yaml:"out_of_order_bound"`

	// MaxSkew rejects events older than now-MaxSkew at validation
	MaxSkew time.Duration `json:"max_skew" yaml:"max_skew"`

	// MaxFutureSkew rejects events newer than now+MaxFutureSkew
	MaxFutureSkew time.Duration `json:"max_future_skew" yaml:"max_future_skew"`

	// MaxPayloadBytes caps the serialized payload size per event
	MaxPayloadBytes int `json:"max_payload_bytes" yaml:"max_payload_bytes"`

	// DeadLetterLateEvents also routes too-late events to the dead-letter
	// sink for audit, in addition to counting them
	DeadLetterLateEvents bool `json:"dead_letter_late_events" yaml:"dead_letter_late_events"`
}

// CorrelationConfig holds correlation engine configuration.
type CorrelationConfig struct {
	// Workers is the size of the cross-partition correlation worker pool
	Workers int `json:"workers" yaml:"workers"`

	// Buffer is the correlation input channel capacity
	Buffer int `json:"buffer" yaml:"buffer"`

	// Horizon is the sliding time horizon (H) of candidate events
	Horizon time.Duration `json:"horizon" yaml:"horizon"`

	// BucketWidth is the index time-bucket granularity
	BucketWidth time.Duration `json:"bucket_width" yaml:"bucket_width"`

	// Shards is the number of index lock shards
	Shards int `json:"shards" yaml:"shards"`

	// StrengthThreshold gates correlation emission
	StrengthThreshold float64 `json:"strength_threshold" yaml:"strength_threshold"`

	// MaxCandidates bounds the candidate set scanned per event
	MaxCandidates int `json:"max_candidates" yaml:"max_candidates"`

	// AnomalyZScore is the z-score above which a rollup measure is anomalous
	AnomalyZScore float64 `json:"anomaly_z_score" yaml:"anomaly_z_score"`

	// BaselineSize is the number of recent rollup means kept per baseline
	BaselineSize int `json:"baseline_size" yaml:"baseline_size"`
}

// BackpressureConfig holds ingestion coordinator configuration.
type BackpressureConfig struct {
	// HighWaterMark is the in-flight event count above which the coordinator
	// transitions to Throttling
	HighWaterMark int64 `json:"high_water_mark" yaml:"high_water_mark"`

	// LowWaterMark is the count below which it returns to Accepting
	LowWaterMark int64 `json:"low_water_mark" yaml:"low_water_mark"`
}

// StorageConfig holds durable storage configuration.
type StorageConfig struct {
	// Path is the directory for the SQLite database and raw-event segments
	Path string `json:"path" yaml:"path"`

	// SegmentMaxBytes seals a raw-event segment once it exceeds this size
	SegmentMaxBytes int64 `json:"segment_max_bytes" yaml:"segment_max_bytes"`

	// SegmentMaxAge seals a raw-event segment after this duration
	SegmentMaxAge time.Duration `json:"segment_max_age" yaml:"segment_max_age"`

	// WriteQueueSize is the async storage writer queue capacity
	WriteQueueSize int `json:"write_queue_size" yaml:"write_queue_size"`

	// Retry configures bounded exponential backoff for transient failures
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// Archive configures optional object-storage archival of sealed segments
	Archive ArchiveConfig `json:"archive" yaml:"archive"`
}

// RetryConfig configures bounded exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// MaxDelay caps the backoff delay
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// Multiplier scales the delay after each failure
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// ArchiveConfig configures object-storage archival of sealed segments.
type ArchiveConfig struct {
	// Type is the archive backend: none, local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the base path for the local backend
	Path string `json:"path" yaml:"path"`

	// S3 holds the S3 backend settings
	S3 S3Config `json:"s3" yaml:"s3"`

	// BreakerFailures opens the archival circuit breaker after this many
	// consecutive failures
	BreakerFailures int `json:"breaker_failures" yaml:"breaker_failures"`

	// BreakerResetTimeout is how long the breaker stays open before a
	// half-open probe
	BreakerResetTimeout time.Duration `json:"breaker_reset_timeout" yaml:"breaker_reset_timeout"`
}

// S3Config holds S3 archival configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// RetentionConfig bounds how long each data class is kept.
type RetentionConfig struct {
	// RawEvents is the retention for raw-event segments
	RawEvents time.Duration `json:"raw_events" yaml:"raw_events"`

	// Correlations is shorter than raw-event retention
	Correlations time.Duration `json:"correlations" yaml:"correlations"`

	// DeadLetters bounds the dead-letter table
	DeadLetters time.Duration `json:"dead_letters" yaml:"dead_letters"`

	// SweepInterval is how often the janitor runs
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// CacheConfig controls Redis-backed caching of rollup query responses.
type CacheConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Addr     string        `json:"addr" yaml:"addr"`
	Password string        `json:"password" yaml:"password"`
	DB       int           `json:"db" yaml:"db"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
	JSON  bool   `json:"json" yaml:"json"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "",
		HTTP: HTTPConfig{
			IngestAddr:   ":8080",
			QueryAddr:    ":8081",
			MetricsAddr:  ":2112",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Pipeline: PipelineConfig{
			Partitions:      16,
			PartitionBuffer: 4096,
			WindowWidth:     time.Minute,
			GracePeriod:     2 * time.Minute,
			OutOfOrderBound: 30 * time.Second,
			MaxSkew:         24 * time.Hour,
			MaxFutureSkew:   5 * time.Minute,
			MaxPayloadBytes: 64 * 1024,
		},
		Correlation: CorrelationConfig{
			Workers:           4,
			Buffer:            8192,
			Horizon:           5 * time.Minute,
			BucketWidth:       10 * time.Second,
			Shards:            32,
			StrengthThreshold: 0.5,
			MaxCandidates:     256,
			AnomalyZScore:     3.0,
			BaselineSize:      100,
		},
		Backpressure: BackpressureConfig{
			HighWaterMark: 50000,
			LowWaterMark:  20000,
		},
		Storage: StorageConfig{
			Path:            "",
			SegmentMaxBytes: 16 * 1024 * 1024,
			SegmentMaxAge:   5 * time.Minute,
			WriteQueueSize:  16384,
			Retry: RetryConfig{
				MaxAttempts:  4,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   2.0,
			},
			Archive: ArchiveConfig{
				Type:                "none",
				BreakerFailures:     5,
				BreakerResetTimeout: 30 * time.Second,
			},
		},
		Retention: RetentionConfig{
			RawEvents:     14 * 24 * time.Hour,
			Correlations:  3 * 24 * time.Hour,
			DeadLetters:   7 * 24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled: false,
			TTL:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/modelpulse"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Storage.Archive.Type == "local" && c.Storage.Archive.Path == "" {
		c.Storage.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
}

// DatabasePath returns the path to the SQLite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.Path, "modelpulse.db")
}

// SegmentDir returns the directory for raw-event segments.
func (c *Config) SegmentDir() string {
	return filepath.Join(c.Storage.Path, "segments")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeIngest, ModeQuery:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, ingest, or query)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Pipeline.Partitions <= 0 {
		return fmt.Errorf("pipeline.partitions must be > 0, got %d", c.Pipeline.Partitions)
	}
	if c.Pipeline.WindowWidth <= 0 {
		return fmt.Errorf("pipeline.window_width must be > 0")
	}
	if c.Pipeline.GracePeriod < 0 {
		return fmt.Errorf("pipeline.grace_period must be >= 0")
	}
	if c.Pipeline.OutOfOrderBound < 0 {
		return fmt.Errorf("pipeline.out_of_order_bound must be >= 0")
	}

	if c.Correlation.StrengthThreshold < 0 || c.Correlation.StrengthThreshold > 1 {
		return fmt.Errorf("correlation.strength_threshold must be in [0,1], got %g", c.Correlation.StrengthThreshold)
	}
	if c.Correlation.Shards <= 0 {
		return fmt.Errorf("correlation.shards must be > 0, got %d", c.Correlation.Shards)
	}

	if c.Backpressure.HighWaterMark <= 0 {
		return fmt.Errorf("backpressure.high_water_mark must be > 0")
	}
	if c.Backpressure.LowWaterMark <= 0 || c.Backpressure.LowWaterMark >= c.Backpressure.HighWaterMark {
		return fmt.Errorf("backpressure.low_water_mark must be in (0, high_water_mark)")
	}

	switch c.Storage.Archive.Type {
	case "none", "local", "s3":
		// Valid backends
	default:
		return fmt.Errorf("invalid archive type: %s (must be none, local, or s3)", c.Storage.Archive.Type)
	}
	if c.Storage.Archive.Type == "s3" && c.Storage.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
	}

	if c.Retention.Correlations > c.Retention.RawEvents {
		return fmt.Errorf("retention.correlations must not exceed retention.raw_events")
	}

	return nil
}

// ShouldRunIngest returns true if the ingest service should run.
func (c *Config) ShouldRunIngest() bool {
	return c.Mode == ModeAll || c.Mode == ModeIngest
}

// ShouldRunQuery returns true if the query service should run.
func (c *Config) ShouldRunQuery() bool {
	return c.Mode == ModeAll || c.Mode == ModeQuery
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the MODELPULSE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("MODELPULSE_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("MODELPULSE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("MODELPULSE_HTTP_INGEST_ADDR"); v != "" {
		cfg.HTTP.IngestAddr = v
	}
	if v := os.Getenv("MODELPULSE_HTTP_QUERY_ADDR"); v != "" {
		cfg.HTTP.QueryAddr = v
	}
	if v := os.Getenv("MODELPULSE_HTTP_METRICS_ADDR"); v != "" {
		cfg.HTTP.MetricsAddr = v
	}

	// Pipeline configuration
	if v := os.Getenv("MODELPULSE_PARTITIONS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Pipeline.Partitions)
	}
	if v := os.Getenv("MODELPULSE_WINDOW_WIDTH"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.WindowWidth = d
		}
	}
	if v := os.Getenv("MODELPULSE_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.GracePeriod = d
		}
	}
	if v := os.Getenv("MODELPULSE_OUT_OF_ORDER_BOUND"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.OutOfOrderBound = d
		}
	}

	// Correlation configuration
	if v := os.Getenv("MODELPULSE_CORRELATION_THRESHOLD"); v != "" {
		fmt.Sscanf(v, "%g", &cfg.Correlation.StrengthThreshold)
	}
	if v := os.Getenv("MODELPULSE_CORRELATION_HORIZON"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlation.Horizon = d
		}
	}

	// Backpressure configuration
	if v := os.Getenv("MODELPULSE_HIGH_WATER_MARK"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Backpressure.HighWaterMark)
	}
	if v := os.Getenv("MODELPULSE_LOW_WATER_MARK"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Backpressure.LowWaterMark)
	}

	// Storage configuration
	if v := os.Getenv("MODELPULSE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MODELPULSE_ARCHIVE_TYPE"); v != "" {
		cfg.Storage.Archive.Type = v
	}
	if v := os.Getenv("MODELPULSE_S3_BUCKET"); v != "" {
		cfg.Storage.Archive.S3.Bucket = v
	}
	if v := os.Getenv("MODELPULSE_S3_REGION"); v != "" {
		cfg.Storage.Archive.S3.Region = v
	}
	if v := os.Getenv("MODELPULSE_S3_ENDPOINT"); v != "" {
		cfg.Storage.Archive.S3.Endpoint = v
	}

	// Cache configuration
	if v := os.Getenv("MODELPULSE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
		cfg.Cache.Enabled = true
	}

	// Logging configuration
	if v := os.Getenv("MODELPULSE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MODELPULSE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.Path,
		c.SegmentDir(),
	}
	if c.Storage.Archive.Type == "local" {
		dirs = append(dirs, c.Storage.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
