// Package config handles configuration loading and validation for recordvault.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/recordvault/recordvault/internal/index"
	"github.com/recordvault/recordvault/pkg/bytesize"
)

// Duration is a time.Duration that unmarshals from strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// WALConfig holds write-ahead log settings.
type WALConfig struct {
	// CheckpointInterval is how often the maintenance loop checkpoints.
	CheckpointInterval Duration `yaml:"checkpoint_interval"`
	// MaxSize forces an early checkpoint once the log grows past it.
	MaxSize bytesize.Size `yaml:"max_size"`
}

// AttemptsConfig holds the retry cap of each priority class.
type AttemptsConfig struct {
	Critical int `yaml:"critical"`
	Normal   int `yaml:"normal"`
	Low      int `yaml:"low"`
}

// QueueConfig holds persistence queue settings.
type QueueConfig struct {
	NormalBatch    int            `yaml:"normal_batch"`
	NormalInterval Duration       `yaml:"normal_interval"`
	LowBatch       int            `yaml:"low_batch"`
	LowInterval    Duration       `yaml:"low_interval"`
	MaxPending     int            `yaml:"max_pending"`
	MaxAttempts    AttemptsConfig `yaml:"max_attempts"`
	BackoffBase    Duration       `yaml:"backoff_base"`
	BackoffMax     Duration       `yaml:"backoff_max"`
	// ApplyRate caps background applies per second. Zero is unlimited.
	ApplyRate float64 `yaml:"apply_rate"`
}

// CacheConfig holds read cache settings.
type CacheConfig struct {
	MaxSize    bytesize.Size `yaml:"max_size"`
	DefaultTTL Duration      `yaml:"default_ttl"`
}

// CASConfig holds blob store settings.
type CASConfig struct {
	CompressionLevel  int    `yaml:"compression_level"`
	EncryptionKeyFile string `yaml:"encryption_key_file"`
}

// GCConfig holds garbage collection settings.
type GCConfig struct {
	Interval Duration `yaml:"interval"`
	Grace    Duration `yaml:"grace"`
}

// CapacityConfig holds disk space settings.
type CapacityConfig struct {
	MinFree bytesize.Size `yaml:"min_free"`
}

// IndexConfig holds index settings.
type IndexConfig struct {
	// Bucket is the temporal bucket width: "day" or "hour".
	Bucket string `yaml:"bucket"`
}

// TxConfig holds transaction settings.
type TxConfig struct {
	// MaxAge rolls back transactions left open longer than this. Zero keeps
	// them until shutdown.
	MaxAge Duration `yaml:"max_age"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Interval Duration `yaml:"interval"`
	Listen   string   `yaml:"listen"`
}

// Config is the engine configuration.
type Config struct {
	DataDir    string         `yaml:"data_dir"`
	SyncWrites bool           `yaml:"sync_writes"`
	WAL        WALConfig      `yaml:"wal"`
	Queue      QueueConfig    `yaml:"queue"`
	Cache      CacheConfig    `yaml:"cache"`
	CAS        CASConfig      `yaml:"cas"`
	GC         GCConfig       `yaml:"gc"`
	Capacity   CapacityConfig `yaml:"capacity"`
	Index      IndexConfig    `yaml:"index"`
	Tx         TxConfig       `yaml:"transactions"`
	Metrics    MetricsConfig  `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir:    expandHome("~/.recordvault"),
		SyncWrites: true,
		WAL: WALConfig{
			CheckpointInterval: Duration(time.Minute),
			MaxSize:            bytesize.Size(64 * bytesize.MB),
		},
		Queue: QueueConfig{
			NormalBatch:    64,
			NormalInterval: Duration(500 * time.Millisecond),
			LowBatch:       256,
			LowInterval:    Duration(5 * time.Second),
			MaxPending:     10000,
			MaxAttempts:    AttemptsConfig{Critical: 3, Normal: 5, Low: 3},
			BackoffBase:    Duration(100 * time.Millisecond),
			BackoffMax:     Duration(5 * time.Second),
		},
		Cache: CacheConfig{
			MaxSize:    bytesize.Size(64 * bytesize.MB),
			DefaultTTL: Duration(10 * time.Minute),
		},
		GC: GCConfig{
			Interval: Duration(time.Hour),
		},
		Capacity: CapacityConfig{
			MinFree: bytesize.Size(100 * bytesize.MB),
		},
		Index: IndexConfig{Bucket: string(index.Day)},
		Tx:    TxConfig{MaxAge: Duration(time.Hour)},
		Metrics: MetricsConfig{
			Interval: Duration(15 * time.Second),
		},
	}
}

// Load loads configuration from a YAML file. Keys missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expand resolves "~/" in paths. A relative key file is taken relative to the
// data directory.
func (c *Config) expand() {
	c.DataDir = expandHome(c.DataDir)
	if c.CAS.EncryptionKeyFile != "" {
		c.CAS.EncryptionKeyFile = expandHome(c.CAS.EncryptionKeyFile)
		if !filepath.IsAbs(c.CAS.EncryptionKeyFile) {
			c.CAS.EncryptionKeyFile = filepath.Join(c.DataDir, c.CAS.EncryptionKeyFile)
		}
	}
}

// SetDataDir overrides the data directory, as the --data-dir flag does.
func (c *Config) SetDataDir(dir string) {
	c.DataDir = expandHome(dir)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	positive := []struct {
		name string
		v    int64
	}{
		{"wal.checkpoint_interval", int64(c.WAL.CheckpointInterval)},
		{"wal.max_size", int64(c.WAL.MaxSize)},
		{"queue.normal_batch", int64(c.Queue.NormalBatch)},
		{"queue.normal_interval", int64(c.Queue.NormalInterval)},
		{"queue.low_batch", int64(c.Queue.LowBatch)},
		{"queue.low_interval", int64(c.Queue.LowInterval)},
		{"queue.max_pending", int64(c.Queue.MaxPending)},
		{"queue.max_attempts.critical", int64(c.Queue.MaxAttempts.Critical)},
		{"queue.max_attempts.normal", int64(c.Queue.MaxAttempts.Normal)},
		{"queue.max_attempts.low", int64(c.Queue.MaxAttempts.Low)},
		{"queue.backoff_base", int64(c.Queue.BackoffBase)},
		{"queue.backoff_max", int64(c.Queue.BackoffMax)},
		{"cache.max_size", int64(c.Cache.MaxSize)},
		{"cache.default_ttl", int64(c.Cache.DefaultTTL)},
		{"gc.interval", int64(c.GC.Interval)},
		{"metrics.interval", int64(c.Metrics.Interval)},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	if c.Queue.BackoffMax < c.Queue.BackoffBase {
		errs = append(errs, errors.New("queue.backoff_max must not be below queue.backoff_base"))
	}
	if c.Queue.ApplyRate < 0 {
		errs = append(errs, errors.New("queue.apply_rate must not be negative"))
	}
	if c.GC.Grace < 0 || c.Tx.MaxAge < 0 || c.Capacity.MinFree < 0 {
		errs = append(errs, errors.New("gc.grace, transactions.max_age and capacity.min_free must not be negative"))
	}
	if c.CAS.CompressionLevel < 0 || c.CAS.CompressionLevel > 22 {
		errs = append(errs, errors.New("cas.compression_level must be between 0 and 22"))
	}
	if _, err := index.ParseGranularity(c.Index.Bucket); err != nil {
		errs = append(errs, fmt.Errorf("index.bucket: %w", err))
	}
	return errors.Join(errs...)
}

// Write saves the configuration as YAML.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
