package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/microsoft/psi-sub007/compressors"
	"github.com/microsoft/psi-sub007/core"
)

// PumpConfig holds scheduler pump configurations.
type PumpConfig struct {
	Interval string `yaml:"interval"`
}

// InstantConfig holds nearest-value read configurations.
type InstantConfig struct {
	DefaultEpsilonLeft  string `yaml:"default_epsilon_left"`  // negative or zero offset from the cursor
	DefaultEpsilonRight string `yaml:"default_epsilon_right"` // positive or zero offset from the cursor
	MaxParallelStores   int    `yaml:"max_parallel_stores"`
}

// SummaryConfig holds summary manager configurations.
type SummaryConfig struct {
	// DisposalGrace delays tearing down a summary manager whose last
	// subscriber left, so back-to-back binding swaps reuse it.
	DisposalGrace string `yaml:"disposal_grace"`
}

// CacheConfig holds per-stream cache configurations.
type CacheConfig struct {
	Capacity         int `yaml:"capacity"` // messages per stream, 0 = unbounded
	IndexLRUCapacity int `yaml:"index_lru_capacity"`
}

// PoolsConfig holds buffer pool configurations.
type PoolsConfig struct {
	MessageBufferSize int `yaml:"message_buffer_size"`
}

// StoreConfig holds store access configurations.
type StoreConfig struct {
	Compression string `yaml:"compression"` // "none", "snappy", "lz4", "zstd"
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// Config is the top-level configuration struct.
type Config struct {
	Pump    PumpConfig    `yaml:"pump"`
	Instant InstantConfig `yaml:"instant"`
	Summary SummaryConfig `yaml:"summary"`
	Cache   CacheConfig   `yaml:"cache"`
	Pools   PoolsConfig   `yaml:"pools"`
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
}

// ParseDuration parses a duration string. Returns the default duration if the
// string is empty or invalid. Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Pump: PumpConfig{
			Interval: "33ms",
		},
		Instant: InstantConfig{
			DefaultEpsilonLeft:  "-500ms",
			DefaultEpsilonRight: "500ms",
			MaxParallelStores:   4,
		},
		Summary: SummaryConfig{
			DisposalGrace: "5s",
		},
		Cache: CacheConfig{
			Capacity:         0,
			IndexLRUCapacity: 1024,
		},
		Pools: PoolsConfig{
			MessageBufferSize: 4 * 1024,
		},
		Store: StoreConfig{
			Compression: "snappy",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "streamcache.log",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate rejects configurations that cannot produce a working manager.
func (c *Config) Validate() error {
	if c.Instant.MaxParallelStores < 0 {
		return fmt.Errorf("instant.max_parallel_stores must not be negative, got %d", c.Instant.MaxParallelStores)
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("cache.capacity must not be negative, got %d", c.Cache.Capacity)
	}
	if c.Pools.MessageBufferSize <= 0 {
		return fmt.Errorf("pools.message_buffer_size must be positive, got %d", c.Pools.MessageBufferSize)
	}
	switch c.Store.Compression {
	case "", "none", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("store.compression %q is not recognized", c.Store.Compression)
	}
	left := ParseDuration(c.Instant.DefaultEpsilonLeft, -500*time.Millisecond, nil)
	right := ParseDuration(c.Instant.DefaultEpsilonRight, 500*time.Millisecond, nil)
	if left > 0 {
		return fmt.Errorf("instant.default_epsilon_left must not be positive, got %s", left)
	}
	if right < 0 {
		return fmt.Errorf("instant.default_epsilon_right must not be negative, got %s", right)
	}
	return nil
}

// PumpInterval resolves the pump tick period.
func (c *Config) PumpInterval(logger *slog.Logger) time.Duration {
	return ParseDuration(c.Pump.Interval, 33*time.Millisecond, logger)
}

// SummaryDisposalGrace resolves the zero-subscriber disposal delay.
func (c *Config) SummaryDisposalGrace(logger *slog.Logger) time.Duration {
	return ParseDuration(c.Summary.DisposalGrace, 5*time.Second, logger)
}

// DefaultEpsilon resolves the cursor window applied to instant targets
// that do not specify their own.
func (c *Config) DefaultEpsilon(logger *slog.Logger) core.RelativeTimeInterval {
	return core.RelativeTimeInterval{
		Left:  ParseDuration(c.Instant.DefaultEpsilonLeft, -500*time.Millisecond, logger),
		Right: ParseDuration(c.Instant.DefaultEpsilonRight, 500*time.Millisecond, logger),
	}
}

// NewLogger creates a slog.Logger based on the provided configuration.
// The returned closer is non-nil when output goes to a file.
func NewLogger(cfg LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// Compressor builds the payload codec named by store.compression.
func (c *Config) Compressor() (core.Compressor, error) {
	name := c.Store.Compression
	if name == "" {
		name = "snappy"
	}
	ct, err := core.ParseCompressionType(name)
	if err != nil {
		return nil, err
	}
	return compressors.New(ct)
}
