package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
pump:
  interval: "50ms"
cache:
  capacity: 10000
store:
  compression: "zstd"
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, "50ms", cfg.Pump.Interval)
	assert.Equal(t, 10000, cfg.Cache.Capacity)
	assert.Equal(t, "zstd", cfg.Store.Compression)

	// Check a default value that was not overridden
	assert.Equal(t, "5s", cfg.Summary.DisposalGrace)
	assert.Equal(t, 4, cfg.Instant.MaxParallelStores)
}

func TestLoad_PartialConfig(t *testing.T) {
	yamlContent := `
summary:
  disposal_grace: "10s"
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.SummaryDisposalGrace(nil))
	// Defaults survive the partial overlay.
	assert.Equal(t, 33*time.Millisecond, cfg.PumpInterval(nil))
	assert.Equal(t, "snappy", cfg.Store.Compression)
	assert.Equal(t, 4*1024, cfg.Pools.MessageBufferSize)
}

func TestLoad_NilAndEmptyReaders(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "33ms", cfg.Pump.Interval)

	cfg, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Cache.IndexLRUCapacity)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(strings.NewReader("pump: [not: a: mapping"))
	require.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	for name, yamlContent := range map[string]string{
		"negative capacity":    "cache:\n  capacity: -1\n",
		"bad compression":      "store:\n  compression: \"gzip\"\n",
		"zero buffer size":     "pools:\n  message_buffer_size: 0\n",
		"positive left eps":    "instant:\n  default_epsilon_left: \"100ms\"\n",
		"negative right eps":   "instant:\n  default_epsilon_right: \"-100ms\"\n",
		"negative parallelism": "instant:\n  max_parallel_stores: -2\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(yamlContent))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "33ms", cfg.Pump.Interval)
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pump:\n  interval: \"100ms\"\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, cfg.PumpInterval(nil))
}

func TestCompressor(t *testing.T) {
	cfg, err := Load(strings.NewReader("store:\n  compression: \"lz4\"\n"))
	require.NoError(t, err)

	comp, err := cfg.Compressor()
	require.NoError(t, err)

	payload := []byte("the same byte sequence, round-tripped")
	compressed, err := comp.Compress(payload)
	require.NoError(t, err)
	restored, err := comp.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, restored)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, time.Second, ParseDuration("", time.Second, nil))
	assert.Equal(t, time.Second, ParseDuration("0", time.Second, nil))
	assert.Equal(t, time.Second, ParseDuration("garbage", time.Second, nil))
	assert.Equal(t, 250*time.Millisecond, ParseDuration("250ms", time.Second, nil))
}

func TestDefaultEpsilon(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	eps := cfg.DefaultEpsilon(nil)
	assert.Equal(t, -500*time.Millisecond, eps.Left)
	assert.Equal(t, 500*time.Millisecond, eps.Right)

	cfg.Instant.DefaultEpsilonLeft = "-2s"
	cfg.Instant.DefaultEpsilonRight = "1s"
	eps = cfg.DefaultEpsilon(nil)
	assert.Equal(t, -2*time.Second, eps.Left)
	assert.Equal(t, time.Second, eps.Right)
}

func TestNewLogger(t *testing.T) {
	logger, closer, err := NewLogger(LoggingConfig{Level: "debug", Output: "stdout"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Nil(t, closer, "stdout needs no closer")

	logger, closer, err = NewLogger(LoggingConfig{Level: "warn", Output: "none"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Nil(t, closer)

	path := filepath.Join(t.TempDir(), "out.log")
	logger, closer, err = NewLogger(LoggingConfig{Level: "info", Output: "file", File: path})
	require.NoError(t, err)
	require.NotNil(t, closer)
	logger.Info("written to file")
	require.NoError(t, closer.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")

	_, _, err = NewLogger(LoggingConfig{Level: "info", Output: "teletype"})
	require.Error(t, err)
}
