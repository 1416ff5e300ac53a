package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:48567", cfg.FullAddress())
	assert.Equal(t, "kvs", cfg.Engine)
	assert.Equal(t, int64(1<<20), cfg.MaxSegmentSize)
	assert.Zero(t, cfg.CompactEvery())
	assert.Equal(t, 5*time.Second, cfg.RequestWait())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"port zero", func(c *Config) { c.Port = 0 }, false},
		{"port too large", func(c *Config) { c.Port = 70000 }, false},
		{"http port clash", func(c *Config) { c.HTTPPort = c.Port }, false},
		{"http port set", func(c *Config) { c.HTTPPort = 8080 }, true},
		{"no data dir", func(c *Config) { c.DataDir = "" }, false},
		{"pebble engine", func(c *Config) { c.Engine = "pebble" }, true},
		{"unknown engine", func(c *Config) { c.Engine = "sled" }, false},
		{"zero segment size", func(c *Config) { c.MaxSegmentSize = 0 }, false},
		{"negative interval", func(c *Config) { c.CompactInterval = -1 }, false},
		{"rate without burst", func(c *Config) { c.RateLimit = 10; c.RateBurst = 0 }, false},
		{"negative timeout", func(c *Config) { c.RequestTimeout = -1 }, false},
		{"negative retain", func(c *Config) { c.Archive = ArchiveConfig{Target: "local", Dir: "/b", Retain: -1} }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, false},
		{"local archive without dir", func(c *Config) { c.Archive.Target = "local" }, false},
		{"local archive", func(c *Config) { c.Archive.Target = "local"; c.Archive.Dir = "/tmp/a" }, true},
		{"minio without bucket", func(c *Config) { c.Archive.Target = "minio"; c.Archive.Endpoint = "h:9000" }, false},
		{"unknown archive target", func(c *Config) { c.Archive.Target = "ftp" }, false},
		{"unknown compression", func(c *Config) {
			c.Archive.Target = "local"
			c.Archive.Dir = "/tmp/a"
			c.Archive.Compression = "brotli"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvs.json")

	cfg := DefaultConfig()
	cfg.Port = 9000
	cfg.HTTPPort = 9001
	cfg.Engine = "pebble"
	cfg.CompactInterval = 30
	cfg.Archive = ArchiveConfig{Target: "local", Dir: "/var/backups", Compression: "lz4"}
	require.NoError(t, cfg.SaveToFile(path))

	got, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
	assert.Equal(t, "127.0.0.1:9001", got.HTTPAddress())
	assert.Equal(t, 30*time.Second, got.CompactEvery())
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port": 5000}`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "zstd", cfg.Archive.Compression)
}

func TestLoadReadsTimeoutInSeconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"request_timeout": 2, "archive": {"retain": 3}}`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.RequestWait())
	assert.Equal(t, 3, cfg.Archive.Retain)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFromFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"port":`), 0644))
	_, err = LoadFromFile(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"engine":"sled"}`), 0644))
	_, err = LoadFromFile(invalid)
	assert.ErrorContains(t, err, "invalid configuration")
}
