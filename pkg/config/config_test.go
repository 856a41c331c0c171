package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultNeedsOnlyABackendRoot(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate(), "fs.root is unset")

	cfg.FS.Root = t.TempDir()
	require.NoError(t, cfg.Validate())

	n, err := cfg.MaxSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(10<<30), n)
	assert.Equal(t, "fs", cfg.DefaultBackend())
	assert.Equal(t, filepath.Join(cfg.Cache.Dir, ".state"), cfg.CacheStateDir())
	assert.Equal(t, filepath.Join(cfg.Cache.Dir, ".leases"), cfg.GuardDir())
	assert.Equal(t, DownloadLockFlock, cfg.Cache.DownloadLock)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "filememo.yaml", `
cache:
  dir: /var/cache/filememo
  max_size: 512MiB
  check_interval: 2h
  placement: link
backends:
  order: [fs, s3]
  default: s3
fs:
  root: /mnt/results
s3:
  bucket: results
  prefix: cache
  compress: true
guard:
  type: s3
  lease: 30m
log:
  level: debug
  format: json
metrics:
  addr: ":9100"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/cache/filememo", cfg.Cache.Dir)
	n, err := cfg.MaxSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(512<<20), n)
	assert.Equal(t, 2*time.Hour, cfg.Cache.CheckInterval)
	assert.Equal(t, 6, cfg.Cache.Digits, "unset keys keep their defaults")
	assert.Equal(t, []string{"fs", "s3"}, cfg.Backends.Order)
	assert.Equal(t, "s3", cfg.DefaultBackend())
	assert.True(t, cfg.S3.Compress)
	assert.Equal(t, "results", cfg.GuardBucket())
	assert.Equal(t, 30*time.Minute, cfg.Guard.Lease)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "filememo.toml", `
[cache]
dir = "/var/cache/filememo"
max_size = "2GB"
check_interval = "12h"

[backends]
order = ["oci"]

[oci]
repository = "registry.example.com/results"
plain_http = true

[guard]
type = "mem"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	n, err := cfg.MaxSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000_000), n)
	assert.Equal(t, 12*time.Hour, cfg.Cache.CheckInterval)
	assert.Equal(t, "registry.example.com/results", cfg.OCI.Repository)
	assert.True(t, cfg.OCI.PlainHTTP)
	assert.Equal(t, GuardMem, cfg.Guard.Type)
}

func TestLoadRejectsUnknownKeysAndFormats(t *testing.T) {
	_, err := Load(writeConfig(t, "c.yaml", "cache:\n  sizee: 1\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "c.toml", "[cache]\nsizee = 1\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "c.json", "{}"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg, err := Load(writeConfig(t, "c.yaml", "cache:\n  dir: ~/cache\nfs:\n  root: ~/store\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "cache"), cfg.Cache.Dir)
	assert.Equal(t, filepath.Join(home, "store"), cfg.FS.Root)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FILEMEMO_CACHE_DIR", "/tmp/fm")
	t.Setenv("FILEMEMO_CACHE_MAX_SIZE", "1G")
	t.Setenv("FILEMEMO_BACKENDS", "s3, fs")
	t.Setenv("FILEMEMO_S3_BUCKET", "env-bucket")
	t.Setenv("FILEMEMO_S3_COMPRESS", "true")
	t.Setenv("FILEMEMO_FS_ROOT", "/mnt/fs")
	t.Setenv("FILEMEMO_GUARD_LEASE", "90m")
	t.Setenv("FILEMEMO_LOG_LEVEL", "warn")
	t.Setenv("FILEMEMO_CACHE_DOWNLOAD_LOCK", "none")

	cfg := Default()
	require.NoError(t, cfg.LoadFromEnv())
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/fm", cfg.Cache.Dir)
	assert.Equal(t, []string{"s3", "fs"}, cfg.Backends.Order)
	assert.Equal(t, "s3", cfg.DefaultBackend())
	assert.Equal(t, "env-bucket", cfg.S3.Bucket)
	assert.True(t, cfg.S3.Compress)
	assert.Equal(t, 90*time.Minute, cfg.Guard.Lease)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, DownloadLockNone, cfg.Cache.DownloadLock)
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("FILEMEMO_GUARD_LEASE", "soon")
	t.Setenv("FILEMEMO_S3_COMPRESS", "maybe")
	cfg := Default()
	err := cfg.LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FILEMEMO_GUARD_LEASE")
	assert.Contains(t, err.Error(), "FILEMEMO_S3_COMPRESS")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.FS.Root = "/mnt/fs"
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no backends", func(c *Config) { c.Backends.Order = nil }},
		{"unknown backend", func(c *Config) { c.Backends.Order = []string{"ftp"} }},
		{"duplicate backend", func(c *Config) { c.Backends.Order = []string{"fs", "fs"} }},
		{"default not enabled", func(c *Config) { c.Backends.Default = "s3" }},
		{"s3 without bucket", func(c *Config) { c.Backends.Order = []string{"s3"} }},
		{"oci without repository", func(c *Config) { c.Backends.Order = []string{"oci"} }},
		{"bad size", func(c *Config) { c.Cache.MaxSize = "lots" }},
		{"zero size", func(c *Config) { c.Cache.MaxSize = "0" }},
		{"bad placement", func(c *Config) { c.Cache.Placement = "teleport" }},
		{"bad download lock", func(c *Config) { c.Cache.DownloadLock = "etcd" }},
		{"bad digits", func(c *Config) { c.Cache.Digits = 40 }},
		{"bad interval", func(c *Config) { c.Cache.CheckInterval = 0 }},
		{"bad guard", func(c *Config) { c.Guard.Type = "zookeeper" }},
		{"s3 guard without bucket", func(c *Config) { c.Guard.Type = GuardS3 }},
		{"zero lease", func(c *Config) { c.Guard.Lease = 0 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := map[string]int64{
		"1024":   1024,
		"1KiB":   1024,
		"1kb":    1000,
		"10K":    10240,
		"1.5GiB": 3 << 29,
		"2 MB":   2_000_000,
		"7B":     7,
		"1TiB":   1 << 40,
	}
	for in, want := range tests {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "GiB", "-1GiB", "ten"} {
		_, err := ParseSize(in)
		assert.Error(t, err, in)
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
	level, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
