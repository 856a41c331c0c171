// Package config loads filememo configuration from YAML or TOML files and
// FILEMEMO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

// Config is the complete configuration.
type Config struct {
	Cache    CacheConfig    `yaml:"cache" toml:"cache"`
	Backends BackendsConfig `yaml:"backends" toml:"backends"`
	S3       S3Config       `yaml:"s3" toml:"s3"`
	FS       FSConfig       `yaml:"fs" toml:"fs"`
	OCI      OCIConfig      `yaml:"oci" toml:"oci"`
	Guard    GuardConfig    `yaml:"guard" toml:"guard"`
	Log      LogConfig      `yaml:"log" toml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// CacheConfig configures the local bounded cache.
type CacheConfig struct {
	Dir           string        `yaml:"dir" toml:"dir"`
	StateDir      string        `yaml:"state_dir" toml:"state_dir"` // defaults to <dir>/.state
	MaxSize       string        `yaml:"max_size" toml:"max_size"`   // e.g. "10GiB"
	CheckInterval time.Duration `yaml:"check_interval" toml:"check_interval"`
	Digits        int           `yaml:"digits" toml:"digits"`
	Placement     string        `yaml:"placement" toml:"placement"` // move, link or copy
	// DownloadLock collapses concurrent downloads of one path: "flock" across
	// every process sharing the cache dir, "singleflight" or "memory" within
	// one process, "none" for a cache private to one caller.
	DownloadLock string `yaml:"download_lock" toml:"download_lock"`
}

// BackendsConfig selects the enabled durable backends. Order is the search
// priority for plain virtual paths; Default receives their writes and
// defaults to the first entry.
type BackendsConfig struct {
	Order   []string `yaml:"order" toml:"order"`
	Default string   `yaml:"default" toml:"default"`
}

type S3Config struct {
	Bucket         string `yaml:"bucket" toml:"bucket"`
	Prefix         string `yaml:"prefix" toml:"prefix"`
	Region         string `yaml:"region" toml:"region"`
	Endpoint       string `yaml:"endpoint" toml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style" toml:"force_path_style"`
	MaxRetries     int    `yaml:"max_retries" toml:"max_retries"`
	Compress       bool   `yaml:"compress" toml:"compress"`
}

type FSConfig struct {
	Root string `yaml:"root" toml:"root"`
}

type OCIConfig struct {
	Repository string `yaml:"repository" toml:"repository"`
	PlainHTTP  bool   `yaml:"plain_http" toml:"plain_http"`
	Username   string `yaml:"username" toml:"username"`
	Password   string `yaml:"password" toml:"password"`
}

// GuardConfig selects the execution guard: "mem", "file" or "s3".
type GuardConfig struct {
	Type   string        `yaml:"type" toml:"type"`
	Dir    string        `yaml:"dir" toml:"dir"`
	Bucket string        `yaml:"bucket" toml:"bucket"` // defaults to s3.bucket
	Prefix string        `yaml:"prefix" toml:"prefix"`
	Lease  time.Duration `yaml:"lease" toml:"lease"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text or json
}

type MetricsConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	Namespace string `yaml:"namespace" toml:"namespace"`
}

const (
	DownloadLockFlock        = "flock"
	DownloadLockSingleflight = "singleflight"
	DownloadLockMemory       = "memory"
	DownloadLockNone         = "none"
)

const (
	GuardMem  = "mem"
	GuardFile = "file"
	GuardS3   = "s3"
)

// Default returns the default configuration: a local cache under the user's
// cache directory backed by a single filesystem backend.
func Default() Config {
	cacheDir := filepath.Join(os.TempDir(), "filememo")
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, "filememo")
	}
	return Config{
		Cache: CacheConfig{
			Dir:           cacheDir,
			MaxSize:       "10GiB",
			CheckInterval: 6 * time.Hour,
			Digits:        6,
			Placement:     "move",
			DownloadLock:  DownloadLockFlock,
		},
		Backends: BackendsConfig{
			Order: []string{"fs"},
		},
		S3: S3Config{
			MaxRetries: 3,
		},
		Guard: GuardConfig{
			Type:   GuardFile,
			Prefix: "leases",
			Lease:  time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Namespace: "filememo",
		},
	}
}

// Load reads path over the defaults. The format is chosen by extension:
// .yaml/.yml or .toml.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("unknown config keys: %v", undecoded)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q (want .yaml, .yml or .toml)", ext)
	}

	if err := cfg.expandPaths(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFromEnv applies FILEMEMO_* environment overrides.
func (c *Config) LoadFromEnv() error {
	str := func(name string, dst *string) {
		if val := os.Getenv(name); val != "" {
			*dst = val
		}
	}
	var errs []error
	boolean := func(name string, dst *bool) {
		if val := os.Getenv(name); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if val := os.Getenv(name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	str("FILEMEMO_CACHE_DIR", &c.Cache.Dir)
	str("FILEMEMO_CACHE_STATE_DIR", &c.Cache.StateDir)
	str("FILEMEMO_CACHE_MAX_SIZE", &c.Cache.MaxSize)
	duration("FILEMEMO_CACHE_CHECK_INTERVAL", &c.Cache.CheckInterval)
	str("FILEMEMO_CACHE_PLACEMENT", &c.Cache.Placement)
	str("FILEMEMO_CACHE_DOWNLOAD_LOCK", &c.Cache.DownloadLock)
	if val := os.Getenv("FILEMEMO_BACKENDS"); val != "" {
		c.Backends.Order = splitList(val)
	}
	str("FILEMEMO_DEFAULT_BACKEND", &c.Backends.Default)

	str("FILEMEMO_S3_BUCKET", &c.S3.Bucket)
	str("FILEMEMO_S3_PREFIX", &c.S3.Prefix)
	str("FILEMEMO_S3_REGION", &c.S3.Region)
	str("FILEMEMO_S3_ENDPOINT", &c.S3.Endpoint)
	boolean("FILEMEMO_S3_FORCE_PATH_STYLE", &c.S3.ForcePathStyle)
	boolean("FILEMEMO_S3_COMPRESS", &c.S3.Compress)
	str("FILEMEMO_FS_ROOT", &c.FS.Root)
	str("FILEMEMO_OCI_REPOSITORY", &c.OCI.Repository)
	boolean("FILEMEMO_OCI_PLAIN_HTTP", &c.OCI.PlainHTTP)
	str("FILEMEMO_OCI_USERNAME", &c.OCI.Username)
	str("FILEMEMO_OCI_PASSWORD", &c.OCI.Password)

	str("FILEMEMO_GUARD", &c.Guard.Type)
	str("FILEMEMO_GUARD_DIR", &c.Guard.Dir)
	str("FILEMEMO_GUARD_BUCKET", &c.Guard.Bucket)
	duration("FILEMEMO_GUARD_LEASE", &c.Guard.Lease)

	str("FILEMEMO_LOG_LEVEL", &c.Log.Level)
	str("FILEMEMO_LOG_FORMAT", &c.Log.Format)
	str("FILEMEMO_METRICS_ADDR", &c.Metrics.Addr)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid environment override: %w", err)
	}
	return c.expandPaths()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Cache.Dir == "" {
		return errors.New("cache.dir is required")
	}
	if _, err := c.MaxSizeBytes(); err != nil {
		return err
	}
	if c.Cache.CheckInterval <= 0 {
		return errors.New("cache.check_interval must be positive")
	}
	if c.Cache.Digits < 0 || c.Cache.Digits > 17 {
		return fmt.Errorf("cache.digits must be between 0 and 17, got %d", c.Cache.Digits)
	}
	switch c.Cache.Placement {
	case "move", "link", "copy":
	default:
		return fmt.Errorf("invalid cache.placement %q: must be \"move\", \"link\" or \"copy\"", c.Cache.Placement)
	}
	switch c.Cache.DownloadLock {
	case DownloadLockFlock, DownloadLockSingleflight, DownloadLockMemory, DownloadLockNone:
	default:
		return fmt.Errorf("invalid cache.download_lock %q: must be one of: %s, %s, %s, %s", c.Cache.DownloadLock,
			DownloadLockFlock, DownloadLockSingleflight, DownloadLockMemory, DownloadLockNone)
	}

	if len(c.Backends.Order) == 0 {
		return errors.New("backends.order must name at least one backend")
	}
	seen := make(map[string]bool)
	for _, name := range c.Backends.Order {
		if seen[name] {
			return fmt.Errorf("backend %q listed twice in backends.order", name)
		}
		seen[name] = true
		switch name {
		case "fs":
			if c.FS.Root == "" {
				return errors.New("fs.root is required when the fs backend is enabled")
			}
		case "s3":
			if c.S3.Bucket == "" {
				return errors.New("s3.bucket is required when the s3 backend is enabled")
			}
		case "oci":
			if c.OCI.Repository == "" {
				return errors.New("oci.repository is required when the oci backend is enabled")
			}
		default:
			return fmt.Errorf("unknown backend %q (must be one of: fs, s3, oci)", name)
		}
	}
	if c.Backends.Default != "" && !slices.Contains(c.Backends.Order, c.Backends.Default) {
		return fmt.Errorf("backends.default %q is not in backends.order", c.Backends.Default)
	}

	switch c.Guard.Type {
	case GuardMem, GuardFile:
	case GuardS3:
		if c.GuardBucket() == "" {
			return errors.New("guard.bucket or s3.bucket is required for the s3 guard")
		}
	default:
		return fmt.Errorf("invalid guard.type %q: must be one of: %s, %s, %s", c.Guard.Type, GuardMem, GuardFile, GuardS3)
	}
	if c.Guard.Lease <= 0 {
		return errors.New("guard.lease must be positive")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format %q: must be \"text\" or \"json\"", c.Log.Format)
	}
	return nil
}

// MaxSizeBytes parses Cache.MaxSize.
func (c *Config) MaxSizeBytes() (int64, error) {
	n, err := ParseSize(c.Cache.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("invalid cache.max_size: %w", err)
	}
	if n <= 0 {
		return 0, errors.New("cache.max_size must be positive")
	}
	return n, nil
}

// CacheStateDir returns where the cache keeps its bookkeeping.
func (c *Config) CacheStateDir() string {
	if c.Cache.StateDir != "" {
		return c.Cache.StateDir
	}
	return filepath.Join(c.Cache.Dir, ".state")
}

// GuardDir returns the lease directory of the file guard.
func (c *Config) GuardDir() string {
	if c.Guard.Dir != "" {
		return c.Guard.Dir
	}
	return filepath.Join(c.Cache.Dir, ".leases")
}

// GuardBucket returns the bucket of the s3 guard.
func (c *Config) GuardBucket() string {
	if c.Guard.Bucket != "" {
		return c.Guard.Bucket
	}
	return c.S3.Bucket
}

// DefaultBackend returns the backend receiving writes of plain paths.
func (c *Config) DefaultBackend() string {
	if c.Backends.Default != "" {
		return c.Backends.Default
	}
	if len(c.Backends.Order) > 0 {
		return c.Backends.Order[0]
	}
	return ""
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Cache.Dir, &c.Cache.StateDir, &c.FS.Root, &c.Guard.Dir} {
		expanded, err := expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand ~: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

var sizeUnits = []struct {
	suffix     string
	multiplier int64
}{
	// Longest suffixes first.
	{"KIB", 1 << 10},
	{"MIB", 1 << 20},
	{"GIB", 1 << 30},
	{"TIB", 1 << 40},
	{"KB", 1000},
	{"MB", 1000 * 1000},
	{"GB", 1000 * 1000 * 1000},
	{"TB", 1000 * 1000 * 1000 * 1000},
	{"K", 1 << 10},
	{"M", 1 << 20},
	{"G", 1 << 30},
	{"T", 1 << 40},
	{"B", 1},
}

// ParseSize parses a byte size such as "1024", "512MiB", "1.5GB" or "10G".
// IEC suffixes (KiB) and bare letters (K) are powers of 1024; SI suffixes
// (KB) are powers of 1000.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size string")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	upper := strings.ToUpper(s)
	for _, u := range sizeUnits {
		if !strings.HasSuffix(upper, u.suffix) {
			continue
		}
		num := strings.TrimSpace(upper[:len(upper)-len(u.suffix)])
		f, err := strconv.ParseFloat(num, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("invalid size format: %s", s)
		}
		return int64(f * float64(u.multiplier)), nil
	}
	return 0, fmt.Errorf("invalid size format: %s", s)
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: must be one of: debug, info, warn, error", s)
	}
	return level, nil
}
