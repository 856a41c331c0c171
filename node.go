package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/richardartoul/filememo/backends"
	"github.com/richardartoul/filememo/pkg/config"
	"github.com/richardartoul/filememo/pkg/filecache"
	"github.com/richardartoul/filememo/pkg/fingerprint"
	"github.com/richardartoul/filememo/pkg/locking"
	"github.com/richardartoul/filememo/pkg/memoize"
	"github.com/richardartoul/filememo/pkg/metrics"
	"github.com/richardartoul/filememo/pkg/tiered"
)

// node is everything one worker needs to resolve, store and memoize results.
type node struct {
	logger    *slog.Logger
	collector *metrics.Collector
	store     *backends.Store
	cache     *filecache.FileLRU
	resolver  *tiered.Resolver
	guard     locking.Guard
	memo      *memoize.Memoizer
	placement tiered.Placement
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// newNode wires the configured backends, local cache, resolver and guard.
// The configuration must already be validated.
func newNode(ctx context.Context, cfg config.Config, logger *slog.Logger) (*node, error) {
	n := &node{
		logger:    logger,
		collector: metrics.NewCollector(cfg.Metrics.Namespace),
	}

	// One S3 client serves both the backend and the lease guard.
	var s3Client *s3.Client
	s3API := func() (backends.S3API, error) {
		if s3Client != nil {
			return s3Client, nil
		}
		client, err := backends.NewS3Client(ctx, s3Config(cfg.S3))
		if err != nil {
			return nil, err
		}
		s3Client = client
		return client, nil
	}

	debug := logger.Enabled(ctx, slog.LevelDebug)
	var ordered []backends.Backend
	for _, name := range cfg.Backends.Order {
		b, err := newBackend(name, cfg, s3API)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s backend: %w", name, err)
		}
		b = backends.NewInstrumented(b, n.collector)
		if debug {
			b = backends.NewDebug(b)
		}
		ordered = append(ordered, b)
	}
	store, err := backends.NewStore(ordered...)
	if err != nil {
		return nil, err
	}
	if cfg.Backends.Default != "" {
		if err := store.SetDefault(cfg.Backends.Default); err != nil {
			return nil, err
		}
	}
	n.store = store

	maxSize, err := cfg.MaxSizeBytes()
	if err != nil {
		return nil, err
	}
	n.cache, err = filecache.Open(cfg.CacheStateDir(), maxSize,
		filecache.WithLogger(logger),
		filecache.WithCollector(n.collector))
	if err != nil {
		return nil, err
	}

	group, err := newGroup(cfg)
	if err != nil {
		return nil, err
	}
	n.resolver, err = tiered.New(store, n.cache, cfg.Cache.Dir,
		tiered.WithGroup(group),
		tiered.WithLogger(logger),
		tiered.WithCollector(n.collector))
	if err != nil {
		return nil, err
	}

	n.guard, err = newGuard(cfg, logger, s3API)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s guard: %w", cfg.Guard.Type, err)
	}

	n.placement, err = tiered.ParsePlacement(cfg.Cache.Placement)
	if err != nil {
		return nil, err
	}
	n.memo = memoize.New(n.resolver, n.guard,
		memoize.WithHasher(fingerprint.New(cfg.Cache.Digits)),
		memoize.WithLogger(logger),
		memoize.WithCollector(n.collector))
	return n, nil
}

func (n *node) Close() error {
	return n.store.Close()
}

func s3Config(c config.S3Config) backends.S3Config {
	return backends.S3Config{
		Bucket:         c.Bucket,
		Prefix:         c.Prefix,
		Region:         c.Region,
		Endpoint:       c.Endpoint,
		ForcePathStyle: c.ForcePathStyle,
		MaxRetries:     c.MaxRetries,
		Compress:       c.Compress,
	}
}

func newBackend(name string, cfg config.Config, s3API func() (backends.S3API, error)) (backends.Backend, error) {
	switch name {
	case backends.FSScheme:
		return backends.NewFS(cfg.FS.Root)
	case backends.S3Scheme:
		client, err := s3API()
		if err != nil {
			return nil, err
		}
		return backends.NewS3(client, s3Config(cfg.S3))
	case backends.OCIScheme:
		return backends.NewOCIRepository(backends.OCIConfig{
			Repository: cfg.OCI.Repository,
			PlainHTTP:  cfg.OCI.PlainHTTP,
			Username:   cfg.OCI.Username,
			Password:   cfg.OCI.Password,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func newGroup(cfg config.Config) (locking.Group, error) {
	switch cfg.Cache.DownloadLock {
	case config.DownloadLockFlock:
		return locking.NewFlockGroup(filepath.Join(cfg.CacheStateDir(), "downloads"))
	case config.DownloadLockSingleflight:
		return locking.NewSingleflightGroup(), nil
	case config.DownloadLockMemory:
		return locking.NewMemLock(), nil
	case config.DownloadLockNone:
		return locking.NewNoOpGroup(), nil
	default:
		return nil, fmt.Errorf("unknown download lock %q", cfg.Cache.DownloadLock)
	}
}

func newGuard(cfg config.Config, logger *slog.Logger, s3API func() (backends.S3API, error)) (locking.Guard, error) {
	opts := []locking.GuardOption{locking.WithGuardLogger(logger)}
	switch cfg.Guard.Type {
	case config.GuardMem:
		return locking.NewMemGuard(opts...), nil
	case config.GuardFile:
		return locking.NewFileGuard(cfg.GuardDir(), opts...)
	case config.GuardS3:
		client, err := s3API()
		if err != nil {
			return nil, err
		}
		return locking.NewS3Guard(client, cfg.GuardBucket(), cfg.Guard.Prefix, opts...)
	default:
		return nil, fmt.Errorf("unknown guard type %q", cfg.Guard.Type)
	}
}
