// Package tiered maps virtual paths to local files. The durable store holds
// the authoritative copy of every value; the local cache keeps a bounded set
// of recently used copies on disk.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/richardartoul/filememo/backends"
	"github.com/richardartoul/filememo/pkg/filecache"
	"github.com/richardartoul/filememo/pkg/locking"
	"github.com/richardartoul/filememo/pkg/metrics"
	"github.com/richardartoul/filememo/pkg/vpath"
)

// Placement selects how Upload puts a produced file into the local cache.
type Placement int

const (
	// PlaceMove renames the file into the cache.
	PlaceMove Placement = iota
	// PlaceLink hard-links the file into the cache, leaving the original in
	// place. Falls back to copying when linking fails, e.g. across devices.
	PlaceLink
	// PlaceCopy copies the file into the cache.
	PlaceCopy
)

func (p Placement) String() string {
	switch p {
	case PlaceMove:
		return "move"
	case PlaceLink:
		return "link"
	case PlaceCopy:
		return "copy"
	default:
		return fmt.Sprintf("Placement(%d)", int(p))
	}
}

// ParsePlacement parses "move", "link" or "copy".
func ParsePlacement(s string) (Placement, error) {
	switch s {
	case "move":
		return PlaceMove, nil
	case "link":
		return PlaceLink, nil
	case "copy":
		return PlaceCopy, nil
	}
	return 0, fmt.Errorf("unknown placement %q", s)
}

// Resolver resolves virtual paths through the local cache and the durable
// store.
type Resolver struct {
	store     *backends.Store
	cache     *filecache.FileLRU
	root      string
	group     locking.Group
	logger    *slog.Logger
	collector *metrics.Collector
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithGroup sets the lock group that collapses concurrent downloads of the
// same path. The default is a SingleflightGroup.
func WithGroup(g locking.Group) Option {
	return func(r *Resolver) { r.group = g }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithCollector sets the metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(r *Resolver) { r.collector = c }
}

// New creates a resolver that keeps local copies under root.
func New(store *backends.Store, cache *filecache.FileLRU, root string, opts ...Option) (*Resolver, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	r := &Resolver{
		store:  store,
		cache:  cache,
		root:   absRoot,
		group:  locking.NewSingleflightGroup(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Store returns the durable store.
func (r *Resolver) Store() *backends.Store { return r.store }

// Cache returns the local cache.
func (r *Resolver) Cache() *filecache.FileLRU { return r.cache }

const (
	plainDir  = "plain"
	opaqueDir = "opaque"
)

// LocalPath returns where p is kept locally: root/plain/<key> for plain paths
// and root/opaque/<scheme>/<key> for opaque ones. Distinct virtual paths never
// share a local file.
func (r *Resolver) LocalPath(p vpath.Path) string {
	if p.IsOpaque() {
		return filepath.Join(r.root, opaqueDir, p.Scheme(), filepath.FromSlash(p.Key()))
	}
	return filepath.Join(r.root, plainDir, filepath.FromSlash(p.Key()))
}

// GetLocally returns a local file holding p, downloading it if it is not
// cached. A cache hit performs no network I/O. Returns an error matching
// backends.ErrNotFound if no backend holds p.
func (r *Resolver) GetLocally(ctx context.Context, p vpath.Path) (string, error) {
	if p.IsZero() {
		return "", vpath.ErrEmpty
	}
	local := r.LocalPath(p)

	hit, err := r.cached(local)
	if err != nil {
		return "", err
	}
	r.collector.LocalLookup(hit)
	if hit {
		return local, nil
	}

	v, err := r.group.DoWithLock(local, func() (interface{}, error) {
		// Another caller may have finished the download while we waited.
		hit, err := r.cached(local)
		if err != nil || hit {
			return local, err
		}
		return local, r.download(ctx, p, local)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// cached reports a cache hit, bumping the entry's recency.
func (r *Resolver) cached(local string) (bool, error) {
	ok, err := r.cache.Contains(local)
	if err != nil || !ok {
		return false, err
	}
	if _, err := r.cache.Touch(local); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Resolver) download(ctx context.Context, p vpath.Path, local string) error {
	start := time.Now()
	b, err := r.store.Resolve(ctx, p)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := b.Download(ctx, p.Key(), tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, local); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename download: %w", err)
	}
	if err := r.cache.Add(local); err != nil {
		return fmt.Errorf("failed to register %s: %w", local, err)
	}

	r.logger.Debug("downloaded",
		"path", p.String(),
		"backend", b.Scheme(),
		"local", local,
		"duration", time.Since(start))
	return nil
}

// Upload writes the file at local through to the durable store under p and
// then places it in the local cache. Nothing is placed or registered locally
// unless the durable write succeeded.
func (r *Resolver) Upload(ctx context.Context, local string, p vpath.Path, placement Placement) error {
	if p.IsZero() {
		return vpath.ErrEmpty
	}
	if err := r.store.Upload(ctx, local, p); err != nil {
		return fmt.Errorf("failed to upload %s: %w", p, err)
	}

	dst := r.LocalPath(p)
	src, err := filepath.Abs(local)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	if src != dst {
		if err := place(src, dst, placement); err != nil {
			return fmt.Errorf("failed to %s %s into cache: %w", placement, local, err)
		}
	}
	if err := r.cache.Add(dst); err != nil {
		return fmt.Errorf("failed to register %s: %w", dst, err)
	}
	r.logger.Debug("uploaded", "path", p.String(), "local", dst, "placement", placement.String())
	return nil
}

// InStorage reports whether any eligible backend holds p, without
// downloading it.
func (r *Resolver) InStorage(ctx context.Context, p vpath.Path) (bool, error) {
	return r.store.Exists(ctx, p)
}

// Timestamp returns when p was last written to the durable store.
func (r *Resolver) Timestamp(ctx context.Context, p vpath.Path) (time.Time, error) {
	return r.store.Timestamp(ctx, p)
}

func place(src, dst string, placement Placement) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	switch placement {
	case PlaceMove:
		if err := os.Rename(src, dst); err == nil {
			return nil
		}
		// Cross-device: copy, then drop the source.
		if err := copyInto(src, dst); err != nil {
			return err
		}
		return os.Remove(src)
	case PlaceLink:
		tmpPath := dst + ".link.tmp"
		os.Remove(tmpPath)
		if err := os.Link(src, tmpPath); err != nil {
			return copyInto(src, dst)
		}
		if err := os.Rename(tmpPath, dst); err != nil {
			os.Remove(tmpPath)
			return err
		}
		return nil
	case PlaceCopy:
		return copyInto(src, dst)
	}
	return fmt.Errorf("unknown placement %d", int(placement))
}

// copyInto copies src to a temp file next to dst and renames it into place.
func copyInto(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_, copyErr := io.Copy(tmp, in)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
