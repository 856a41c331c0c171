// Package filecache keeps a size-bounded, least-recently-used registry of
// local files. The registry is persisted to disk and shared by every process
// on a node; it only does bookkeeping and never performs network I/O.
//
// The cache never assumes a tracked file still exists: membership checks
// re-validate against the filesystem and drop entries whose files were
// deleted behind its back.
package filecache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/richardartoul/filememo/pkg/metrics"
)

var (
	// ErrEmpty is returned by PopOldest on an empty cache.
	ErrEmpty = errors.New("filecache: cache is empty")

	// ErrInvariantViolation is logged when the running total diverges from the
	// sum of the size index. The cache recovers by adopting the recomputed sum.
	ErrInvariantViolation = errors.New("filecache: size accounting diverged")
)

// Option configures a FileLRU.
type Option func(*FileLRU)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *FileLRU) { c.logger = logger }
}

// WithCollector publishes evictions and cache size to collector.
func WithCollector(collector *metrics.Collector) Option {
	return func(c *FileLRU) { c.collector = collector }
}

// WithClock overrides the time source used for consistency-scan bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *FileLRU) { c.now = now }
}

// Entry is a tracked file.
type Entry struct {
	Path string
	Size int64
}

// CheckReport summarizes a consistency scan.
type CheckReport struct {
	Checked        int
	Removed        int
	ReclaimedBytes int64
	Resized        int
	// Drift is the difference between the running total and the recomputed
	// one before reconciliation. Non-zero means ErrInvariantViolation.
	Drift int64
}

// FileLRU is a persistent, size-bounded LRU registry of local file paths.
//
// All operations run under a per-instance mutex and a cross-process file
// lock on the state directory. Public methods take both locks exactly once
// and delegate to *Locked helpers, so composite operations never re-acquire.
type FileLRU struct {
	dir       string
	maxSize   int64
	logger    *slog.Logger
	collector *metrics.Collector
	now       func() time.Time

	mu    sync.Mutex
	flock *flock.Flock
	stamp stamp

	order *list.List // of string, oldest at the front
	elems map[string]*list.Element
	sizes map[string]int64
	total int64
}

// Open opens (or creates) the cache whose state lives in dir. maxSize is the
// byte budget.
func Open(dir string, maxSize int64, opts ...Option) (*FileLRU, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("max size must be positive, got %d", maxSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache state directory: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	c := &FileLRU{
		dir:     absDir,
		maxSize: maxSize,
		logger:  slog.Default(),
		now:     time.Now,
		flock:   flock.New(filepath.Join(absDir, lockFile)),
		order:   list.New(),
		elems:   make(map[string]*list.Element),
		sizes:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(c)
	}

	unlock, err := c.lock()
	if err != nil {
		return nil, err
	}
	unlock()
	return c, nil
}

// Dir returns the state directory.
func (c *FileLRU) Dir() string { return c.dir }

// MaxSize returns the byte budget.
func (c *FileLRU) MaxSize() int64 { return c.maxSize }

// lock takes the in-process and cross-process locks and brings the in-memory
// state up to date with whatever other processes have persisted.
func (c *FileLRU) lock() (func(), error) {
	c.mu.Lock()
	if err := c.flock.Lock(); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to lock cache state: %w", err)
	}
	unlock := func() {
		if err := c.flock.Unlock(); err != nil {
			c.logger.Warn("failed to unlock cache state", "dir", c.dir, "error", err)
		}
		c.mu.Unlock()
	}
	if err := c.reloadLocked(); err != nil {
		unlock()
		return nil, err
	}
	return unlock, nil
}

func (c *FileLRU) reloadLocked() error {
	current, err := readStamp(c.dir)
	if err != nil {
		return fmt.Errorf("failed to stat cache state: %w", err)
	}
	if current.equal(c.stamp) {
		return nil
	}

	st, err := loadState(c.dir)
	if err != nil {
		// Losing the registry only forgets which files are cached; the files
		// themselves remain valid and will be re-registered on use.
		c.logger.Error("discarding unreadable cache state", "dir", c.dir, "error", err)
		st = persistedState{Sizes: make(map[string]int64)}
	}

	c.order.Init()
	c.elems = make(map[string]*list.Element, len(st.Queue))
	c.sizes = make(map[string]int64, len(st.Queue))
	c.total = 0
	for _, p := range st.Queue {
		if _, dup := c.elems[p]; dup {
			continue
		}
		size := st.Sizes[p]
		c.elems[p] = c.order.PushBack(p)
		c.sizes[p] = size
		c.total += size
	}
	c.stamp = current
	return nil
}

func (c *FileLRU) saveLocked() error {
	st := persistedState{
		Queue: make([]string, 0, c.order.Len()),
		Sizes: make(map[string]int64, len(c.sizes)),
	}
	for e := c.order.Front(); e != nil; e = e.Next() {
		p := e.Value.(string)
		st.Queue = append(st.Queue, p)
		st.Sizes[p] = c.sizes[p]
	}
	if err := saveState(c.dir, st); err != nil {
		return err
	}
	current, err := readStamp(c.dir)
	if err != nil {
		return fmt.Errorf("failed to stat cache state: %w", err)
	}
	c.stamp = current
	c.collector.CacheState(c.total, c.order.Len())
	return nil
}

func normalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return abs, nil
}

// statSize returns the file's size, or ok=false if it does not exist.
func statSize(path string) (size int64, ok bool, err error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return info.Size(), true, nil
}

// Add registers path as the most recently used entry. Before admitting it,
// the oldest entries are evicted while the cache is at or over budget; a
// single file larger than the budget is therefore still admitted, leaving the
// cache over budget until the next Add.
//
// The file need not exist yet. If it does, its size is recorded now;
// otherwise it is registered with size zero and sized on first validation.
func (c *FileLRU) Add(path string) error {
	p, err := normalize(path)
	if err != nil {
		return err
	}
	unlock, err := c.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := c.admitLocked(p); err != nil {
		return err
	}
	return c.saveLocked()
}

// admitLocked evicts from the head while the cache is at or over budget, then
// registers p at the tail with its current size.
func (c *FileLRU) admitLocked(p string) error {
	// Re-adding must not evict the entry being added.
	c.untrackLocked(p)
	for c.total >= c.maxSize && c.order.Len() > 0 {
		if _, err := c.popOldestLocked(); err != nil {
			return err
		}
	}

	size, _, err := statSize(p)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", p, err)
	}
	c.elems[p] = c.order.PushBack(p)
	c.sizes[p] = size
	c.total += size
	return nil
}

// Contains reports whether path is tracked and still present on disk. A
// tracked path whose file has disappeared is dropped from the cache.
func (c *FileLRU) Contains(path string) (bool, error) {
	p, err := normalize(path)
	if err != nil {
		return false, err
	}
	unlock, err := c.lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	if _, tracked := c.elems[p]; !tracked {
		return false, nil
	}
	present, changed, err := c.validateLocked(p)
	if err != nil {
		return false, err
	}
	if changed {
		if err := c.saveLocked(); err != nil {
			return false, err
		}
	}
	return present, nil
}

// Touch marks path as most recently used and re-validates its size. A file
// that exists but is not tracked is admitted like Add, evicting first. Returns false if the file
// does not exist, dropping any stale entry.
func (c *FileLRU) Touch(path string) (bool, error) {
	p, err := normalize(path)
	if err != nil {
		return false, err
	}
	unlock, err := c.lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	e, tracked := c.elems[p]
	if !tracked {
		_, ok, err := statSize(p)
		if err != nil {
			return false, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !ok {
			return false, nil
		}
		if err := c.admitLocked(p); err != nil {
			return false, err
		}
		return true, c.saveLocked()
	}

	present, _, err := c.validateLocked(p)
	if err != nil {
		return false, err
	}
	if present {
		c.order.MoveToBack(e)
	}
	return present, c.saveLocked()
}

// Remove stops tracking path without deleting the file. It reports whether
// the path was tracked.
func (c *FileLRU) Remove(path string) (bool, error) {
	p, err := normalize(path)
	if err != nil {
		return false, err
	}
	unlock, err := c.lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	if !c.untrackLocked(p) {
		return false, nil
	}
	return true, c.saveLocked()
}

// PopOldest evicts the least recently used entry: it is untracked and its
// file deleted. Deletion is best-effort; failures are logged. Returns
// ErrEmpty if nothing is tracked.
func (c *FileLRU) PopOldest() (string, error) {
	unlock, err := c.lock()
	if err != nil {
		return "", err
	}
	defer unlock()

	p, err := c.popOldestLocked()
	if err != nil {
		return "", err
	}
	return p, c.saveLocked()
}

func (c *FileLRU) popOldestLocked() (string, error) {
	front := c.order.Front()
	if front == nil {
		return "", ErrEmpty
	}
	p := front.Value.(string)
	size := c.sizes[p]
	c.untrackLocked(p)

	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("failed to delete evicted file", "path", p, "error", err)
	}
	c.logger.Debug("evicted cache entry", "path", p, "size", size, "total", c.total)
	c.collector.Eviction()
	return p, nil
}

// Size returns the total bytes tracked.
func (c *FileLRU) Size() (int64, error) {
	unlock, err := c.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()
	return c.total, nil
}

// Len returns the number of tracked entries.
func (c *FileLRU) Len() (int, error) {
	unlock, err := c.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()
	return c.order.Len(), nil
}

// Entries returns the tracked entries, oldest first.
func (c *FileLRU) Entries() ([]Entry, error) {
	unlock, err := c.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	entries := make([]Entry, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		p := e.Value.(string)
		entries = append(entries, Entry{Path: p, Size: c.sizes[p]})
	}
	return entries, nil
}

// CheckContent re-validates every entry, drops those whose files are gone,
// adjusts changed sizes and reconciles the total. It is meant to run
// out-of-band on a schedule, not on the hot path. If ctx is canceled the scan
// stops early; work done so far is kept.
func (c *FileLRU) CheckContent(ctx context.Context) (CheckReport, error) {
	unlock, err := c.lock()
	if err != nil {
		return CheckReport{}, err
	}
	defer unlock()

	var report CheckReport
	var scanErr error
	for e := c.order.Front(); e != nil; {
		if err := ctx.Err(); err != nil {
			scanErr = err
			break
		}
		next := e.Next()
		p := e.Value.(string)
		before := c.sizes[p]

		report.Checked++
		present, changed, err := c.validateLocked(p)
		if err != nil {
			scanErr = err
			break
		}
		switch {
		case !present:
			report.Removed++
			report.ReclaimedBytes += before
		case changed:
			report.Resized++
		}
		e = next
	}

	var sum int64
	for _, size := range c.sizes {
		sum += size
	}
	if sum != c.total {
		report.Drift = c.total - sum
		c.logger.Error("cache size accounting diverged",
			"error", ErrInvariantViolation,
			"dir", c.dir,
			"running_total", c.total,
			"recomputed_total", sum)
		c.total = sum
	}

	if scanErr == nil {
		if err := writeCheckedAt(c.dir, c.now()); err != nil {
			return report, err
		}
	}
	if err := c.saveLocked(); err != nil {
		return report, err
	}
	c.logger.Info("cache consistency scan finished",
		"dir", c.dir,
		"checked", report.Checked,
		"removed", report.Removed,
		"reclaimed_bytes", report.ReclaimedBytes,
		"resized", report.Resized)
	return report, scanErr
}

// CheckedAt returns when the last complete consistency scan finished, or
// the zero time if none has.
func (c *FileLRU) CheckedAt() (time.Time, error) {
	unlock, err := c.lock()
	if err != nil {
		return time.Time{}, err
	}
	defer unlock()
	return readCheckedAt(c.dir)
}

// NeedsCheck reports whether at least interval has passed since the last
// consistency scan.
func (c *FileLRU) NeedsCheck(interval time.Duration) (bool, error) {
	last, err := c.CheckedAt()
	if err != nil {
		return false, err
	}
	return last.IsZero() || c.now().Sub(last) >= interval, nil
}

// validateLocked re-stats a tracked path. Missing files are untracked; a
// changed size adjusts the total by the delta.
func (c *FileLRU) validateLocked(p string) (present, changed bool, err error) {
	size, ok, err := statSize(p)
	if err != nil {
		return false, false, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if !ok {
		c.logger.Debug("cached file disappeared", "path", p, "size", c.sizes[p])
		c.untrackLocked(p)
		return false, true, nil
	}
	if old := c.sizes[p]; old != size {
		c.sizes[p] = size
		c.total += size - old
		return true, true, nil
	}
	return true, false, nil
}

func (c *FileLRU) untrackLocked(p string) bool {
	e, ok := c.elems[p]
	if !ok {
		return false
	}
	c.order.Remove(e)
	delete(c.elems, p)
	c.total -= c.sizes[p]
	delete(c.sizes, p)
	return true
}
