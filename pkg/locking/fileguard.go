package locking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/opencontainers/go-digest"
)

// leaseRecord is the on-disk form of a lease.
type leaseRecord struct {
	Key    string    `json:"key"`
	Token  string    `json:"token"`
	Holder string    `json:"holder"`
	Expiry time.Time `json:"expiry"`
}

// FileGuard keeps leases as files in a directory shared by every participant,
// typically a network filesystem mount. A single lock file serializes the
// check-and-set of all leases; it is held only for the duration of one small
// read and write.
type FileGuard struct {
	dir  string
	opts guardOptions

	// mu serializes goroutines sharing this guard; lock only excludes other
	// processes, since one flock handle is already held by any of them.
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFileGuard creates dir if needed and returns a FileGuard rooted there.
func NewFileGuard(dir string, opts ...GuardOption) (*FileGuard, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lease directory: %w", err)
	}
	return &FileGuard{
		dir:  dir,
		opts: applyGuardOptions(opts),
		lock: flock.New(filepath.Join(dir, "guard.lock")),
	}, nil
}

func (g *FileGuard) leasePath(key string) string {
	return filepath.Join(g.dir, digest.FromString(key).Encoded()+".lease")
}

func (g *FileGuard) withLock(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock lease directory: %w", err)
	}
	defer g.lock.Unlock()
	return fn()
}

func (g *FileGuard) read(key string) (*leaseRecord, error) {
	data, err := os.ReadFile(g.leasePath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}
	var rec leaseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// A torn or foreign file cannot be honored; treat it as expired.
		g.opts.logger.Warn("ignoring unreadable lease file", "key", key, "error", err)
		return nil, nil
	}
	return &rec, nil
}

func (g *FileGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	lease, err := newLease(g.opts, key, ttl)
	if err != nil {
		return nil, err
	}

	err = g.withLock(func() error {
		held, err := g.read(key)
		if err != nil {
			return err
		}
		if held != nil && g.opts.now().Before(held.Expiry) {
			return &AlreadyRunningError{Key: key, Holder: held.Holder, Expiry: held.Expiry}
		}
		if held != nil {
			g.opts.logger.Info("taking over expired lease",
				"key", key, "previous_holder", held.Holder, "expired_at", held.Expiry)
		}

		data, err := json.Marshal(leaseRecord{
			Key:    key,
			Token:  lease.Token,
			Holder: lease.Holder,
			Expiry: lease.Expiry,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal lease: %w", err)
		}
		path := g.leasePath(key)
		tmpPath := path + ".tmp"
		if err := os.WriteFile(tmpPath, data, 0644); err != nil {
			return fmt.Errorf("failed to write temp lease: %w", err)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to rename lease: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (g *FileGuard) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	return g.withLock(func() error {
		held, err := g.read(lease.Key)
		if err != nil {
			return err
		}
		if held == nil {
			return nil
		}
		if held.Token != lease.Token {
			g.opts.logger.Warn("lease was taken over before release",
				"key", lease.Key, "holder", held.Holder)
			return nil
		}
		if err := os.Remove(g.leasePath(lease.Key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove lease: %w", err)
		}
		return nil
	})
}
