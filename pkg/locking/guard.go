package locking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Guard.Acquire when another holder owns
	// an unexpired lease on the key. It is the caller's job to retry later.
	ErrAlreadyRunning = errors.New("already running")

	// ErrInvalidLease is returned for a non-positive lease duration.
	ErrInvalidLease = errors.New("lease duration must be positive")
)

// Lease is a time-bounded exclusive hold on a key.
type Lease struct {
	Key    string
	Token  string
	Holder string
	Expiry time.Time

	// etag is the version of the stored lease object, for guards whose
	// backing store supports compare-and-swap.
	etag string
}

// AlreadyRunningError identifies the current holder of a contended key.
type AlreadyRunningError struct {
	Key    string
	Holder string
	Expiry time.Time
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%q: %v (held by %s until %s)", e.Key, ErrAlreadyRunning, e.Holder, e.Expiry.Format(time.RFC3339))
}

func (e *AlreadyRunningError) Is(target error) bool { return target == ErrAlreadyRunning }

// Guard provides cluster-wide single-flight leases.
//
// Acquire makes exactly one attempt: it never waits for a held lease to be
// released. An expired lease is taken over. Release only removes a lease that
// is still held under the caller's token, and is a no-op otherwise, so it is
// safe to call more than once.
type Guard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
}

// Do runs fn while holding a lease on key. The lease is released on every
// exit path of fn, including panics. A release failure is returned only if fn
// itself succeeded.
func Do(ctx context.Context, g Guard, key string, ttl time.Duration, fn func(ctx context.Context) error) (err error) {
	lease, err := g.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		// Release even if ctx was canceled while fn ran.
		if rerr := g.Release(context.WithoutCancel(ctx), lease); rerr != nil && err == nil {
			err = fmt.Errorf("failed to release lease: %w", rerr)
		}
	}()
	return fn(ctx)
}

// GuardOption configures a Guard implementation.
type GuardOption func(*guardOptions)

type guardOptions struct {
	holder string
	now    func() time.Time
	logger *slog.Logger
}

func defaultGuardOptions() guardOptions {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return guardOptions{
		holder: fmt.Sprintf("%s:%d", host, os.Getpid()),
		now:    time.Now,
		logger: slog.Default(),
	}
}

func applyGuardOptions(opts []GuardOption) guardOptions {
	o := defaultGuardOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithHolder sets the holder name recorded in leases. The default is
// "<hostname>:<pid>".
func WithHolder(holder string) GuardOption {
	return func(o *guardOptions) { o.holder = holder }
}

// WithClock overrides the time source used for lease expiry.
func WithClock(now func() time.Time) GuardOption {
	return func(o *guardOptions) { o.now = now }
}

// WithGuardLogger sets the logger.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(o *guardOptions) { o.logger = logger }
}

func newLease(o guardOptions, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%q: %w", key, ErrInvalidLease)
	}
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("failed to generate lease token: %w", err)
	}
	return &Lease{
		Key:    key,
		Token:  hex.EncodeToString(b[:]),
		Holder: o.holder,
		Expiry: o.now().Add(ttl),
	}, nil
}

// MemGuard is an in-process Guard. It excludes goroutines of one process
// only, which makes it suitable for single-node deployments and tests.
type MemGuard struct {
	opts guardOptions

	mu     sync.Mutex
	leases map[string]Lease
}

// NewMemGuard creates an empty MemGuard.
func NewMemGuard(opts ...GuardOption) *MemGuard {
	return &MemGuard{
		opts:   applyGuardOptions(opts),
		leases: make(map[string]Lease),
	}
}

func (g *MemGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	lease, err := newLease(g.opts, key, ttl)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if held, ok := g.leases[key]; ok && g.opts.now().Before(held.Expiry) {
		return nil, &AlreadyRunningError{Key: key, Holder: held.Holder, Expiry: held.Expiry}
	}
	g.leases[key] = *lease
	return lease, nil
}

func (g *MemGuard) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if held, ok := g.leases[lease.Key]; ok && held.Token == lease.Token {
		delete(g.leases, lease.Key)
	}
	return nil
}
