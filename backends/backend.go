package backends

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent from a backend. It is an
	// expected, non-fatal condition.
	ErrNotFound = errors.New("not found")

	// ErrBackendUnavailable is returned for transient infrastructure failures
	// (connection loss, timeouts, throttling). Callers may retry.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Backend defines the capability set of a durable storage system.
//
// Implementations can be swapped to use different storage mechanisms.
//
// Implementations must be thread-safe and support concurrent operations.
// Keys are backend-relative slash paths (vpath.Path.Key). Download must never
// leave a partially written file at localPath on failure; the caller downloads
// into a temporary path and renames it into place.
type Backend interface {
	// Scheme returns the virtual path scheme this backend is registered under.
	Scheme() string

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Upload stores the file at localPath under key, replacing any previous value.
	Upload(ctx context.Context, localPath, key string) error

	// Download writes the value of key to localPath.
	// Returns ErrNotFound if key is absent.
	Download(ctx context.Context, key, localPath string) error

	// Timestamp returns the last-modified time of key.
	// Returns ErrNotFound if key is absent.
	Timestamp(ctx context.Context, key string) (time.Time, error)

	// Close performs any cleanup operations needed by the backend.
	Close() error
}

// UnavailableError describes a failed backend call that should be retried.
type UnavailableError struct {
	Scheme string
	Op     string
	Key    string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s %s %q: %v: %v", e.Scheme, e.Op, e.Key, ErrBackendUnavailable, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBackendUnavailable) match.
func (e *UnavailableError) Is(target error) bool { return target == ErrBackendUnavailable }

func unavailable(scheme, op, key string, err error) error {
	return &UnavailableError{Scheme: scheme, Op: op, Key: key, Err: err}
}

func notFound(scheme, key string) error {
	return fmt.Errorf("%s %q: %w", scheme, key, ErrNotFound)
}

// IsRetryable reports whether err is a transient backend condition.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
