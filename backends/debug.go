package backends

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// Debug wraps any Backend and adds debug logging.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	out     io.Writer
}

// NewDebug creates a new debug wrapper around an existing backend.
// Output goes to stderr so it never interferes with the line protocol on stdout.
func NewDebug(backend Backend) *Debug {
	return &Debug{
		backend: backend,
		out:     os.Stderr,
	}
}

func (d *Debug) Scheme() string { return d.backend.Scheme() }

// Exists checks for a key with debug logging.
func (d *Debug) Exists(ctx context.Context, key string) (bool, error) {
	fmt.Fprintf(d.out, "[DEBUG] %s Exists: key=%s\n", d.Scheme(), key)

	ok, err := d.backend.Exists(ctx, key)

	if err != nil {
		fmt.Fprintf(d.out, "[DEBUG] %s Exists: ERROR: %v\n", d.Scheme(), err)
		return ok, err
	}

	fmt.Fprintf(d.out, "[DEBUG] %s Exists: %t\n", d.Scheme(), ok)
	return ok, nil
}

// Upload stores a file with debug logging.
func (d *Debug) Upload(ctx context.Context, localPath, key string) error {
	fmt.Fprintf(d.out, "[DEBUG] %s Upload: key=%s, from=%s\n", d.Scheme(), key, localPath)

	err := d.backend.Upload(ctx, localPath, key)

	if err != nil {
		fmt.Fprintf(d.out, "[DEBUG] %s Upload: ERROR: %v\n", d.Scheme(), err)
		return err
	}

	fmt.Fprintf(d.out, "[DEBUG] %s Upload: stored %s\n", d.Scheme(), key)
	return nil
}

// Download retrieves a file with debug logging.
func (d *Debug) Download(ctx context.Context, key, localPath string) error {
	fmt.Fprintf(d.out, "[DEBUG] %s Download: key=%s, to=%s\n", d.Scheme(), key, localPath)

	err := d.backend.Download(ctx, key, localPath)

	if err != nil {
		fmt.Fprintf(d.out, "[DEBUG] %s Download: ERROR: %v\n", d.Scheme(), err)
		return err
	}

	fmt.Fprintf(d.out, "[DEBUG] %s Download: HIT written to %s\n", d.Scheme(), localPath)
	return nil
}

// Timestamp looks up a key's modification time with debug logging.
func (d *Debug) Timestamp(ctx context.Context, key string) (time.Time, error) {
	fmt.Fprintf(d.out, "[DEBUG] %s Timestamp: key=%s\n", d.Scheme(), key)

	ts, err := d.backend.Timestamp(ctx, key)

	if err != nil {
		fmt.Fprintf(d.out, "[DEBUG] %s Timestamp: ERROR: %v\n", d.Scheme(), err)
		return ts, err
	}

	fmt.Fprintf(d.out, "[DEBUG] %s Timestamp: %s\n", d.Scheme(), ts.Format(time.RFC3339))
	return ts, nil
}

// Close performs cleanup operations with debug logging.
func (d *Debug) Close() error {
	fmt.Fprintf(d.out, "[DEBUG] %s Close: closing backend\n", d.Scheme())

	err := d.backend.Close()

	if err != nil {
		fmt.Fprintf(d.out, "[DEBUG] %s Close: ERROR: %v\n", d.Scheme(), err)
	}

	return err
}
