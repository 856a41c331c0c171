package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FSScheme is the scheme of the mounted-filesystem backend.
const FSScheme = "fs"

// FS stores values as files under a root directory, typically a network
// filesystem mounted on every worker.
type FS struct {
	root   string
	scheme string
}

// NewFS creates a filesystem backend rooted at root.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backend root: %w", err)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	return &FS{root: absRoot, scheme: FSScheme}, nil
}

// WithScheme returns a copy of the backend registered under scheme, which
// lets several mounts coexist in one store.
func (f *FS) WithScheme(scheme string) *FS {
	c := *f
	c.scheme = scheme
	return &c
}

func (f *FS) Scheme() string { return f.scheme }

// Root returns the absolute root directory.
func (f *FS) Root() string { return f.root }

func (f *FS) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f *FS) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable(f.scheme, "exists", key, err)
	}
	info, err := os.Stat(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(f.scheme, "exists", key, err)
	}
	return info.Mode().IsRegular(), nil
}

func (f *FS) Upload(ctx context.Context, localPath, key string) error {
	dst := f.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return unavailable(f.scheme, "upload", key, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open upload source: %w", err)
	}
	defer src.Close()

	// Write to temp file first so readers never observe a partial value.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return unavailable(f.scheme, "upload", key, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, err = io.Copy(tmp, &ctxReader{ctx: ctx, r: src})
	closeErr := tmp.Close()
	if err != nil {
		return unavailable(f.scheme, "upload", key, err)
	}
	if closeErr != nil {
		return unavailable(f.scheme, "upload", key, closeErr)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return unavailable(f.scheme, "upload", key, err)
	}
	return nil
}

func (f *FS) Download(ctx context.Context, key, localPath string) error {
	src, err := os.Open(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(f.scheme, key)
	}
	if err != nil {
		return unavailable(f.scheme, "download", key, err)
	}
	defer src.Close()

	if err := writeFile(localPath, &ctxReader{ctx: ctx, r: src}); err != nil {
		return unavailable(f.scheme, "download", key, err)
	}
	return nil
}

func (f *FS) Timestamp(ctx context.Context, key string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, unavailable(f.scheme, "timestamp", key, err)
	}
	info, err := os.Stat(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, notFound(f.scheme, key)
	}
	if err != nil {
		return time.Time{}, unavailable(f.scheme, "timestamp", key, err)
	}
	return info.ModTime(), nil
}

func (f *FS) Close() error { return nil }

// ctxReader aborts a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// writeFile copies r into a new file at path, creating parent directories.
// The file is removed again if the copy fails.
func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	_, err = io.Copy(out, r)
	closeErr := out.Close()
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if closeErr != nil {
		os.Remove(path)
		return fmt.Errorf("failed to close file: %w", closeErr)
	}
	return nil
}
