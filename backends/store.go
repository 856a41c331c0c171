package backends

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardartoul/filememo/pkg/vpath"
)

// Store is the durable store: a static registry of backends keyed by scheme,
// searched in a fixed priority order for plain virtual paths.
//
// A key found in one backend is never copied into another automatically.
type Store struct {
	backends      map[string]Backend
	order         []string
	defaultScheme string
}

// NewStore creates a store searching backends in the given order. The first
// backend is the default upload target unless changed with SetDefault.
func NewStore(ordered ...Backend) (*Store, error) {
	if len(ordered) == 0 {
		return nil, errors.New("store requires at least one backend")
	}
	s := &Store{backends: make(map[string]Backend, len(ordered))}
	for _, b := range ordered {
		scheme := b.Scheme()
		if _, dup := s.backends[scheme]; dup {
			return nil, fmt.Errorf("duplicate backend scheme %q", scheme)
		}
		s.backends[scheme] = b
		s.order = append(s.order, scheme)
	}
	s.defaultScheme = s.order[0]
	return s, nil
}

// SetDefault selects the backend plain paths are uploaded to.
func (s *Store) SetDefault(scheme string) error {
	if _, ok := s.backends[scheme]; !ok {
		return fmt.Errorf("unknown backend scheme %q", scheme)
	}
	s.defaultScheme = scheme
	return nil
}

// Default returns the default upload backend.
func (s *Store) Default() Backend {
	return s.backends[s.defaultScheme]
}

// Order returns the search priority.
func (s *Store) Order() []string {
	return append([]string(nil), s.order...)
}

// Backend returns the backend registered under scheme.
func (s *Store) Backend(scheme string) (Backend, bool) {
	b, ok := s.backends[scheme]
	return b, ok
}

// Resolve returns the backend holding p.
//
// Opaque paths are looked up only in their own backend. Plain paths are
// checked with Exists in priority order and the first hit wins. A backend that
// fails does not end the search, but if no backend reports the key and any of
// them failed, the failure is returned instead of ErrNotFound since absence
// could not be established.
func (s *Store) Resolve(ctx context.Context, p vpath.Path) (Backend, error) {
	if p.IsOpaque() {
		b, err := s.target(p)
		if err != nil {
			return nil, err
		}
		ok, err := b.Exists(ctx, p.Key())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, notFound(b.Scheme(), p.Key())
		}
		return b, nil
	}

	var errs []error
	for _, scheme := range s.order {
		b := s.backends[scheme]
		ok, err := b.Exists(ctx, p.Key())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return b, nil
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, fmt.Errorf("%q in any of %v: %w", p.Key(), s.order, ErrNotFound)
}

// Exists reports whether p is present in any eligible backend.
func (s *Store) Exists(ctx context.Context, p vpath.Path) (bool, error) {
	_, err := s.Resolve(ctx, p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Timestamp returns the last-modified time of p in the backend that holds it.
func (s *Store) Timestamp(ctx context.Context, p vpath.Path) (time.Time, error) {
	b, err := s.Resolve(ctx, p)
	if err != nil {
		return time.Time{}, err
	}
	return b.Timestamp(ctx, p.Key())
}

// Download resolves p and writes it to localPath.
func (s *Store) Download(ctx context.Context, p vpath.Path, localPath string) error {
	b, err := s.Resolve(ctx, p)
	if err != nil {
		return err
	}
	return b.Download(ctx, p.Key(), localPath)
}

// Upload writes localPath to p's backend: the scheme's backend for opaque
// paths, the default backend for plain ones.
func (s *Store) Upload(ctx context.Context, localPath string, p vpath.Path) error {
	b, err := s.target(p)
	if err != nil {
		return err
	}
	return b.Upload(ctx, localPath, p.Key())
}

// Close closes every backend.
func (s *Store) Close() error {
	var errs []error
	for _, scheme := range s.order {
		if err := s.backends[scheme].Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s backend: %w", scheme, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) target(p vpath.Path) (Backend, error) {
	if !p.IsOpaque() {
		return s.Default(), nil
	}
	b, ok := s.backends[p.Scheme()]
	if !ok {
		return nil, fmt.Errorf("no backend registered for scheme %q", p.Scheme())
	}
	return b, nil
}
