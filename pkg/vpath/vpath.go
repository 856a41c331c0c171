// Package vpath defines virtual paths: keys naming durable data independent of
// the machine or backend that stores it.
package vpath

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

const schemeSep = "://"

var (
	// ErrEmpty is returned when parsing an empty virtual path.
	ErrEmpty = errors.New("vpath: empty path")
	// ErrInvalid is returned for absolute or escaping paths and malformed schemes.
	ErrInvalid = errors.New("vpath: invalid path")
)

// Path is an immutable virtual path. A Path with a scheme is opaque and pins a
// single backend; a Path without one is plain and is resolved across every
// enabled backend in priority order.
type Path struct {
	scheme string
	key    string
}

// Parse parses "<scheme>://<path>" or a bare relative path.
func Parse(s string) (Path, error) {
	if s == "" {
		return Path{}, ErrEmpty
	}
	if i := strings.Index(s, schemeSep); i >= 0 {
		scheme := s[:i]
		if !validScheme(scheme) {
			return Path{}, fmt.Errorf("%w: bad scheme %q", ErrInvalid, scheme)
		}
		key, err := cleanKey(s[i+len(schemeSep):])
		if err != nil {
			return Path{}, err
		}
		return Path{scheme: scheme, key: key}, nil
	}
	key, err := cleanKey(s)
	if err != nil {
		return Path{}, err
	}
	return Path{key: key}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Plain returns a plain path for key.
func Plain(key string) (Path, error) {
	return New("", key)
}

// New returns a path for key tagged with scheme. An empty scheme yields a
// plain path.
func New(scheme, key string) (Path, error) {
	if scheme != "" && !validScheme(scheme) {
		return Path{}, fmt.Errorf("%w: bad scheme %q", ErrInvalid, scheme)
	}
	k, err := cleanKey(key)
	if err != nil {
		return Path{}, err
	}
	return Path{scheme: scheme, key: k}, nil
}

// Scheme returns the backend tag, or "" for plain paths.
func (p Path) Scheme() string { return p.scheme }

// Key returns the backend-relative slash path.
func (p Path) Key() string { return p.key }

// IsOpaque reports whether p is pinned to a single backend.
func (p Path) IsOpaque() bool { return p.scheme != "" }

// IsZero reports whether p is the zero Path.
func (p Path) IsZero() bool { return p.key == "" }

// Join returns a path with elems appended to p's key, keeping its scheme.
func (p Path) Join(elems ...string) (Path, error) {
	return New(p.scheme, path.Join(append([]string{p.key}, elems...)...))
}

func (p Path) String() string {
	if p.scheme == "" {
		return p.key
	}
	return p.scheme + schemeSep + p.key
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func cleanKey(key string) (string, error) {
	if key == "" {
		return "", ErrEmpty
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalid, key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q escapes its root", ErrInvalid, key)
	}
	return cleaned, nil
}

func validScheme(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}
