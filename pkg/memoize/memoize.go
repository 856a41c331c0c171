// Package memoize wraps file-producing functions so each distinct set of
// inputs is computed at most once across a cluster.
//
// A wrapped call composes, in this order: a durable-store lookup (with an
// optional freshness threshold), a non-blocking execution guard on the call's
// key, resolution of virtual-path arguments to local files, the computation
// itself, and an upload of its output. The order is what makes the result
// correct under concurrency and must not be rearranged.
package memoize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"reflect"
	"time"

	"github.com/richardartoul/filememo/pkg/fingerprint"
	"github.com/richardartoul/filememo/pkg/locking"
	"github.com/richardartoul/filememo/pkg/metrics"
	"github.com/richardartoul/filememo/pkg/tiered"
	"github.com/richardartoul/filememo/pkg/vpath"
)

// DefaultLeaseTTL bounds how long a crashed worker can block a key.
const DefaultLeaseTTL = time.Hour

var (
	// ErrStaleEntry classifies a stored result older than the caller's
	// freshness threshold. It is logged and treated as a miss, never returned.
	ErrStaleEntry = errors.New("stale entry")

	// ErrNotAFile is returned when a wrapped function's result is neither a
	// local file path nor classified as ignorable.
	ErrNotAFile = errors.New("result is not a local file path")
)

// Func is a unit of work. It returns the path of a local file it produced, or
// a payload that Options.Ignore recognizes.
type Func func(ctx context.Context, args ...any) (any, error)

// Options control how a wrapped function's results are keyed and stored.
type Options struct {
	// Output, if set, is the fixed name of the result under Prefix instead of
	// a fingerprint of the arguments.
	Output string
	// KeyArgs selects the argument positions that determine the key. Nil
	// means all arguments.
	KeyArgs []int
	// Prefix is prepended to every result path.
	Prefix string
	// Ext is appended to fingerprinted result names, e.g. ".tif".
	Ext string
	// Scheme pins results to one backend. Empty means the store's default
	// for writes and a priority search for reads.
	Scheme string
	// MinFreshness, if non-zero, rejects stored results whose timestamp is
	// not strictly after it.
	MinFreshness time.Time
	// Ignore reports results that are returned as-is without being stored.
	Ignore func(result any) bool
	// Placement selects how the produced file enters the local cache.
	Placement tiered.Placement
	// LeaseTTL is the execution guard lease. Zero means DefaultLeaseTTL.
	LeaseTTL time.Duration
}

// Memoizer wraps functions with durable memoization.
type Memoizer struct {
	resolver  *tiered.Resolver
	guard     locking.Guard
	hasher    *fingerprint.Hasher
	logger    *slog.Logger
	collector *metrics.Collector
}

// Option configures a Memoizer.
type Option func(*Memoizer)

// WithHasher sets the fingerprint hasher, e.g. to change float precision.
func WithHasher(h *fingerprint.Hasher) Option {
	return func(m *Memoizer) { m.hasher = h }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Memoizer) { m.logger = logger }
}

// WithCollector sets the metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(m *Memoizer) { m.collector = c }
}

// New creates a Memoizer.
func New(resolver *tiered.Resolver, guard locking.Guard, opts ...Option) *Memoizer {
	m := &Memoizer{
		resolver: resolver,
		guard:    guard,
		hasher:   fingerprint.New(fingerprint.DefaultDigits),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap returns fn memoized under name. On success the wrapped function
// returns the result's vpath.Path, or the raw result if opts.Ignore matched.
// Errors from fn are returned unchanged, as is locking.ErrAlreadyRunning
// when another worker is computing the same key.
func (m *Memoizer) Wrap(name string, fn Func, opts Options) Func {
	return func(ctx context.Context, args ...any) (any, error) {
		return m.call(ctx, name, fn, opts, args)
	}
}

// Path returns the virtual path a call to the function wrapped under name
// with args stores its result at.
func (m *Memoizer) Path(name string, opts Options, args ...any) (vpath.Path, error) {
	if name == "" {
		return vpath.Path{}, errors.New("function name cannot be empty")
	}
	var key string
	if opts.Output != "" {
		key = path.Join(opts.Prefix, opts.Output)
	} else {
		keyArgs, err := selectArgs(args, opts.KeyArgs)
		if err != nil {
			return vpath.Path{}, err
		}
		key = path.Join(opts.Prefix, name, m.hasher.Sum(keyArgs)+opts.Ext)
	}
	if opts.Scheme != "" {
		return vpath.New(opts.Scheme, key)
	}
	return vpath.Plain(key)
}

func selectArgs(args []any, positions []int) ([]any, error) {
	if positions == nil {
		return args, nil
	}
	selected := make([]any, 0, len(positions))
	for _, i := range positions {
		if i < 0 || i >= len(args) {
			return nil, fmt.Errorf("key argument %d out of range for %d arguments", i, len(args))
		}
		selected = append(selected, args[i])
	}
	return selected, nil
}

func (m *Memoizer) call(ctx context.Context, name string, fn Func, opts Options, args []any) (any, error) {
	p, err := m.Path(name, opts, args...)
	if err != nil {
		return nil, err
	}
	logger := m.logger.With("func", name, "path", p.String())

	hit, stale, err := m.lookup(ctx, p, opts.MinFreshness, logger)
	if err != nil {
		m.collector.MemoResult(metrics.ResultError)
		return nil, err
	}
	if hit {
		m.collector.MemoResult(metrics.ResultHit)
		return p, nil
	}

	ttl := opts.LeaseTTL
	if ttl == 0 {
		ttl = DefaultLeaseTTL
	}
	guardKey := m.hasher.Sum(p.String())

	var (
		result   any
		acquired bool
	)
	err = locking.Do(ctx, m.guard, guardKey, ttl, func(ctx context.Context) error {
		acquired = true
		m.collector.GuardAcquire(metrics.ResultAcquired)
		start := time.Now()

		resolved, err := m.resolveArgs(ctx, args)
		if err != nil {
			return err
		}
		out, err := fn(ctx, resolved...)
		if err != nil {
			return err
		}
		if opts.Ignore != nil && opts.Ignore(out) {
			m.collector.MemoResult(metrics.ResultIgnored)
			logger.Debug("result ignored", "result_type", fmt.Sprintf("%T", out))
			result = out
			return nil
		}
		local, ok := out.(string)
		if !ok || local == "" {
			return fmt.Errorf("%s returned %T: %w", name, out, ErrNotAFile)
		}
		if err := m.resolver.Upload(ctx, local, p, opts.Placement); err != nil {
			return err
		}
		if stale {
			m.collector.MemoResult(metrics.ResultStale)
		} else {
			m.collector.MemoResult(metrics.ResultMiss)
		}
		logger.Info("computed and stored", "duration", time.Since(start))
		result = p
		return nil
	})
	if err != nil {
		switch {
		case !acquired && errors.Is(err, locking.ErrAlreadyRunning):
			m.collector.GuardAcquire(metrics.ResultContended)
			m.collector.MemoResult(metrics.ResultContended)
		case !acquired:
			m.collector.GuardAcquire(metrics.ResultError)
			m.collector.MemoResult(metrics.ResultError)
		default:
			m.collector.MemoResult(metrics.ResultError)
		}
		return nil, err
	}
	return result, nil
}

// lookup reports whether p is stored and fresh enough to reuse, and whether
// it is stored but older than minFreshness.
func (m *Memoizer) lookup(ctx context.Context, p vpath.Path, minFreshness time.Time, logger *slog.Logger) (hit, stale bool, err error) {
	ok, err := m.resolver.InStorage(ctx, p)
	if err != nil || !ok {
		return false, false, err
	}
	if minFreshness.IsZero() {
		return true, false, nil
	}
	ts, err := m.resolver.Timestamp(ctx, p)
	if err != nil {
		return false, false, err
	}
	if ts.After(minFreshness) {
		return true, false, nil
	}
	logger.Info("recomputing stale entry",
		"error", ErrStaleEntry,
		"timestamp", ts,
		"min_freshness", minFreshness)
	return false, true, nil
}

// resolveArgs replaces virtual-path arguments with local files. Paths held
// directly in a slice, array or map argument (typed or not) and in a
// fingerprint.Map are resolved too; anything deeper is passed through
// untouched. A container holding paths is passed on as []any or map[K]any;
// one holding none is passed on unchanged.
func (m *Memoizer) resolveArgs(ctx context.Context, args []any) ([]any, error) {
	resolved := make([]any, len(args))
	for i, arg := range args {
		v, err := m.resolveArg(ctx, arg, true)
		if err != nil {
			return nil, err
		}
		resolved[i] = v
	}
	return resolved, nil
}

var anyType = reflect.TypeOf((*any)(nil)).Elem()

func isPath(v any) bool {
	switch p := v.(type) {
	case vpath.Path:
		return true
	case *vpath.Path:
		return p != nil
	}
	return false
}

func (m *Memoizer) resolveArg(ctx context.Context, arg any, descend bool) (any, error) {
	switch v := arg.(type) {
	case vpath.Path:
		return m.resolver.GetLocally(ctx, v)
	case *vpath.Path:
		if v == nil {
			return arg, nil
		}
		return m.resolver.GetLocally(ctx, *v)
	}
	if !descend {
		return arg, nil
	}

	if v, ok := arg.(fingerprint.Map); ok {
		out := make(fingerprint.Map, len(v))
		for i, kv := range v {
			r, err := m.resolveArg(ctx, kv.Value, false)
			if err != nil {
				return nil, err
			}
			out[i] = fingerprint.KV{Key: kv.Key, Value: r}
		}
		return out, nil
	}

	rv := reflect.ValueOf(arg)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		holdsPath := false
		for i := 0; i < rv.Len() && !holdsPath; i++ {
			holdsPath = isPath(rv.Index(i).Interface())
		}
		if !holdsPath {
			return arg, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			r, err := m.resolveArg(ctx, rv.Index(i).Interface(), false)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case reflect.Map:
		holdsPath := false
		for iter := rv.MapRange(); iter.Next() && !holdsPath; {
			holdsPath = isPath(iter.Value().Interface())
		}
		if !holdsPath {
			return arg, nil
		}
		out := reflect.MakeMapWithSize(reflect.MapOf(rv.Type().Key(), anyType), rv.Len())
		for iter := rv.MapRange(); iter.Next(); {
			r, err := m.resolveArg(ctx, iter.Value().Interface(), false)
			if err != nil {
				return nil, err
			}
			elem := reflect.New(anyType).Elem()
			if r != nil {
				elem.Set(reflect.ValueOf(r))
			}
			out.SetMapIndex(iter.Key(), elem)
		}
		return out.Interface(), nil
	}
	return arg, nil
}
