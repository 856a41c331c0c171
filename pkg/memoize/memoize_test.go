package memoize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/filememo/backends"
	"github.com/richardartoul/filememo/internal/s3test"
	"github.com/richardartoul/filememo/pkg/filecache"
	"github.com/richardartoul/filememo/pkg/fingerprint"
	"github.com/richardartoul/filememo/pkg/locking"
	"github.com/richardartoul/filememo/pkg/metrics"
	"github.com/richardartoul/filememo/pkg/tiered"
	"github.com/richardartoul/filememo/pkg/vpath"
)

type fixture struct {
	memo     *Memoizer
	resolver *tiered.Resolver
	fs       *backends.FS
	guard    *locking.MemGuard
	work     string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fs, err := backends.NewFS(t.TempDir())
	require.NoError(t, err)
	store, err := backends.NewStore(fs)
	require.NoError(t, err)
	cache, err := filecache.Open(t.TempDir(), 1<<20, filecache.WithLogger(logger))
	require.NoError(t, err)
	resolver, err := tiered.New(store, cache, t.TempDir(), tiered.WithLogger(logger))
	require.NoError(t, err)

	guard := locking.NewMemGuard()
	opts = append([]Option{WithLogger(logger)}, opts...)
	return &fixture{
		memo:     New(resolver, guard, opts...),
		resolver: resolver,
		fs:       fs,
		guard:    guard,
		work:     t.TempDir(),
	}
}

// producer returns a Func that writes its arguments to a new file and counts
// its invocations.
func (f *fixture) producer(calls *atomic.Int32) Func {
	return func(ctx context.Context, args ...any) (any, error) {
		n := calls.Add(1)
		out := filepath.Join(f.work, fmt.Sprintf("out-%d", n))
		if err := os.WriteFile(out, []byte(fmt.Sprint(args...)), 0644); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func readLocal(t *testing.T, f *fixture, v any) string {
	t.Helper()
	p, ok := v.(vpath.Path)
	require.True(t, ok, "got %T", v)
	local, err := f.resolver.GetLocally(context.Background(), p)
	require.NoError(t, err)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	return string(data)
}

func TestComputesOnceThenReuses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	render := f.memo.Wrap("render", f.producer(&calls), Options{Prefix: "tiles", Ext: ".png"})

	first, err := render(ctx, 7, 12, 0.5)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "7 12 0.5", readLocal(t, f, first))

	p := first.(vpath.Path)
	assert.Equal(t, "tiles/render/"+fingerprint.Sum([]any{7, 12, 0.5})+".png", p.String())

	second, err := render(ctx, 7, 12, 0.5)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	// Equal up to float precision.
	third, err := render(ctx, 7, 12, 0.5000000001)
	require.NoError(t, err)
	assert.Equal(t, first, third)
	assert.Equal(t, int32(1), calls.Load())

	_, err = render(ctx, 7, 13, 0.5)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFreshnessThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	threshold := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	opts := Options{Output: "daily/mosaic.tif", MinFreshness: threshold}
	mosaic := f.memo.Wrap("mosaic", f.producer(&calls), opts)

	seed := filepath.Join(t.TempDir(), "old")
	require.NoError(t, os.WriteFile(seed, []byte("old"), 0644))
	require.NoError(t, f.fs.Upload(ctx, seed, "daily/mosaic.tif"))
	stored := filepath.Join(f.fs.Root(), "daily", "mosaic.tif")

	// timestamp == threshold is not fresh.
	require.NoError(t, os.Chtimes(stored, threshold, threshold))
	v, err := mosaic(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "stale entry recomputed")
	assert.Equal(t, vpath.MustParse("daily/mosaic.tif"), v)

	// timestamp > threshold is reused.
	later := threshold.Add(time.Second)
	require.NoError(t, os.Chtimes(stored, later, later))
	_, err = mosaic(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "fresh entry reused")

	earlier := threshold.Add(-time.Hour)
	require.NoError(t, os.Chtimes(stored, earlier, earlier))
	_, err = mosaic(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlreadyRunningPropagates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var inner error
	var wrapped Func
	wrapped = f.memo.Wrap("slow", func(ctx context.Context, args ...any) (any, error) {
		// A second caller for the same key while this one holds the guard.
		_, inner = wrapped(ctx, args...)
		out := filepath.Join(f.work, "slow")
		return out, os.WriteFile(out, []byte("done"), 0644)
	}, Options{})

	v, err := wrapped(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "done", readLocal(t, f, v))
	require.ErrorIs(t, inner, locking.ErrAlreadyRunning)
}

func TestAlreadyRunningDoesNotRunFn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	opts := Options{Output: "busy"}
	busy := f.memo.Wrap("busy", f.producer(&calls), opts)

	p, err := f.memo.Path("busy", opts)
	require.NoError(t, err)
	lease, err := f.guard.Acquire(ctx, fingerprint.Sum(p.String()), time.Hour)
	require.NoError(t, err)

	_, err = busy(ctx)
	var are *locking.AlreadyRunningError
	require.ErrorAs(t, err, &are)
	assert.Equal(t, int32(0), calls.Load())

	require.NoError(t, f.guard.Release(ctx, lease))
	_, err = busy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFnErrorReturnedUnchangedAndGuardReleased(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	boom := errors.New("raster out of bounds")
	failing := f.memo.Wrap("sample", func(context.Context, ...any) (any, error) {
		return nil, boom
	}, Options{})

	_, err := failing(ctx, 1)
	assert.Same(t, boom, err)

	// Released: a retry runs fn again instead of reporting contention.
	_, err = failing(ctx, 1)
	assert.Same(t, boom, err)

	p, err := f.memo.Path("sample", Options{}, 1)
	require.NoError(t, err)
	ok, err := f.resolver.InStorage(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok, "nothing stored")
}

func TestGuardReleasedOnPanic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	panicked := false
	fn := f.memo.Wrap("flaky", func(ctx context.Context, args ...any) (any, error) {
		if !panicked {
			panicked = true
			panic("driver crashed")
		}
		return f.producer(&calls)(ctx, args...)
	}, Options{})

	assert.Panics(t, func() { _, _ = fn(ctx, "x") })
	_, err := fn(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIgnoredResultsAreNotStored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	type failure struct{ Reason string }
	opts := Options{Ignore: func(v any) bool {
		_, ok := v.(failure)
		return ok
	}}
	fn := f.memo.Wrap("maybe", func(context.Context, ...any) (any, error) {
		return failure{Reason: "no data"}, nil
	}, opts)

	v, err := fn(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, failure{Reason: "no data"}, v)

	p, err := f.memo.Path("maybe", opts, "a")
	require.NoError(t, err)
	ok, err := f.resolver.InStorage(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNonFileResultIsAnError(t *testing.T) {
	f := newFixture(t)
	fn := f.memo.Wrap("bad", func(context.Context, ...any) (any, error) {
		return 42, nil
	}, Options{})
	_, err := fn(context.Background())
	assert.ErrorIs(t, err, ErrNotAFile)
}

func TestVirtualPathArgumentsAreResolved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	src := filepath.Join(t.TempDir(), "dem")
	require.NoError(t, os.WriteFile(src, []byte("elevation"), 0644))
	input := vpath.MustParse("inputs/dem.tif")
	require.NoError(t, f.resolver.Upload(ctx, src, input, tiered.PlaceCopy))
	local := f.resolver.LocalPath(input)

	var got []any
	fn := f.memo.Wrap("hillshade", func(ctx context.Context, args ...any) (any, error) {
		got = args
		out := filepath.Join(f.work, "hillshade")
		return out, os.WriteFile(out, nil, 0644)
	}, Options{})

	nested := [][]any{{input}}
	_, err := fn(ctx,
		input,
		&input,
		[]any{input, "x"},
		map[string]any{"dem": input},
		fingerprint.Map{{Key: "dem", Value: input}},
		nested,
		[]vpath.Path{input},
		map[string]vpath.Path{"dem": input},
		[1]*vpath.Path{&input},
		[]string{"a", "b"},
	)
	require.NoError(t, err)
	require.Len(t, got, 10)

	assert.Equal(t, local, got[0])
	assert.Equal(t, local, got[1])
	assert.Equal(t, []any{local, "x"}, got[2])
	assert.Equal(t, map[string]any{"dem": local}, got[3])
	assert.Equal(t, fingerprint.Map{{Key: "dem", Value: local}}, got[4])
	// One level only.
	assert.Equal(t, nested, got[5])
	assert.Equal(t, []any{local}, got[6])
	assert.Equal(t, map[string]any{"dem": local}, got[7])
	assert.Equal(t, []any{local}, got[8])
	// Containers without paths keep their type.
	assert.Equal(t, []string{"a", "b"}, got[9])
}

func TestMissingInputFailsBeforeFn(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	fn := f.memo.Wrap("needs-input", f.producer(&calls), Options{})

	_, err := fn(context.Background(), vpath.MustParse("inputs/missing.tif"))
	assert.ErrorIs(t, err, backends.ErrNotFound)
	assert.Equal(t, int32(0), calls.Load())
}

func TestKeyArgsSelectsKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	fn := f.memo.Wrap("sample", f.producer(&calls), Options{KeyArgs: []int{0}})

	a, err := fn(ctx, "scene-1", "verbose")
	require.NoError(t, err)
	b, err := fn(ctx, "scene-1", "quiet")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, int32(1), calls.Load())

	_, err = f.memo.Path("sample", Options{KeyArgs: []int{3}}, "a")
	assert.Error(t, err)
	_, err = f.memo.Path("", Options{})
	assert.Error(t, err)
}

func TestSchemePinsBackend(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	fn := f.memo.Wrap("pinned", f.producer(&calls), Options{Scheme: backends.FSScheme, Output: "out.bin"})

	v, err := fn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, vpath.MustParse("fs://out.bin"), v)
	assert.FileExists(t, filepath.Join(f.fs.Root(), "out.bin"))
}

func TestBackendUnavailableIsSurfaced(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := s3test.New()
	s3b, err := backends.NewS3(fake, backends.S3Config{Bucket: "results"})
	require.NoError(t, err)
	store, err := backends.NewStore(s3b)
	require.NoError(t, err)
	cache, err := filecache.Open(t.TempDir(), 1<<20, filecache.WithLogger(logger))
	require.NoError(t, err)
	resolver, err := tiered.New(store, cache, t.TempDir(), tiered.WithLogger(logger))
	require.NoError(t, err)
	m := New(resolver, locking.NewMemGuard(), WithLogger(logger))

	fake.Err = errors.New("503 slow down")
	var calls atomic.Int32
	fn := m.Wrap("x", func(context.Context, ...any) (any, error) {
		calls.Add(1)
		return "", nil
	}, Options{})

	_, err = fn(context.Background(), 1)
	assert.ErrorIs(t, err, backends.ErrBackendUnavailable)
	assert.Equal(t, int32(0), calls.Load())
}

func TestCollectorCountsOutcomes(t *testing.T) {
	ctx := context.Background()
	collector := metrics.NewCollector("memo_test")
	f := newFixture(t, WithCollector(collector))
	var calls atomic.Int32
	fn := f.memo.Wrap("count", f.producer(&calls), Options{})

	_, err := fn(ctx, 1)
	require.NoError(t, err)
	_, err = fn(ctx, 1)
	require.NoError(t, err)

	byResult := memoResults(t, collector)
	assert.Equal(t, 1.0, byResult[metrics.ResultMiss])
	assert.Equal(t, 1.0, byResult[metrics.ResultHit])
	n, err := testutil.GatherAndCount(collector.Registry(), "memo_test_guard_acquires_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCustomHasherPrecision(t *testing.T) {
	f := newFixture(t, WithHasher(fingerprint.New(2)))
	a, err := f.memo.Path("p", Options{}, 1.001)
	require.NoError(t, err)
	b, err := f.memo.Path("p", Options{}, 1.004)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func memoResults(t *testing.T, collector *metrics.Collector) map[string]float64 {
	t.Helper()
	families, err := collector.Registry().Gather()
	require.NoError(t, err)
	byResult := make(map[string]float64)
	for _, mf := range families {
		if mf.GetName() != "memo_test_memo_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				byResult[l.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	return byResult
}

func TestStaleRecomputeCountsOneOutcome(t *testing.T) {
	ctx := context.Background()
	collector := metrics.NewCollector("memo_test")
	f := newFixture(t, WithCollector(collector))
	var calls atomic.Int32
	threshold := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	fn := f.memo.Wrap("mosaic", f.producer(&calls), Options{Output: "daily/mosaic.tif", MinFreshness: threshold})

	seed := filepath.Join(t.TempDir(), "old")
	require.NoError(t, os.WriteFile(seed, []byte("old"), 0644))
	require.NoError(t, f.fs.Upload(ctx, seed, "daily/mosaic.tif"))
	stored := filepath.Join(f.fs.Root(), "daily", "mosaic.tif")
	require.NoError(t, os.Chtimes(stored, threshold, threshold))

	_, err := fn(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	byResult := memoResults(t, collector)
	assert.Equal(t, 1.0, byResult[metrics.ResultStale])
	assert.Zero(t, byResult[metrics.ResultMiss])
	var total float64
	for _, v := range byResult {
		total += v
	}
	assert.Equal(t, 1.0, total)
}
