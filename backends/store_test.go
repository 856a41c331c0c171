package backends

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/filememo/internal/s3test"
	"github.com/richardartoul/filememo/pkg/metrics"
	"github.com/richardartoul/filememo/pkg/vpath"
)

func newFSStore(t *testing.T, schemes ...string) (*Store, map[string]*FS) {
	t.Helper()
	fss := make(map[string]*FS)
	var ordered []Backend
	for _, scheme := range schemes {
		b, err := NewFS(t.TempDir())
		require.NoError(t, err)
		b = b.WithScheme(scheme)
		fss[scheme] = b
		ordered = append(ordered, b)
	}
	s, err := NewStore(ordered...)
	require.NoError(t, err)
	return s, fss
}

func TestStoreResolvePriority(t *testing.T) {
	ctx := context.Background()
	s, fss := newFSStore(t, "fast", "slow")
	src := writeTemp(t, t.TempDir(), "a", []byte("a"))

	require.NoError(t, fss["slow"].Upload(ctx, src, "k/a"))
	b, err := s.Resolve(ctx, vpath.MustParse("k/a"))
	require.NoError(t, err)
	assert.Equal(t, "slow", b.Scheme())

	require.NoError(t, fss["fast"].Upload(ctx, src, "k/a"))
	b, err = s.Resolve(ctx, vpath.MustParse("k/a"))
	require.NoError(t, err)
	assert.Equal(t, "fast", b.Scheme())
}

func TestStoreOpaquePathsPinBackend(t *testing.T) {
	ctx := context.Background()
	s, fss := newFSStore(t, "fast", "slow")
	src := writeTemp(t, t.TempDir(), "a", []byte("a"))
	require.NoError(t, fss["fast"].Upload(ctx, src, "k/a"))

	_, err := s.Resolve(ctx, vpath.MustParse("slow://k/a"))
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(ctx, vpath.MustParse("fast://k/a"))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Resolve(ctx, vpath.MustParse("nope://k/a"))
	assert.Error(t, err)
}

func TestStoreUploadTargets(t *testing.T) {
	ctx := context.Background()
	s, fss := newFSStore(t, "fast", "slow")
	src := writeTemp(t, t.TempDir(), "a", []byte("a"))

	require.NoError(t, s.Upload(ctx, src, vpath.MustParse("plain/a")))
	ok, err := fss["fast"].Exists(ctx, "plain/a")
	require.NoError(t, err)
	assert.True(t, ok, "plain paths go to the default backend")

	require.NoError(t, s.SetDefault("slow"))
	require.NoError(t, s.Upload(ctx, src, vpath.MustParse("plain/b")))
	ok, err = fss["slow"].Exists(ctx, "plain/b")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Upload(ctx, src, vpath.MustParse("fast://pinned/c")))
	ok, err = fss["fast"].Exists(ctx, "pinned/c")
	require.NoError(t, err)
	assert.True(t, ok)

	// Never duplicated across backends.
	ok, err = fss["slow"].Exists(ctx, "pinned/c")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, s.SetDefault("missing"))
}

func TestStoreNotFoundVersusUnavailable(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)
	broken := s3test.New()
	broken.Err = errors.New("timeout")
	s3b, err := NewS3(broken, S3Config{Bucket: "b"})
	require.NoError(t, err)

	s, err := NewStore(fs, s3b)
	require.NoError(t, err)

	// Absence cannot be established while a backend is down.
	_, err = s.Resolve(ctx, vpath.MustParse("missing"))
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)

	// A hit in an earlier backend still wins.
	src := writeTemp(t, t.TempDir(), "a", []byte("a"))
	require.NoError(t, fs.Upload(ctx, src, "present"))
	b, err := s.Resolve(ctx, vpath.MustParse("present"))
	require.NoError(t, err)
	assert.Equal(t, FSScheme, b.Scheme())

	healthy, err := NewStore(fs)
	require.NoError(t, err)
	ok, err := healthy.Exists(ctx, vpath.MustParse("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreDownloadAndTimestamp(t *testing.T) {
	ctx := context.Background()
	s, fss := newFSStore(t, "fs")
	src := writeTemp(t, t.TempDir(), "a", []byte("content"))
	require.NoError(t, fss["fs"].Upload(ctx, src, "r/a"))

	ts, err := s.Timestamp(ctx, vpath.MustParse("r/a"))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)

	dst := filepath.Join(t.TempDir(), "a")
	require.NoError(t, s.Download(ctx, vpath.MustParse("r/a"), dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore()
	assert.Error(t, err)

	a, err := NewFS(t.TempDir())
	require.NoError(t, err)
	b, err := NewFS(t.TempDir())
	require.NoError(t, err)
	_, err = NewStore(a, b)
	assert.Error(t, err, "duplicate schemes")
}

func TestInstrumentedRecordsOperations(t *testing.T) {
	inner, err := NewFS(t.TempDir())
	require.NoError(t, err)
	c := metrics.NewCollector("test")
	b := NewInstrumented(inner, c)

	_, err = b.Exists(context.Background(), "x")
	require.NoError(t, err)

	stats, err := c.Latency().Stats("fs", "exists")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Count)

	s, err := NewStore(b)
	require.NoError(t, err)
	assert.Equal(t, []string{FSScheme}, s.Order())
	require.NoError(t, s.Close())
}
