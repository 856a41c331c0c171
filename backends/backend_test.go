package backends

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/content/memory"

	"github.com/richardartoul/filememo/internal/s3test"
)

func writeTemp(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

// testConformance exercises the capability set every backend must provide.
func testConformance(t *testing.T, b Backend) {
	ctx := context.Background()
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("raster-tile "), 512)
	src := writeTemp(t, dir, "src.tif", payload)

	ok, err := b.Exists(ctx, "rasters/a.tif")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Timestamp(ctx, "rasters/a.tif")
	assert.ErrorIs(t, err, ErrNotFound)

	err = b.Download(ctx, "rasters/a.tif", filepath.Join(dir, "missing.tif"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, filepath.Join(dir, "missing.tif"))

	before := time.Now().Add(-time.Second)
	require.NoError(t, b.Upload(ctx, src, "rasters/a.tif"))

	ok, err = b.Exists(ctx, "rasters/a.tif")
	require.NoError(t, err)
	assert.True(t, ok)

	ts, err := b.Timestamp(ctx, "rasters/a.tif")
	require.NoError(t, err)
	assert.True(t, ts.After(before), "timestamp %v should be after %v", ts, before)

	dst := filepath.Join(dir, "out", "a.tif")
	require.NoError(t, b.Download(ctx, "rasters/a.tif", dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Overwrite.
	src2 := writeTemp(t, dir, "src2.tif", []byte("v2"))
	require.NoError(t, b.Upload(ctx, src2, "rasters/a.tif"))
	dst2 := filepath.Join(dir, "out", "a2.tif")
	require.NoError(t, b.Download(ctx, "rasters/a.tif", dst2))
	got, err = os.ReadFile(dst2)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, b.Close())
}

func TestFSConformance(t *testing.T) {
	b, err := NewFS(t.TempDir())
	require.NoError(t, err)
	testConformance(t, b)
}

func TestS3Conformance(t *testing.T) {
	b, err := NewS3(s3test.New(), S3Config{Bucket: "results", Prefix: "cache"})
	require.NoError(t, err)
	testConformance(t, b)
}

func TestS3CompressedConformance(t *testing.T) {
	b, err := NewS3(s3test.New(), S3Config{Bucket: "results", Compress: true})
	require.NoError(t, err)
	testConformance(t, b)
}

func TestOCIConformance(t *testing.T) {
	testConformance(t, NewOCI(memory.New()))
}

func TestS3StoresUnderPrefixAndCompresses(t *testing.T) {
	fake := s3test.New()
	b, err := NewS3(fake, S3Config{Bucket: "results", Prefix: "cache", Compress: true})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0}, 64*1024)
	src := writeTemp(t, t.TempDir(), "zeros.bin", payload)
	require.NoError(t, b.Upload(context.Background(), src, "a/zeros.bin"))

	obj, ok := fake.Get("results", "cache/a/zeros.bin")
	require.True(t, ok)
	assert.Equal(t, encodingZstd, obj.Metadata[encodingMetadataKey])
	assert.Less(t, len(obj.Data), len(payload))
}

func TestS3DownloadsUncompressedObjectsFromCompressingBackend(t *testing.T) {
	fake := s3test.New()
	fake.Put("results", "plain.txt", s3test.Object{Data: []byte("hello"), LastModified: time.Now()})
	b, err := NewS3(fake, S3Config{Bucket: "results", Compress: true})
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, b.Download(context.Background(), "plain.txt", dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestS3ErrorsAreUnavailable(t *testing.T) {
	fake := s3test.New()
	fake.Err = errors.New("connection reset by peer")
	b, err := NewS3(fake, S3Config{Bucket: "results"})
	require.NoError(t, err)

	_, err = b.Exists(context.Background(), "a")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.True(t, IsRetryable(err))

	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "s3", ue.Scheme)
	assert.Equal(t, "head", ue.Op)
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(s3test.New(), S3Config{})
	assert.Error(t, err)
}

func TestFSCanceledContextIsRetryable(t *testing.T) {
	b, err := NewFS(t.TempDir())
	require.NoError(t, err)
	src := writeTemp(t, t.TempDir(), "a", []byte("data"))
	require.NoError(t, b.Upload(context.Background(), src, "a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dst := filepath.Join(t.TempDir(), "a")
	err = b.Download(ctx, "a", dst)
	assert.True(t, IsRetryable(err), "got %v", err)
	assert.NoFileExists(t, dst)
}

func TestFSWithScheme(t *testing.T) {
	b, err := NewFS(t.TempDir())
	require.NoError(t, err)
	nfs := b.WithScheme("nfs")
	assert.Equal(t, "nfs", nfs.Scheme())
	assert.Equal(t, FSScheme, b.Scheme())
	assert.Equal(t, b.Root(), nfs.Root())
}

func TestDebugPassesThrough(t *testing.T) {
	inner, err := NewFS(t.TempDir())
	require.NoError(t, err)
	var buf bytes.Buffer
	d := NewDebug(inner)
	d.out = &buf

	testConformance(t, d)
	assert.Contains(t, buf.String(), "[DEBUG] fs Upload: key=rasters/a.tif")
	assert.Contains(t, buf.String(), "[DEBUG] fs Download: ERROR:")
}
