package backends

import (
	"context"
	"time"

	"github.com/richardartoul/filememo/pkg/metrics"
)

// Instrumented wraps any Backend and records per-operation latency and
// outcome in a metrics.Collector.
type Instrumented struct {
	backend   Backend
	collector *metrics.Collector
}

// NewInstrumented creates a new instrumented wrapper around an existing backend.
func NewInstrumented(backend Backend, collector *metrics.Collector) *Instrumented {
	return &Instrumented{backend: backend, collector: collector}
}

func (i *Instrumented) Scheme() string { return i.backend.Scheme() }

func (i *Instrumented) observe(op string, start time.Time, err error) {
	i.collector.BackendOp(i.backend.Scheme(), op, time.Since(start), err)
}

func (i *Instrumented) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := i.backend.Exists(ctx, key)
	i.observe("exists", start, err)
	return ok, err
}

func (i *Instrumented) Upload(ctx context.Context, localPath, key string) error {
	start := time.Now()
	err := i.backend.Upload(ctx, localPath, key)
	i.observe("upload", start, err)
	return err
}

func (i *Instrumented) Download(ctx context.Context, key, localPath string) error {
	start := time.Now()
	err := i.backend.Download(ctx, key, localPath)
	i.observe("download", start, err)
	return err
}

func (i *Instrumented) Timestamp(ctx context.Context, key string) (time.Time, error) {
	start := time.Now()
	ts, err := i.backend.Timestamp(ctx, key)
	i.observe("timestamp", start, err)
	return ts, err
}

func (i *Instrumented) Close() error { return i.backend.Close() }
