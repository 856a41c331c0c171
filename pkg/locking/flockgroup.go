package locking

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/opencontainers/go-digest"
)

// FlockGroup is a Group implementation that serializes keys across all
// processes on a node sharing dir. Each key maps to its own lock file, named
// by the key's digest so arbitrary keys are safe file names. Keys are also
// serialized in memory, since flock does not exclude goroutines of the same
// process holding distinct handles on some platforms.
type FlockGroup struct {
	dir string
	mem *MemLock
}

// NewFlockGroup creates dir if needed and returns a FlockGroup rooted there.
func NewFlockGroup(dir string) (*FlockGroup, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FlockGroup{dir: dir, mem: NewMemLock()}, nil
}

func (g *FlockGroup) lockPath(key string) string {
	return filepath.Join(g.dir, digest.FromString(key).Encoded()+".lock")
}

func (g *FlockGroup) DoWithLock(key string, fn func() (interface{}, error)) (interface{}, error) {
	return g.mem.DoWithLock(key, func() (interface{}, error) {
		fl := flock.New(g.lockPath(key))
		if err := fl.Lock(); err != nil {
			return nil, fmt.Errorf("failed to lock %q: %w", key, err)
		}
		defer fl.Unlock()
		return fn()
	})
}
