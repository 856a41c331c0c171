package filecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	queueFile     = "queue.json"
	sizesFile     = "sizes.json"
	checkedAtFile = "checked_at"
	lockFile      = "lock"
)

// persistedState is the on-disk form of the cache: the recency queue (oldest
// first) and the size index. The total is always derived from the index.
type persistedState struct {
	Queue []string
	Sizes map[string]int64
}

// stamp identifies a version of the state files written by any process.
// Every save replaces the files by rename, so a change of inode, size or
// modification time means another process has written since we last loaded.
type stamp struct {
	queue fs.FileInfo
	sizes fs.FileInfo
}

func sameInfo(a, b fs.FileInfo) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return os.SameFile(a, b) && a.Size() == b.Size() && a.ModTime().Equal(b.ModTime())
}

func (s stamp) equal(o stamp) bool {
	return sameInfo(s.queue, o.queue) && sameInfo(s.sizes, o.sizes)
}

func statOrNil(path string) (fs.FileInfo, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return info, err
}

func readStamp(dir string) (stamp, error) {
	q, err := statOrNil(filepath.Join(dir, queueFile))
	if err != nil {
		return stamp{}, err
	}
	s, err := statOrNil(filepath.Join(dir, sizesFile))
	if err != nil {
		return stamp{}, err
	}
	return stamp{queue: q, sizes: s}, nil
}

// loadState reads the persisted state. Missing files yield an empty state.
func loadState(dir string) (persistedState, error) {
	st := persistedState{Sizes: make(map[string]int64)}

	data, err := os.ReadFile(filepath.Join(dir, queueFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return st, fmt.Errorf("failed to read recency queue: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, &st.Queue); err != nil {
			return st, fmt.Errorf("failed to parse recency queue: %w", err)
		}
	}

	data, err = os.ReadFile(filepath.Join(dir, sizesFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return st, fmt.Errorf("failed to read size index: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, &st.Sizes); err != nil {
			return st, fmt.Errorf("failed to parse size index: %w", err)
		}
	}
	return st, nil
}

// saveState writes both state files. Callers hold the cross-process lock,
// which is what makes the pair atomic with respect to other processes.
func saveState(dir string, st persistedState) error {
	if st.Queue == nil {
		st.Queue = []string{}
	}
	queue, err := json.Marshal(st.Queue)
	if err != nil {
		return fmt.Errorf("failed to marshal recency queue: %w", err)
	}
	sizes, err := json.Marshal(st.Sizes)
	if err != nil {
		return fmt.Errorf("failed to marshal size index: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, queueFile), queue); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, sizesFile), sizes)
}

func readCheckedAt(dir string) (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(dir, checkedAtFile))
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read checked_at: %w", err)
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse checked_at: %w", err)
	}
	return time.Unix(secs, 0), nil
}

func writeCheckedAt(dir string, t time.Time) error {
	return writeAtomic(filepath.Join(dir, checkedAtFile), []byte(strconv.FormatInt(t.Unix(), 10)+"\n"))
}

// writeAtomic writes to a temp file first and then renames it into place.
// This prevents any partial state file from ever existing, although it
// increases the number of syscalls we need to perform.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
