package locking

import "sync"

// MemLock is a Group implementation that uses in-memory locks (mutexes) for
// mutual exclusion. It only works within a single process. Each key's mutex is
// reference counted and dropped once no caller holds or waits on it, so the
// map does not grow with the number of distinct keys ever seen.
type MemLock struct {
	sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]*refMutex),
	}
}

func (s *MemLock) DoWithLock(key string, fn func() (interface{}, error)) (interface{}, error) {
	s.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &refMutex{}
		s.locks[key] = lock
	}
	lock.refs++
	s.Unlock()

	lock.Lock()
	defer func() {
		lock.Unlock()
		s.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.Unlock()
	}()
	return fn()
}

// Len returns the number of keys currently held or waited on.
func (s *MemLock) Len() int {
	s.Lock()
	defer s.Unlock()
	return len(s.locks)
}
