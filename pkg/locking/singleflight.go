package locking

import "golang.org/x/sync/singleflight"

// SingleflightGroup collapses concurrent calls for the same key onto one
// execution whose result is shared by every caller. Callers arriving after
// the execution finished run fn again.
type SingleflightGroup struct {
	g singleflight.Group
}

// NewSingleflightGroup creates a new SingleflightGroup.
func NewSingleflightGroup() *SingleflightGroup {
	return &SingleflightGroup{}
}

func (s *SingleflightGroup) DoWithLock(key string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, _ := s.g.Do(key, fn)
	return v, err
}
