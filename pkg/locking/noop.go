package locking

// NoOpGroup is a Group implementation that performs no locking.
// Every call executes the function immediately. The resolver uses it when
// concurrent downloads of the same path are acceptable, for example when the
// cache directory is private to one process.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (n *NoOpGroup) DoWithLock(key string, fn func() (interface{}, error)) (interface{}, error) {
	return fn()
}
