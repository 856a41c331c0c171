// Package locking provides mutual exclusion at two scopes.
//
// A Group serializes work on a key within one node: in memory, across the
// processes of a node via lock files, or by collapsing concurrent callers onto
// a single execution. A Guard is the cluster-wide single-flight lease used to
// keep two workers from computing the same result at the same time; unlike a
// Group it never waits.
package locking

// locking.Group is an abstraction for running functions with mutual exclusion
// over sets of keys.
type Group interface {
	// DoWithLock runs the given function with mutual exclusion over the given key.
	DoWithLock(key string, fn func() (interface{}, error)) (v interface{}, err error)
}
