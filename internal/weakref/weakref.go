// Package weakref gives the rest of the mesh core a single place to build
// weak back-references with, so that the cycle Peer Manager -> RPC
// Manager -> RPC Transport -> Peer Map -> (send callbacks) -> Peer
// Manager never needs manual teardown/unregistration: an upgrade of a
// reference whose owner has been dropped simply reports itself gone.
package weakref

import (
	"errors"
	"weak"
)

// ErrGone is returned by Resolve when the referenced component has
// already been torn down (its last strong reference dropped). Callers
// translate this into the core's Unknown error kind.
var ErrGone = errors.New("weakref: referenced component is gone")

// Ref is a weak, non-owning handle to a *T. It never keeps T alive; once
// nothing else holds a strong reference, Resolve starts returning
// ErrGone.
type Ref[T any] struct {
	ptr weak.Pointer[T]
}

// Make captures a weak reference to v. v must be kept alive elsewhere
// (normally by the Peer Manager's own strong ownership) for Resolve to
// keep succeeding.
func Make[T any](v *T) Ref[T] {
	return Ref[T]{ptr: weak.Make(v)}
}

// Resolve upgrades the weak reference to a strong *T, or ErrGone if the
// referent has been collected.
func (r Ref[T]) Resolve() (*T, error) {
	if v := r.ptr.Value(); v != nil {
		return v, nil
	}
	return nil, ErrGone
}

// Valid reports whether Ref was ever assigned a target (Make was called).
func (r Ref[T]) Valid() bool {
	return r.ptr != weak.Pointer[T]{}
}
