// Package ref implements explicitly reference-counted shared ownership with
// strong and weak handles. Go's garbage collector keeps a value alive for as
// long as any pointer can trace it, which is not the same thing as "exactly
// the holders we count as owners": a sandbox worker must be terminated at
// the moment its last owning handle is released, not whenever the collector
// notices. Strong/Weak give that a deterministic drop point.
package ref

import "sync"

type shared[T any] struct {
	mu     sync.Mutex
	count  int64
	val    *T
	onZero func(*T)
	zeroed bool
}

// Strong is an owning, reference-counted handle to a *T.
type Strong[T any] struct {
	s *shared[T]
}

// Weak is a non-owning handle that can attempt to upgrade back to a Strong
// as long as at least one Strong for the same value still exists.
type Weak[T any] struct {
	s *shared[T]
}

// New creates the first Strong reference to val. onZero is invoked exactly
// once, when the strong count drops from one to zero, and should release
// whatever external resource val represents.
func New[T any](val *T, onZero func(*T)) Strong[T] {
	return Strong[T]{s: &shared[T]{count: 1, val: val, onZero: onZero}}
}

// Get returns the underlying value. Valid for as long as this Strong handle
// itself has not been released.
func (s Strong[T]) Get() *T { return s.s.val }

// Clone increments the strong count and returns a new, independently
// releasable Strong handle to the same value.
func (s Strong[T]) Clone() Strong[T] {
	s.s.mu.Lock()
	s.s.count++
	s.s.mu.Unlock()
	return Strong[T]{s: s.s}
}

// Downgrade produces a Weak handle that does not keep val alive.
func (s Strong[T]) Downgrade() Weak[T] { return Weak[T]{s: s.s} }

// Release decrements the strong count. The caller must not use this Strong
// handle again afterwards. Safe to call at most once per Strong value
// returned by New or Clone; calling it more than once for the same handle
// double-releases and is a programmer error, mirroring a Rust double-drop.
func (s Strong[T]) Release() {
	s.s.mu.Lock()
	s.s.count--
	fire := s.s.count == 0 && !s.s.zeroed
	if fire {
		s.s.zeroed = true
	}
	onZero, val := s.s.onZero, s.s.val
	s.s.mu.Unlock()
	if fire && onZero != nil {
		onZero(val)
	}
}

// StrongCount reports the current strong reference count. Exposed for tests
// asserting eviction-liveness behavior.
func (s Strong[T]) StrongCount() int64 {
	s.s.mu.Lock()
	defer s.s.mu.Unlock()
	return s.s.count
}

// Upgrade attempts to produce a new Strong handle; it fails once the strong
// count has reached zero and will never succeed again after that point.
func (w Weak[T]) Upgrade() (Strong[T], bool) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if w.s.count == 0 {
		return Strong[T]{}, false
	}
	w.s.count++
	return Strong[T]{s: w.s}, true
}

// IsLive reports whether the value's strong count is still nonzero, without
// producing a new Strong reference. Used by the crash watcher, which must
// observe liveness but must not itself extend it.
func (w Weak[T]) IsLive() bool {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	return w.s.count > 0
}
