package tools

import "sync"

// Ref is a concurrent-safe late-binding cell. Tool handlers are registered
// at daemon startup, but the targets they act on (the attached panel, the
// active workspace) come and go at runtime. Handlers capture a Ref at
// registration time and resolve it per call, reporting a structured failure
// when nothing is bound yet.
type Ref[T any] struct {
	mu  sync.RWMutex
	val T
	set bool
}

// NewRef returns an empty Ref.
func NewRef[T any]() *Ref[T] {
	return &Ref[T]{}
}

// Store binds v as the current value.
func (r *Ref[T]) Store(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.val = v
	r.set = true
}

// Load returns the current value and whether one is bound.
func (r *Ref[T]) Load() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.val, r.set
}

// Clear unbinds the current value.
func (r *Ref[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	r.val = zero
	r.set = false
}
