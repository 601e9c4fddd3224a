package pipeline

import "sync"

// Ref is a non-owning reference to a Pipeline. The owner releases it when
// the pipeline is torn down; from then on every Resolve fails, which is
// how watchers learn the pipeline disappeared underneath them.
type Ref struct {
	mu sync.RWMutex
	p  Pipeline
}

// NewRef wraps a live pipeline in a non-owning reference
func NewRef(p Pipeline) *Ref {
	return &Ref{p: p}
}

// Resolve returns the underlying pipeline, or false if it was released
func (r *Ref) Resolve() (Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.p == nil {
		return nil, false
	}
	return r.p, true
}

// Release detaches the reference. Idempotent; resolving afterwards fails.
func (r *Ref) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.p = nil
}
