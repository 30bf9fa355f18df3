package bulk

import (
	"context"
	"sync"
	"sync/atomic"
)

// CancelToken is the per-job cooperative cancellation flag. It is written
// once by a cancel request and only read thereafter by engine workers
// between items; in-flight oracle calls are never aborted.
type CancelToken struct {
	flag atomic.Bool
}

// Cancel sets the flag.
func (t *CancelToken) Cancel() {
	t.flag.Store(true)
}

// Canceled reports whether cancellation was requested.
func (t *CancelToken) Canceled() bool {
	return t.flag.Load()
}

// CancelFlagStore is the shared, cross-process view of cancellation
// requests, so a cancel accepted by the API process reaches a run
// executing in a worker process.
type CancelFlagStore interface {
	SetFlag(ctx context.Context, jobID string) error
	FlagSet(ctx context.Context, jobID string) (bool, error)
}

// CancelRegistry hands out job-scoped tokens. It replaces the usual
// process-global flag map with an explicit object passed through the
// call chain.
type CancelRegistry struct {
	mu     sync.Mutex
	tokens map[string]*CancelToken
	flags  CancelFlagStore // optional
}

// NewCancelRegistry creates a registry. flags may be nil for
// single-process deployments.
func NewCancelRegistry(flags CancelFlagStore) *CancelRegistry {
	return &CancelRegistry{
		tokens: make(map[string]*CancelToken),
		flags:  flags,
	}
}

// Acquire creates (or returns) the token for a run.
func (r *CancelRegistry) Acquire(jobID string) *CancelToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[jobID]; ok {
		return t
	}
	t := &CancelToken{}
	r.tokens[jobID] = t
	return t
}

// Get returns the token for a job, nil when no run holds one here.
func (r *CancelRegistry) Get(jobID string) *CancelToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[jobID]
}

// Release drops the token after a run finishes.
func (r *CancelRegistry) Release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, jobID)
}

// RequestCancel sets the local token when present and records the flag
// in the shared store for runs hosted elsewhere.
func (r *CancelRegistry) RequestCancel(ctx context.Context, jobID string) error {
	if t := r.Get(jobID); t != nil {
		t.Cancel()
	}
	if r.flags != nil {
		return r.flags.SetFlag(ctx, jobID)
	}
	return nil
}

// SharedFlagSet checks the cross-process store.
func (r *CancelRegistry) SharedFlagSet(ctx context.Context, jobID string) (bool, error) {
	if r.flags == nil {
		return false, nil
	}
	return r.flags.FlagSet(ctx, jobID)
}
