// Package concurrency implements the three-layer admission model and
// single-flight deduplication described by the daemon's Concurrency
// Controller: a global semaphore, a per-provider semaphore, and a
// fingerprint-keyed in-flight map, acquired in that order and released in
// reverse.
package concurrency

import (
	"context"

	"github.com/rakunlabs/atd/internal/rpcerror"
)

// Semaphore is a counting semaphore with context-aware acquisition,
// modeled on a preference for small, explicit concurrency primitives
// (server.go's sync.RWMutex-guarded maps) rather than a third-party
// semaphore package — no pack example imports one.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore builds a Semaphore with the given number of permits. A
// non-positive max means unlimited (slots is nil and Acquire never blocks).
func NewSemaphore(max int) *Semaphore {
	if max <= 0 {
		return &Semaphore{}
	}
	return &Semaphore{slots: make(chan struct{}, max)}
}

// Acquire blocks until a permit is available, ctx is cancelled, or ctx's
// deadline passes. On cancellation it returns an Overloaded rpcerror: if a
// permit cannot be acquired within the call's deadline, fail with
// Overloaded and do not start the tool.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if s.slots == nil {
		return nil
	}

	select {
	case s.slots <- struct{}{}:
		return nil
	default:
	}

	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return rpcerror.New(rpcerror.Overloaded, "permit not available before deadline")
	}
}

// Release returns a permit. Releasing more times than acquired panics, the
// way an over-released sync.WaitGroup does — a programmer error, not a
// runtime condition to recover from.
func (s *Semaphore) Release() {
	if s.slots == nil {
		return
	}
	select {
	case <-s.slots:
	default:
		panic("concurrency: semaphore released more times than acquired")
	}
}

// InUse reports the number of permits currently held, for health snapshots.
func (s *Semaphore) InUse() int {
	if s.slots == nil {
		return 0
	}
	return len(s.slots)
}
