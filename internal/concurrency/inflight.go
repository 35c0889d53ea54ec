package concurrency

import (
	"context"
	"sync"
)

// entry is an InflightEntry: the leader for a fingerprint, plus the waiters
// attached to its outcome.
type entry struct {
	mu sync.Mutex
	done chan struct{}
	result any
	err error
}

// InflightMap deduplicates concurrent identical calls by fingerprint, per
// the single-flight rule: at most one provider call is in
// flight for any fingerprint at any instant; attaching callers wait on the
// leader's outcome instead of starting their own.
//
// Grounded on the tokenLastUsedMu pattern (server.go): a sync.Map of
// per-key coordination objects, avoiding one global lock.
type InflightMap struct {
	entries sync.Map // map[string]*entry
}

// NewInflightMap returns an empty InflightMap.
func NewInflightMap() *InflightMap {
	return &InflightMap{}
}

// Join either becomes the leader for fingerprint (isLeader == true, caller
// must call Settle when its tool call completes) or attaches as a waiter
// (isLeader == false; wait blocks for the leader's outcome, or detaches
// early if ctx is done — the leader keeps running regardless).
func (m *InflightMap) Join(fingerprint string) (leader bool, wait func(ctx context.Context) (any, error), settle func(any, error)) {
	e := &entry{done: make(chan struct{})}

	actual, loaded := m.entries.LoadOrStore(fingerprint, e)
	live := actual.(*entry)

	if !loaded {
		return true, nil, func(result any, err error) {
			live.mu.Lock()
			live.result, live.err = result, err
			live.mu.Unlock()
			close(live.done)
			m.entries.Delete(fingerprint)
		}
	}

	return false, func(ctx context.Context) (any, error) {
		select {
		case <-live.done:
			live.mu.Lock()
			defer live.mu.Unlock()
			return live.result, live.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, nil
}

// Waiters reports how many entries are currently in flight, for
// diagnostics and health snapshots.
func (m *InflightMap) Waiters() int {
	n := 0
	m.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
