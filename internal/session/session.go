// Package session implements the Session Manager: per-connection state
// tracking, a per-session semaphore, idle reaping, and the session state
// machine (New -> Authenticated -> Active <-> Quiesced -> Closed).
//
// Grounded on the Server.providers/providerMu and tokenLastUsed/
// tokenLastUsedMu fields (internal/server/server.go): a sync.RWMutex-guarded
// map plus per-key sync.Map bookkeeping, generalized here from
// provider-hot-reload and token-write-throttling to session lifecycle
// tracking.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rakunlabs/atd/internal/clockid"
	"github.com/rakunlabs/atd/internal/concurrency"
	"github.com/rakunlabs/atd/internal/rpcerror"
)

// State is a Session's position in the New->Authenticated->Active<->Quiesced->Closed
// state machine.
type State int

const (
	StateNew State = iota
	StateAuthenticated
	StateActive
	StateQuiesced
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateQuiesced:
		return "quiesced"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is per-connection state: identity, the per-session admission
// semaphore, and activity bookkeeping for idle reaping.
type Session struct {
	ID string
	TokenHash string
	CreatedAt time.Time
	ClientInfo map[string]any

	mu sync.Mutex
	state State
	lastActivity time.Time
	inflight int

	sem *concurrency.Semaphore

	// ctx is the parent context every call_tool handled on this session
	// derives its own deadline from, via Context(). cancel cancels it (and
	// every context.WithTimeout/WithCancel built from it) on disconnect or
	// reap.
	ctx    context.Context
	cancel context.CancelFunc
}

// Context returns the session's parent context. A call_tool handler should
// derive its per-call timeout from this (not context.Background()) so
// Close/Reap's cancellation actually propagates to in-flight calls.
func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the last time this session acquired or released a
// permit, for idle-TTL accounting.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Inflight returns the number of calls currently holding a permit.
func (s *Session) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Manager tracks all live sessions.
type Manager struct {
	mu sync.RWMutex
	sessions map[string]*Session

	maxInflightPerSession int
	idleTTL time.Duration
	clock clockid.Clock
}

// New builds a Manager with the given per-session inflight cap and idle
// reap threshold (the SESSION_INFLIGHT_MAX / SESSION_IDLE_TTL_S).
func New(maxInflightPerSession int, idleTTL time.Duration) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		maxInflightPerSession: maxInflightPerSession,
		idleTTL: idleTTL,
		clock: clockid.Default,
	}
}

// EnsureSession creates a Session for a freshly authenticated connection.
// Each WS connection calls this exactly once, right after a successful
// hello handshake.
func (m *Manager) EnsureSession(tokenHash string, clientInfo map[string]any) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	now := m.clock.Now()
	sess := &Session{
		ID: clockid.NewSessionID(),
		TokenHash: tokenHash,
		CreatedAt: now,
		ClientInfo: clientInfo,
		state: StateAuthenticated,
		lastActivity: now,
		sem: concurrency.NewSemaphore(m.maxInflightPerSession),
		ctx: ctx,
		cancel: cancel,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	return sess
}

// Get returns the Session for id, if live.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Acquire obtains a per-session permit, transitioning Authenticated or
// Quiesced -> Active on a successful acquisition. Fails with an Overloaded
// rpcerror (details error_kind "SessionOverloaded") if ctx's deadline passes
// before a permit frees up.
func (m *Manager) Acquire(ctx context.Context, id string) error {
	sess, ok := m.Get(id)
	if !ok {
		return rpcerror.New(rpcerror.InvalidRequest, "unknown session %q", id)
	}

	if err := sess.sem.Acquire(ctx); err != nil {
		return rpcerror.New(rpcerror.Overloaded, "session %s: concurrency limit exceeded", id).WithDetails(map[string]any{"error_kind": "SessionOverloaded"})
	}

	sess.mu.Lock()
	sess.inflight++
	sess.lastActivity = m.clock.Now()
	if sess.state == StateAuthenticated || sess.state == StateQuiesced {
		sess.state = StateActive
	}
	sess.mu.Unlock()

	return nil
}

// Release returns a per-session permit, transitioning Active -> Quiesced
// once no calls remain in flight.
func (m *Manager) Release(id string) {
	sess, ok := m.Get(id)
	if !ok {
		return
	}

	sess.sem.Release()

	sess.mu.Lock()
	if sess.inflight > 0 {
		sess.inflight--
	}
	sess.lastActivity = m.clock.Now()
	if sess.inflight == 0 && sess.state == StateActive {
		sess.state = StateQuiesced
	}
	sess.mu.Unlock()
}

// Close marks a session Closed and cancels its derived contexts, on
// disconnect or reap.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	sess.mu.Lock()
	sess.state = StateClosed
	sess.mu.Unlock()

	sess.cancel()
}

// Reap drops sessions whose last activity exceeds the idle TTL, returning
// the number reaped.
func (m *Manager) Reap(now time.Time) int {
	m.mu.RLock()
	var stale []string
	for id, sess := range m.sessions {
		if now.Sub(sess.LastActivity()) > m.idleTTL {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.Close(id)
	}

	return len(stale)
}

// Count returns the number of currently live sessions, for health
// snapshots.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
