package session

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestEnsureSessionStartsAuthenticated(t *testing.T) {
	m := New(1, time.Minute)
	sess := m.EnsureSession("hash-1", nil)

	if got := sess.State(); got != StateAuthenticated {
		t.Errorf("initial state = %s, want authenticated", got)
	}
	if _, ok := m.Get(sess.ID); !ok {
		t.Error("expected newly created session to be retrievable")
	}
}

func TestAcquireReleaseTransitionsState(t *testing.T) {
	m := New(1, time.Minute)
	sess := m.EnsureSession("hash-1", nil)

	if err := m.Acquire(context.Background(), sess.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sess.State(); got != StateActive {
		t.Errorf("state after acquire = %s, want active", got)
	}
	if got := sess.Inflight(); got != 1 {
		t.Errorf("inflight = %d, want 1", got)
	}

	m.Release(sess.ID)
	if got := sess.State(); got != StateQuiesced {
		t.Errorf("state after release = %s, want quiesced", got)
	}
	if got := sess.Inflight(); got != 0 {
		t.Errorf("inflight = %d, want 0", got)
	}
}

func TestAcquireUnknownSession(t *testing.T) {
	m := New(1, time.Minute)
	if err := m.Acquire(context.Background(), "no-such-session"); err == nil {
		t.Error("expected an error acquiring an unknown session")
	}
}

func TestAcquireOverLimitFails(t *testing.T) {
	m := New(1, time.Minute)
	sess := m.EnsureSession("hash-1", nil)

	if err := m.Acquire(context.Background(), sess.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Acquire(ctx, sess.ID); err == nil {
		t.Error("expected a second acquisition past the per-session cap to fail")
	}
}

func TestCloseRemovesSession(t *testing.T) {
	m := New(1, time.Minute)
	sess := m.EnsureSession("hash-1", nil)

	m.Close(sess.ID)

	if _, ok := m.Get(sess.ID); ok {
		t.Error("expected closed session to no longer be retrievable")
	}
	if got := sess.State(); got != StateClosed {
		t.Errorf("state after close = %s, want closed", got)
	}
}

func TestReapDropsIdleSessions(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := New(1, time.Minute)
	m.clock = clock

	sess := m.EnsureSession("hash-1", nil)

	clock.now = clock.now.Add(2 * time.Minute)
	if n := m.Reap(clock.now); n != 1 {
		t.Fatalf("Reap() = %d, want 1", n)
	}

	if _, ok := m.Get(sess.ID); ok {
		t.Error("expected idle session to be reaped")
	}
	if got := m.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0 after reap", got)
	}
}

func TestReapCancelsInFlightCallContext(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := New(1, time.Minute)
	m.clock = clock

	sess := m.EnsureSession("hash-1", nil)

	// Simulate a call_tool handler deriving its timeout from the session's
	// context, the way dispatcher.Connection.runCall does.
	callCtx, cancel := context.WithTimeout(sess.Context(), time.Hour)
	defer cancel()

	select {
	case <-callCtx.Done():
		t.Fatal("call context should not be done before the session is reaped")
	default:
	}

	clock.now = clock.now.Add(2 * time.Minute)
	if n := m.Reap(clock.now); n != 1 {
		t.Fatalf("Reap() = %d, want 1", n)
	}

	select {
	case <-callCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Reap to cancel the in-flight call's derived context")
	}
}

func TestCloseCancelsSessionContext(t *testing.T) {
	m := New(1, time.Minute)
	sess := m.EnsureSession("hash-1", nil)

	m.Close(sess.ID)

	select {
	case <-sess.Context().Done():
	default:
		t.Error("expected Close to cancel the session's context")
	}
}

func TestReapKeepsActiveSessions(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := New(1, time.Minute)
	m.clock = clock

	sess := m.EnsureSession("hash-1", nil)

	clock.now = clock.now.Add(30 * time.Second)
	if n := m.Reap(clock.now); n != 0 {
		t.Fatalf("Reap() = %d, want 0 for a session within its idle TTL", n)
	}
	if _, ok := m.Get(sess.ID); !ok {
		t.Error("expected recently active session to survive the reap")
	}
}
