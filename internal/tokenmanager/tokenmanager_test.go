package tokenmanager

import (
	"testing"
	"time"
)

func TestAcceptsCurrentToken(t *testing.T) {
	m := New("secret-1", 0)
	if !m.Accepts("secret-1") {
		t.Error("expected current token to be accepted")
	}
	if m.Accepts("wrong") {
		t.Error("expected wrong token to be rejected")
	}
}

func TestRotateGraceWindow(t *testing.T) {
	clock := time.Unix(0, 0)
	m := New("secret-1", 5*time.Minute)
	m.now = func() time.Time { return clock }

	m.Rotate("secret-2")

	if !m.Accepts("secret-2") {
		t.Error("expected new token to be accepted immediately")
	}
	if !m.Accepts("secret-1") {
		t.Error("expected old token to be accepted within the grace window")
	}

	clock = clock.Add(10 * time.Minute)
	if m.Accepts("secret-1") {
		t.Error("expected old token to be rejected past the grace window")
	}
	if !m.Accepts("secret-2") {
		t.Error("expected new token to remain accepted past the grace window")
	}
}

func TestCurrentIsRedacted(t *testing.T) {
	m := New("super-secret-token", 0)
	if got := m.Current(); got == "super-secret-token" {
		t.Error("expected Current() to redact the raw token")
	}
}
