package concurrency

import (
	"context"
	"testing"
)

func TestFingerprintStableUnderKeyOrder(t *testing.T) {
	a := Fingerprint("chat", map[string]any{"a": 1, "b": 2}, "cont-1", "sess-1")
	b := Fingerprint("chat", map[string]any{"b": 2, "a": 1}, "cont-1", "sess-1")

	if a != b {
		t.Errorf("fingerprints differ across map key order: %s != %s", a, b)
	}
}

func TestFingerprintDiffersOnArguments(t *testing.T) {
	a := Fingerprint("chat", map[string]any{"a": 1}, "cont-1", "sess-1")
	b := Fingerprint("chat", map[string]any{"a": 2}, "cont-1", "sess-1")

	if a == b {
		t.Error("expected differing arguments to fingerprint differently")
	}
}

func TestFingerprintEmptySessionIsGlobal(t *testing.T) {
	a := Fingerprint("chat", nil, "cont-1", "")
	b := Fingerprint("chat", nil, "cont-1", "global")

	if a != b {
		t.Error("expected empty session id to fingerprint the same as \"global\"")
	}
}

func TestControllerAcquireRelease(t *testing.T) {
	c := NewController(1, 1)

	permit, err := c.Acquire(context.Background(), "openai")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.GlobalInUse(); got != 1 {
		t.Errorf("GlobalInUse() = %d, want 1", got)
	}

	permit.Release()
	if got := c.GlobalInUse(); got != 0 {
		t.Errorf("GlobalInUse() = %d, want 0 after release", got)
	}
}

func TestControllerPerProviderIsolation(t *testing.T) {
	c := NewController(2, 1)

	openaiPermit, err := c.Acquire(context.Background(), "openai")
	if err != nil {
		t.Fatalf("unexpected error acquiring openai permit: %v", err)
	}
	defer openaiPermit.Release()

	// A full openai per-provider semaphore must not block a different provider.
	anthropicPermit, err := c.Acquire(context.Background(), "anthropic")
	if err != nil {
		t.Fatalf("expected a distinct provider to admit independently: %v", err)
	}
	anthropicPermit.Release()
}
