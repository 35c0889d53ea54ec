package concurrency

import (
	"context"
	"testing"
	"time"
)

func TestSemaphoreAcquireRelease(t *testing.T) {
	s := NewSemaphore(1)

	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.InUse(); got != 1 {
		t.Errorf("InUse() = %d, want 1", got)
	}

	s.Release()
	if got := s.InUse(); got != 0 {
		t.Errorf("InUse() = %d, want 0", got)
	}
}

func TestSemaphoreBlocksUntilDeadline(t *testing.T) {
	s := NewSemaphore(1)
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Acquire(ctx); err == nil {
		t.Error("expected Acquire to fail once the deadline passes with no free permit")
	}
}

func TestSemaphoreUnlimited(t *testing.T) {
	s := NewSemaphore(0)
	for i := 0; i < 100; i++ {
		if err := s.Acquire(context.Background()); err != nil {
			t.Fatalf("unexpected error on acquire %d: %v", i, err)
		}
	}
	if got := s.InUse(); got != 0 {
		t.Errorf("InUse() = %d, want 0 for an unlimited semaphore", got)
	}
}
