package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rakunlabs/atd/internal/llm"
)

func TestVariableCRUD(t *testing.T) {
	m := New()
	ctx := context.Background()

	created, err := m.CreateVariable(ctx, llm.Variable{Key: "API_BASE", Value: "https://example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.ID == "" {
		t.Error("expected a generated ID")
	}

	got, err := m.GetVariableByKey(ctx, "API_BASE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Value != "https://example.com" {
		t.Fatalf("GetVariableByKey = %+v, want value https://example.com", got)
	}

	updated, err := m.UpdateVariable(ctx, created.ID, llm.Variable{Key: "API_BASE", Value: "https://updated.example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Value != "https://updated.example.com" {
		t.Errorf("Value = %q, want updated value", updated.Value)
	}

	if err := m.DeleteVariable(ctx, created.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := m.GetVariableByKey(ctx, "API_BASE"); got != nil {
		t.Error("expected variable to be gone after delete")
	}
}

func TestListVariablesSortedByKey(t *testing.T) {
	m := New()
	ctx := context.Background()

	_, _ = m.CreateVariable(ctx, llm.Variable{Key: "zeta"})
	_, _ = m.CreateVariable(ctx, llm.Variable{Key: "alpha"})

	list, err := m.ListVariables(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 || list[0].Key != "alpha" || list[1].Key != "zeta" {
		t.Errorf("ListVariables() = %+v, want sorted [alpha, zeta]", list)
	}
}

func TestDeleteExpiredConversations(t *testing.T) {
	m := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	expired, err := m.CreateConversation(ctx, llm.ConversationRecord{
		ID:        "expired",
		ExpiresAt: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	live, err := m.CreateConversation(ctx, llm.ConversationRecord{
		ID:        "live",
		ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := m.DeleteExpiredConversations(ctx, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteExpiredConversations() = %d, want 1", n)
	}

	if rec, _ := m.GetConversation(ctx, expired.ID); rec != nil {
		t.Error("expected the expired conversation to be gone")
	}
	if rec, _ := m.GetConversation(ctx, live.ID); rec == nil {
		t.Error("expected the live conversation to survive")
	}
}

func TestFileDeduplicationBySHA256(t *testing.T) {
	m := New()
	ctx := context.Background()

	rec, err := m.CreateFile(ctx, llm.FileRecord{Name: "a.txt", SHA256: "abc123"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found, err := m.GetFileBySHA256(ctx, "abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found == nil || found.ID != rec.ID {
		t.Fatalf("GetFileBySHA256 = %+v, want the created record", found)
	}

	if missing, _ := m.GetFileBySHA256(ctx, "doesnotexist"); missing != nil {
		t.Error("expected no match for an unknown sha256")
	}
}
