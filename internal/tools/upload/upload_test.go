package upload

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/rakunlabs/atd/internal/llm"
	"github.com/rakunlabs/atd/internal/repository/memory"
)

type noopProgress struct{}

func (noopProgress) Emit(level, message string, fields map[string]any) {}

type stubConversation struct{ continuationID string }

func (c stubConversation) ContinuationID() string { return c.continuationID }
func (c stubConversation) AppendTurn(ctx context.Context, role, content string) error {
	return nil
}

func TestExecuteStoresNewFile(t *testing.T) {
	deps := Deps{Conversations: memory.New(), StorageDir: t.TempDir()}
	tool := Factory(deps)()

	content := base64.StdEncoding.EncodeToString([]byte("hello world"))
	result, err := tool.Execute(context.Background(), map[string]any{
		"name":      "greeting.txt",
		"mime_type": "text/plain",
		"content":   content,
	}, stubConversation{continuationID: "conv-1"}, noopProgress{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, ok := result.Value.(*llm.FileRecord)
	if !ok {
		t.Fatalf("Value = %T, want *llm.FileRecord", result.Value)
	}
	if rec.Name != "greeting.txt" {
		t.Errorf("Name = %q, want %q", rec.Name, "greeting.txt")
	}
	if rec.Size != int64(len("hello world")) {
		t.Errorf("Size = %d, want %d", rec.Size, len("hello world"))
	}
}

func TestExecuteDeduplicatesBySHA256(t *testing.T) {
	deps := Deps{Conversations: memory.New(), StorageDir: t.TempDir()}
	tool := Factory(deps)()

	content := base64.StdEncoding.EncodeToString([]byte("duplicate me"))

	first, err := tool.Execute(context.Background(), map[string]any{
		"name":    "a.txt",
		"content": content,
	}, stubConversation{continuationID: "conv-1"}, noopProgress{})
	if err != nil {
		t.Fatalf("unexpected error on first upload: %v", err)
	}

	second, err := tool.Execute(context.Background(), map[string]any{
		"name":    "b.txt",
		"content": content,
	}, stubConversation{continuationID: "conv-1"}, noopProgress{})
	if err != nil {
		t.Fatalf("unexpected error on second upload: %v", err)
	}

	firstRec := first.Value.(*llm.FileRecord)
	secondRec := second.Value.(*llm.FileRecord)
	if firstRec.ID != secondRec.ID {
		t.Errorf("expected identical content to deduplicate to the same file record, got %q and %q", firstRec.ID, secondRec.ID)
	}
}

func TestExecuteRequiresNameAndContent(t *testing.T) {
	deps := Deps{Conversations: memory.New(), StorageDir: t.TempDir()}
	tool := Factory(deps)()

	if _, err := tool.Execute(context.Background(), map[string]any{"content": "eA=="}, stubConversation{}, noopProgress{}); err == nil {
		t.Error("expected an error when 'name' is missing")
	}
	if _, err := tool.Execute(context.Background(), map[string]any{"name": "x"}, stubConversation{}, noopProgress{}); err == nil {
		t.Error("expected an error when 'content' is missing")
	}
}

func TestExecuteRejectsInvalidBase64(t *testing.T) {
	deps := Deps{Conversations: memory.New(), StorageDir: t.TempDir()}
	tool := Factory(deps)()

	_, err := tool.Execute(context.Background(), map[string]any{
		"name":    "a.txt",
		"content": "not-base64!!!",
	}, stubConversation{}, noopProgress{})
	if err == nil {
		t.Error("expected an error for invalid base64 content")
	}
}
