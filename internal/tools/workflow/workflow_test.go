package workflow

import (
	"context"
	"testing"

	"github.com/rakunlabs/atd/internal/providerregistry"
)

type noopProgress struct{}

func (noopProgress) Emit(level, message string, fields map[string]any) {}

type stubConversation struct{ continuationID string }

func (c stubConversation) ContinuationID() string { return c.continuationID }
func (c stubConversation) AppendTurn(ctx context.Context, role, content string) error {
	return nil
}

func newTestTool() *Tool {
	return Factory(Deps{
		Providers: providerregistry.New(nil),
		VarLookup: func(key string) (string, error) { return "", nil },
		VarLister: func() (map[string]string, error) { return nil, nil },
	})().(*Tool)
}

func TestExecuteRunsInputToOutputGraph(t *testing.T) {
	tool := newTestTool()

	graph := map[string]any{
		"nodes": []map[string]any{
			{"id": "n1", "type": "input"},
			{"id": "n2", "type": "output"},
		},
		"edges": []map[string]any{
			{"id": "e1", "source": "n1", "target": "n2", "source_handle": "data", "target_handle": "input"},
		},
	}

	result, err := tool.Execute(context.Background(), map[string]any{
		"graph":  graph,
		"inputs": map[string]any{"greeting": "hi"},
	}, stubConversation{continuationID: "conv-1"}, noopProgress{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outputs, ok := result.Value.(map[string]any)
	if !ok {
		t.Fatalf("Value = %T, want map[string]any", result.Value)
	}
	passed, _ := outputs["input"].(map[string]any)
	if passed["greeting"] != "hi" {
		t.Errorf("outputs = %+v, want input.greeting=hi passed through", outputs)
	}
}

func TestExecuteRequiresGraph(t *testing.T) {
	tool := newTestTool()
	if _, err := tool.Execute(context.Background(), map[string]any{}, stubConversation{}, noopProgress{}); err == nil {
		t.Error("expected an error when 'graph' is missing")
	}
}

func TestExecuteRejectsMalformedGraph(t *testing.T) {
	tool := newTestTool()
	_, err := tool.Execute(context.Background(), map[string]any{
		"graph": "not-an-object",
	}, stubConversation{}, noopProgress{})
	if err == nil {
		t.Error("expected an error for a graph that isn't a {nodes, edges} object")
	}
}
