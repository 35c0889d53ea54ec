package diagnostics

import (
	"context"
	"testing"

	"github.com/rakunlabs/atd/internal/config"
	"github.com/rakunlabs/atd/internal/llm"
	"github.com/rakunlabs/atd/internal/observability"
	"github.com/rakunlabs/atd/internal/providerregistry"
)

type stubConversation struct{ continuationID string }

func (c stubConversation) ContinuationID() string { return c.continuationID }
func (c stubConversation) AppendTurn(ctx context.Context, role, content string) error {
	return nil
}

type stubProvider struct{}

func (stubProvider) Chat(ctx context.Context, model string, messages []llm.Message, tools []llm.Tool) (*llm.LLMResponse, error) {
	return &llm.LLMResponse{}, nil
}

func stubFactory(cfg config.LLMConfig) (llm.LLMProvider, error) {
	return stubProvider{}, nil
}

func TestExecuteReportsHealthAndProviders(t *testing.T) {
	health := observability.NewHealthWriter("", "v1", observability.Source{})
	health.SetListening(true)

	providers := providerregistry.New(stubFactory)
	if err := providers.Reload("openai", config.LLMConfig{Type: "kimi", Model: "gpt-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tool := Factory(Deps{Health: health, Providers: providers})()

	result, err := tool.Execute(context.Background(), nil, stubConversation{continuationID: "cont-1"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report, ok := result.Value.(Report)
	if !ok {
		t.Fatalf("Value = %T, want Report", result.Value)
	}
	if !report.Health.Listening {
		t.Error("expected health snapshot to reflect Listening=true")
	}
	if len(report.Providers) != 1 || report.Providers[0].Key != "openai" {
		t.Errorf("Providers = %+v, want a single \"openai\" entry", report.Providers)
	}
	if result.ContinuationID != "cont-1" {
		t.Errorf("ContinuationID = %q, want %q", result.ContinuationID, "cont-1")
	}
}

func TestExecuteNilDeps(t *testing.T) {
	tool := Factory(Deps{})()

	result, err := tool.Execute(context.Background(), nil, stubConversation{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Value.(Report).Providers) != 0 {
		t.Error("expected no providers when Deps.Providers is nil")
	}
}

func TestDescribeIsPublic(t *testing.T) {
	tool := Factory(Deps{})()
	desc := tool.Describe()
	if desc.Name != "diagnostics" {
		t.Errorf("Name = %q, want %q", desc.Name, "diagnostics")
	}
}
