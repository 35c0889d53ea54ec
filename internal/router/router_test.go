package router

import (
	"context"
	"testing"

	"github.com/rakunlabs/atd/internal/config"
	"github.com/rakunlabs/atd/internal/llm"
	"github.com/rakunlabs/atd/internal/providerregistry"
	"github.com/rakunlabs/atd/internal/rpcerror"
)

type stubProvider struct{}

func (stubProvider) Chat(ctx context.Context, model string, messages []llm.Message, tools []llm.Tool) (*llm.LLMResponse, error) {
	return &llm.LLMResponse{}, nil
}

func stubFactory(cfg config.LLMConfig) (llm.LLMProvider, error) {
	return stubProvider{}, nil
}

func newTestRegistry(t *testing.T) *providerregistry.Registry {
	t.Helper()
	r := providerregistry.New(stubFactory)
	if err := r.Reload("openai", config.LLMConfig{Type: "kimi", Model: "gpt-1", Models: []string{"gpt-1", "gpt-2"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Reload("anthropic", config.LLMConfig{Type: "glm", Model: "claude-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r
}

func TestParseModelID(t *testing.T) {
	provider, model, err := ParseModelID("openai/gpt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider != "openai" || model != "gpt-1" {
		t.Errorf("got (%q, %q), want (%q, %q)", provider, model, "openai", "gpt-1")
	}
}

func TestParseModelIDRejectsMissingSlash(t *testing.T) {
	if _, _, err := ParseModelID("gpt-1"); err == nil {
		t.Error("expected an error for a model id with no provider prefix")
	}
}

func TestResolveConcreteModel(t *testing.T) {
	rt := New(newTestRegistry(t))

	candidates, err := rt.Resolve("openai/gpt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Model != "gpt-1" {
		t.Errorf("candidates = %+v, want a single gpt-1 candidate", candidates)
	}
}

func TestResolveRejectsUnknownProvider(t *testing.T) {
	rt := New(newTestRegistry(t))
	if _, err := rt.Resolve("missing/model"); err == nil {
		t.Error("expected an error for an unconfigured provider")
	}
}

func TestResolveRejectsDisallowedModel(t *testing.T) {
	rt := New(newTestRegistry(t))
	if _, err := rt.Resolve("openai/not-configured"); err == nil {
		t.Error("expected an error for a model outside the provider's preferred list")
	}
}

func TestResolveAutoExpandsAllProviders(t *testing.T) {
	rt := New(newTestRegistry(t))

	candidates, err := rt.Resolve("auto")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// anthropic (1 default model) + openai (2 preferred models) = 3.
	if len(candidates) != 3 {
		t.Errorf("got %d candidates, want 3", len(candidates))
	}
}

func TestResolveEmptyRegistry(t *testing.T) {
	rt := New(providerregistry.New(stubFactory))
	if _, err := rt.Resolve("auto"); err == nil {
		t.Error("expected an error when no providers are configured")
	}
}

func TestAttemptStopsOnFirstSuccess(t *testing.T) {
	candidates := []Candidate{{Model: "a"}, {Model: "b"}}
	calls := 0

	result, chosen, err := Attempt(context.Background(), candidates, func(ctx context.Context, c Candidate) (any, error) {
		calls++
		return c.Model, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
	if result != "a" || chosen.Model != "a" {
		t.Errorf("got (%v, %+v), want the first candidate", result, chosen)
	}
}

func TestAttemptFallsThroughRetryableErrors(t *testing.T) {
	candidates := []Candidate{{Model: "a"}, {Model: "b"}}

	result, chosen, err := Attempt(context.Background(), candidates, func(ctx context.Context, c Candidate) (any, error) {
		if c.Model == "a" {
			return nil, rpcerror.New(rpcerror.ProviderRateLimited, "rate limited")
		}
		return "ok-from-b", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.Model != "b" || result != "ok-from-b" {
		t.Errorf("got (%v, %+v), want fallback to candidate b", result, chosen)
	}
}

func TestAttemptStopsOnNonRetryableError(t *testing.T) {
	candidates := []Candidate{{Model: "a"}, {Model: "b"}}
	calls := 0

	_, _, err := Attempt(context.Background(), candidates, func(ctx context.Context, c Candidate) (any, error) {
		calls++
		return nil, rpcerror.New(rpcerror.ProviderAuth, "bad key")
	})
	if err == nil {
		t.Fatal("expected a non-retryable error to propagate")
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 (should not fall through on a non-retryable error)", calls)
	}
}
