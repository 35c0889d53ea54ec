package providerregistry

import (
	"context"
	"testing"

	"github.com/rakunlabs/atd/internal/config"
	"github.com/rakunlabs/atd/internal/llm"
)

type stubProvider struct{ key string }

func (stubProvider) Chat(ctx context.Context, model string, messages []llm.Message, tools []llm.Tool) (*llm.LLMResponse, error) {
	return &llm.LLMResponse{}, nil
}

func stubFactory(cfg config.LLMConfig) (llm.LLMProvider, error) {
	return stubProvider{key: cfg.Type}, nil
}

func TestReloadThenGet(t *testing.T) {
	r := New(stubFactory)

	if err := r.Reload("main", config.LLMConfig{Type: "kimi", Model: "k1", Models: []string{"k1", "k2"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info, ok := r.Get("main")
	if !ok {
		t.Fatal("expected provider \"main\" to be registered")
	}
	if info.DefaultModel != "k1" {
		t.Errorf("DefaultModel = %q, want %q", info.DefaultModel, "k1")
	}
	if !info.HasModel("k2") {
		t.Error("expected HasModel(\"k2\") to be true for a configured preferred model")
	}
	if info.HasModel("unknown") {
		t.Error("expected HasModel(\"unknown\") to be false")
	}
}

func TestHasModelEmptyListAcceptsAny(t *testing.T) {
	info := Info{PreferredModels: nil}
	if !info.HasModel("anything") {
		t.Error("expected an empty preferred-models list to accept any model name")
	}
}

func TestReloadDoesNotDisturbOtherEntries(t *testing.T) {
	r := New(stubFactory)
	if err := r.Reload("a", config.LLMConfig{Type: "kimi", Model: "m"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Reload("b", config.LLMConfig{Type: "glm", Model: "m2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := r.Get("a"); !ok {
		t.Error("expected reloading \"b\" to leave \"a\" registered")
	}
}

func TestRemove(t *testing.T) {
	r := New(stubFactory)
	_ = r.Reload("a", config.LLMConfig{Type: "kimi", Model: "m"})

	r.Remove("a")
	if _, ok := r.Get("a"); ok {
		t.Error("expected removed provider to no longer be retrievable")
	}
}

func TestAllIsSortedByKey(t *testing.T) {
	r := New(stubFactory)
	_ = r.Reload("zeta", config.LLMConfig{Type: "kimi", Model: "m"})
	_ = r.Reload("alpha", config.LLMConfig{Type: "kimi", Model: "m"})

	all := r.All()
	if len(all) != 2 || all[0].Key != "alpha" || all[1].Key != "zeta" {
		t.Errorf("All() = %+v, want sorted [alpha, zeta]", all)
	}
}

func TestDefaultFactoryRejectsUnknownType(t *testing.T) {
	if _, err := DefaultFactory(config.LLMConfig{Type: "unknown"}); err == nil {
		t.Error("expected an error for an unknown provider type")
	}
}
