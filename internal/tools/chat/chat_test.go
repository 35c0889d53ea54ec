package chat

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rakunlabs/atd/internal/concurrency"
	"github.com/rakunlabs/atd/internal/config"
	"github.com/rakunlabs/atd/internal/conversation"
	"github.com/rakunlabs/atd/internal/llm"
	"github.com/rakunlabs/atd/internal/providerregistry"
	"github.com/rakunlabs/atd/internal/repository/memory"
	"github.com/rakunlabs/atd/internal/router"
)

type noopProgress struct{}

func (noopProgress) Emit(level, message string, fields map[string]any) {}

type stubProvider struct {
	reply string
}

func (s stubProvider) Chat(ctx context.Context, model string, messages []llm.Message, tools []llm.Tool) (*llm.LLMResponse, error) {
	return &llm.LLMResponse{Content: s.reply, Finished: true}, nil
}

// streamingProvider implements both llm.LLMProvider and llm.LLMStreamProvider,
// emitting its reply as individual-rune chunks from ChatStream.
type streamingProvider struct {
	reply string
}

func (s streamingProvider) Chat(ctx context.Context, model string, messages []llm.Message, tools []llm.Tool) (*llm.LLMResponse, error) {
	return &llm.LLMResponse{Content: s.reply, Finished: true}, nil
}

func (s streamingProvider) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []llm.Tool) (<-chan llm.StreamChunk, http.Header, error) {
	ch := make(chan llm.StreamChunk, len(s.reply)+1)
	for _, r := range s.reply {
		ch <- llm.StreamChunk{Content: string(r)}
	}
	ch <- llm.StreamChunk{FinishReason: "stop", Usage: &llm.Usage{TotalTokens: len(s.reply)}}
	close(ch)
	return ch, nil, nil
}

func newTestDeps(t *testing.T, reply string) Deps {
	t.Helper()
	return newTestDepsWithFactory(t, func(cfg config.LLMConfig) (llm.LLMProvider, error) {
		return stubProvider{reply: reply}, nil
	})
}

func newTestDepsWithFactory(t *testing.T, factory providerregistry.Factory) Deps {
	t.Helper()

	providers := providerregistry.New(factory)
	if err := providers.Reload("openai", config.LLMConfig{Type: "kimi", Model: "gpt-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	return Deps{
		Router:           router.New(providers),
		Conversations:    conversation.New(memory.New(), time.Hour),
		Controller:       concurrency.NewController(4, 2),
		TokenBudget:      1000,
		FeatureStreaming: true,
	}
}

// recordingProgress collects every Emit call for assertions.
type recordingProgress struct {
	events []string
}

func (r *recordingProgress) Emit(level, message string, fields map[string]any) {
	r.events = append(r.events, message)
}

func TestExecuteReturnsProviderReply(t *testing.T) {
	tool := Factory(newTestDeps(t, "hello there"))()

	handle := conversation.NewHandle(tool.(*Tool).deps.Conversations, "")
	result, err := tool.Execute(context.Background(), map[string]any{
		"prompt": "hi",
		"model":  "openai/gpt-1",
	}, handle, noopProgress{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Value != "hello there" {
		t.Errorf("Value = %v, want %q", result.Value, "hello there")
	}
	if result.Usage == nil || result.Usage.Provider != "openai" {
		t.Errorf("Usage = %+v, want Provider=openai", result.Usage)
	}
}

func TestExecuteRequiresPrompt(t *testing.T) {
	tool := Factory(newTestDeps(t, "x"))()
	handle := conversation.NewHandle(tool.(*Tool).deps.Conversations, "")

	if _, err := tool.Execute(context.Background(), map[string]any{}, handle, noopProgress{}); err == nil {
		t.Error("expected an error when 'prompt' is missing")
	}
}

func TestExecuteUnknownModelFails(t *testing.T) {
	tool := Factory(newTestDeps(t, "x"))()
	handle := conversation.NewHandle(tool.(*Tool).deps.Conversations, "")

	_, err := tool.Execute(context.Background(), map[string]any{
		"prompt": "hi",
		"model":  "nope/nope",
	}, handle, noopProgress{})
	if err == nil {
		t.Error("expected an error for an unconfigured provider/model")
	}
}

func TestExecuteStreamsThroughLLMStreamProvider(t *testing.T) {
	deps := newTestDepsWithFactory(t, func(cfg config.LLMConfig) (llm.LLMProvider, error) {
		return streamingProvider{reply: "hi"}, nil
	})
	tool := Factory(deps)()
	handle := conversation.NewHandle(tool.(*Tool).deps.Conversations, "")
	progress := &recordingProgress{}

	result, err := tool.Execute(context.Background(), map[string]any{
		"prompt": "hi",
		"model":  "openai/gpt-1",
		"stream": true,
	}, handle, progress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Value != "hi" {
		t.Errorf("Value = %v, want %q (accumulated from streamed chunks)", result.Value, "hi")
	}
	if len(progress.events) < len("hi") {
		t.Errorf("expected at least %d progress events for streamed content, got %d", len("hi"), len(progress.events))
	}
}

func TestExecuteStreamFalseWhenFeatureDisabled(t *testing.T) {
	deps := newTestDepsWithFactory(t, func(cfg config.LLMConfig) (llm.LLMProvider, error) {
		return streamingProvider{reply: "hi"}, nil
	})
	deps.FeatureStreaming = false
	tool := Factory(deps)()
	handle := conversation.NewHandle(tool.(*Tool).deps.Conversations, "")
	progress := &recordingProgress{}

	result, err := tool.Execute(context.Background(), map[string]any{
		"prompt": "hi",
		"model":  "openai/gpt-1",
		"stream": true,
	}, handle, progress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Value != "hi" {
		t.Errorf("Value = %v, want %q", result.Value, "hi")
	}
	for _, e := range progress.events {
		if e == "h" || e == "i" {
			t.Errorf("expected no streamed-content progress events with FeatureStreaming disabled, got %q", e)
		}
	}
}

func TestExecuteRejectsWebsearchWhenDisabled(t *testing.T) {
	tool := Factory(newTestDeps(t, "x"))()
	handle := conversation.NewHandle(tool.(*Tool).deps.Conversations, "")

	_, err := tool.Execute(context.Background(), map[string]any{
		"prompt":        "hi",
		"use_websearch": true,
	}, handle, noopProgress{})
	if err == nil {
		t.Error("expected an error when use_websearch is requested but FeatureWebsearch is disabled")
	}
}

func TestExecuteAllowsWebsearchArgumentWhenEnabled(t *testing.T) {
	deps := newTestDeps(t, "hello there")
	deps.FeatureWebsearch = true
	tool := Factory(deps)()
	handle := conversation.NewHandle(tool.(*Tool).deps.Conversations, "")

	_, err := tool.Execute(context.Background(), map[string]any{
		"prompt":        "hi",
		"model":         "openai/gpt-1",
		"use_websearch": true,
	}, handle, noopProgress{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
