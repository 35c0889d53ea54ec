// Package chat implements the "chat" SimpleTool: a single prompt/response
// round trip against the router's chosen provider, with conversation
// history loaded and appended through the Conversation Service.
//
// Grounded on Agent.Run's single-turn path (internal/service/at.go):
// this tool is the non-agentic slice of that loop (no tool-call round trip),
// generalized to go through the Router instead of a single fixed provider.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/rakunlabs/atd/internal/concurrency"
	"github.com/rakunlabs/atd/internal/conversation"
	"github.com/rakunlabs/atd/internal/llm"
	"github.com/rakunlabs/atd/internal/observability"
	"github.com/rakunlabs/atd/internal/router"
	"github.com/rakunlabs/atd/internal/rpcerror"
	"github.com/rakunlabs/atd/internal/toolregistry"
)

// Deps are the daemon-wide singletons the chat tool needs. One Deps value
// is shared by every call; Factory closes over it to produce a fresh Tool
// instance per call, per toolregistry.Factory's contract.
type Deps struct {
	Router        *router.Router
	Conversations *conversation.Service
	Controller    *concurrency.Controller
	TokenBudget   int // history budget passed to Conversations.Load

	// FeatureStreaming gates the "stream" argument: when false, a streamed
	// request is served through the ordinary Chat path regardless of
	// whether the chosen provider implements llm.LLMStreamProvider.
	FeatureStreaming bool

	// FeatureWebsearch gates the "use_websearch" argument. No provider
	// adapter currently augments a call with web search results, so this
	// only controls whether the argument is accepted at all; see Execute.
	FeatureWebsearch bool
}

// Factory returns a toolregistry.Factory bound to deps.
func Factory(deps Deps) toolregistry.Factory {
	return func() toolregistry.Tool {
		return &Tool{deps: deps}
	}
}

// Tool is the per-call chat tool instance.
type Tool struct {
	deps Deps
}

func (t *Tool) Describe() toolregistry.Descriptor {
	return toolregistry.Descriptor{
		Name:        "chat",
		Description: "Send a prompt to an LLM provider and return its response, continuing a prior conversation when continuation_id is supplied.",
		Visibility:  toolregistry.VisibilityPublic,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":          map[string]any{"type": "string", "description": "The user message."},
				"model":           map[string]any{"type": "string", "description": "\"provider/model\", \"auto\", or empty for auto."},
				"temperature":     map[string]any{"type": "number"},
				"thinking_mode":   map[string]any{"type": "string"},
				"use_websearch":   map[string]any{"type": "boolean"},
				"continuation_id": map[string]any{"type": "string"},
				"stream":          map[string]any{"type": "boolean"},
			},
			"required": []string{"prompt"},
		},
	}
}

func (t *Tool) Execute(ctx context.Context, args map[string]any, conv toolregistry.ConversationHandle, progress toolregistry.ProgressSink) (*toolregistry.Result, error) {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		return nil, rpcerror.New(rpcerror.InvalidRequest, "chat: 'prompt' is required")
	}

	requestedModel, _ := args["model"].(string)
	wantStream, _ := args["stream"].(bool)
	wantStream = wantStream && t.deps.FeatureStreaming

	if wantWebsearch, _ := args["use_websearch"].(bool); wantWebsearch && !t.deps.FeatureWebsearch {
		return nil, rpcerror.New(rpcerror.InvalidRequest, "chat: use_websearch is disabled (set daemon.feature_websearch to enable)")
	}

	candidates, err := t.deps.Router.Resolve(requestedModel)
	if err != nil {
		return nil, err
	}

	history, err := t.deps.Conversations.Load(ctx, conv.ContinuationID(), t.deps.TokenBudget)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.RepositoryUnavailable, err)
	}

	if err := conv.AppendTurn(ctx, "user", prompt); err != nil {
		return nil, rpcerror.Wrap(rpcerror.RepositoryUnavailable, err)
	}

	messages := make([]llm.Message, 0, len(history)+1)
	for _, turn := range history {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	start := time.Now()

	value, candidate, err := router.Attempt(ctx, candidates, func(ctx context.Context, c router.Candidate) (any, error) {
		progress.Emit("info", fmt.Sprintf("trying %s/%s", c.Provider.Key, c.Model), nil)

		permit, err := t.deps.Controller.Acquire(ctx, c.Provider.Key)
		if err != nil {
			return nil, err
		}
		defer permit.Release()

		if wantStream {
			if sp, ok := c.Provider.Provider.(llm.LLMStreamProvider); ok {
				return drainStream(ctx, sp, c.Model, messages, progress)
			}
		}

		resp, err := c.Provider.Provider.Chat(ctx, c.Model, messages, nil)
		if err != nil {
			return nil, err
		}
		return resp, nil
	})

	outcome := "success"
	defer func() {
		observability.RecordToolCall(observability.ToolCallMetric{
			Tool:     "chat",
			Provider: candidate.Provider.Key,
			Duration: time.Since(start),
			Outcome:  outcome,
		})
	}()

	if err != nil {
		outcome = "error"
		return nil, err
	}

	resp := value.(*llm.LLMResponse)

	if err := conv.AppendTurn(ctx, "assistant", resp.Content); err != nil {
		// Durability failure here is logged-and-swallowed inside Append
		// itself; a non-nil error means even the in-memory cache update
		// failed, which should still surface to the caller.
		return nil, rpcerror.Wrap(rpcerror.RepositoryUnavailable, err)
	}

	return &toolregistry.Result{
		Value:          resp.Content,
		ContinuationID: conv.ContinuationID(),
		Usage: &toolregistry.Usage{
			TokensIn:   resp.Usage.PromptTokens,
			TokensOut:  resp.Usage.CompletionTokens,
			DurationMS: time.Since(start).Milliseconds(),
			Provider:   candidate.Provider.Key,
			Model:      candidate.Model,
		},
	}, nil
}

// drainStream opens sp's SSE stream and forwards each content delta as a
// progress frame so the caller sees tokens as they arrive, the way
// gateway.go's writeSSEChunk loop forwards ChatStream chunks to an HTTP
// client. The chunks are also accumulated into an *llm.LLMResponse so the
// rest of Execute can treat a streamed call exactly like a buffered Chat
// call (conversation append, usage accounting, result value).
func drainStream(ctx context.Context, sp llm.LLMStreamProvider, model string, messages []llm.Message, progress toolregistry.ProgressSink) (*llm.LLMResponse, error) {
	chunks, header, err := sp.ChatStream(ctx, model, messages, nil)
	if err != nil {
		return nil, err
	}

	resp := &llm.LLMResponse{Header: header}

	seen := make(map[string]int) // tool call id -> index in resp.ToolCalls

	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}

		if chunk.Content != "" {
			resp.Content += chunk.Content
			progress.Emit("content", chunk.Content, nil)
		}

		resp.InlineImages = append(resp.InlineImages, chunk.InlineImages...)

		for _, tc := range chunk.ToolCalls {
			if i, ok := seen[tc.ID]; ok {
				resp.ToolCalls[i] = tc
				continue
			}
			seen[tc.ID] = len(resp.ToolCalls)
			resp.ToolCalls = append(resp.ToolCalls, tc)
		}

		if chunk.FinishReason != "" {
			resp.Finished = chunk.FinishReason != "tool_calls"
		}
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
	}

	return resp, nil
}
