package nodes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/atd/internal/llm"
	"github.com/rakunlabs/atd/internal/workflow"
)

// agentCallNode runs an agentic loop: it sends a prompt to an LLM provider,
// collects tool calls, executes any that carry an inline JS/bash handler,
// feeds results back, and repeats until the LLM produces a final answer or
// the iteration limit is reached. Tool calls with no matching handler are
// reported back to the model as an error result rather than executed.
//
// Config (node.Data):
//
//	"provider":       string   — provider key for registry lookup (required)
//	"model":          string   — model override (optional, empty = provider default)
//	"system_prompt":  string   — system message prepended to conversation (optional)
//	"max_iterations": float64  — max tool-call rounds (default 10, 0 = unlimited)
//	"tools":          []map    — inline tool definitions (optional)
//
// Input ports:
//
//	"prompt"  — the user message text (string)
//	"context" — additional context to include (optional, string)
//
// Output ports:
//
//	"response" — the final LLM response text
//	"text"     — alias for response (convenience port)
type agentCallNode struct {
	providerKey   string
	model         string
	systemPrompt  string
	maxIterations int
	inlineTools   []llm.Tool
}

func init() {
	workflow.RegisterNodeType("agent_call", newAgentCallNode)
}

func newAgentCallNode(node llm.WorkflowNode) (workflow.Noder, error) {
	providerKey, _ := node.Data["provider"].(string)
	model, _ := node.Data["model"].(string)
	systemPrompt, _ := node.Data["system_prompt"].(string)

	maxIterations := 10
	if v, ok := node.Data["max_iterations"].(float64); ok {
		maxIterations = int(v)
	}

	// Parse inline tool definitions.
	var inlineTools []llm.Tool
	if raw, ok := node.Data["tools"].([]any); ok {
		for _, t := range raw {
			toolMap, ok := t.(map[string]any)
			if !ok {
				continue
			}
			tool := llm.Tool{}
			if name, ok := toolMap["name"].(string); ok {
				tool.Name = name
			}
			if desc, ok := toolMap["description"].(string); ok {
				tool.Description = desc
			}
			if schema, ok := toolMap["inputSchema"].(map[string]any); ok {
				tool.InputSchema = schema
			}
			if handler, ok := toolMap["handler"].(string); ok {
				tool.Handler = handler
			}
			if handlerType, ok := toolMap["handler_type"].(string); ok {
				tool.HandlerType = handlerType
			}
			if tool.Name != "" {
				inlineTools = append(inlineTools, tool)
			}
		}
	}

	return &agentCallNode{
		providerKey:   providerKey,
		model:         model,
		systemPrompt:  systemPrompt,
		maxIterations: maxIterations,
		inlineTools:   inlineTools,
	}, nil
}

func (n *agentCallNode) Type() string { return "agent_call" }

func (n *agentCallNode) Validate(_ context.Context, reg *workflow.Registry) error {
	if n.providerKey == "" {
		return fmt.Errorf("agent_call: 'provider' is required")
	}

	if reg.ProviderLookup == nil {
		return fmt.Errorf("agent_call: no provider lookup configured")
	}

	// Verify the provider exists.
	_, _, err := reg.ProviderLookup(n.providerKey)
	if err != nil {
		return fmt.Errorf("agent_call: provider %q: %w", n.providerKey, err)
	}

	return nil
}

func (n *agentCallNode) Run(ctx context.Context, reg *workflow.Registry, inputs map[string]any) (workflow.NodeResult, error) {
	provider, defaultModel, err := reg.ProviderLookup(n.providerKey)
	if err != nil {
		return nil, fmt.Errorf("agent_call: provider %q: %w", n.providerKey, err)
	}

	model := n.model
	if model == "" {
		model = defaultModel
	}

	// ─── Collect Tools ───

	// toolHandlerInfo holds handler body and type for inline tools.
	type toolHandlerInfo struct {
		handler     string
		handlerType string // "js" (default) or "bash"
	}

	// toolHandlers maps tool name → handler info.
	toolHandlers := make(map[string]toolHandlerInfo)

	var allTools []llm.Tool
	for _, t := range n.inlineTools {
		if t.Handler != "" {
			toolHandlers[t.Name] = toolHandlerInfo{handler: t.Handler, handlerType: t.HandlerType}
		}
		allTools = append(allTools, t)
	}

	// ─── Build Initial Prompt ───

	prompt := toString(inputs["prompt"])
	if prompt == "" {
		prompt = toString(inputs["text"])
		if prompt == "" {
			prompt = toString(inputs["data"])
		}
	}
	if prompt == "" {
		return nil, fmt.Errorf("agent_call: no prompt provided")
	}

	if ctxStr := toString(inputs["context"]); ctxStr != "" {
		prompt = prompt + "\n\nContext:\n" + ctxStr
	}

	// ─── Memory Input ───
	// Memory data from an edge-connected memory_config node is appended
	// as additional context to the prompt.
	if memData := inputs["memory"]; memData != nil {
		memStr := toString(memData)
		if memStr != "" {
			prompt = prompt + "\n\nMemory:\n" + memStr
		}
	}

	// ─── Build Messages ───

	var messages []llm.Message
	if n.systemPrompt != "" {
		messages = append(messages, llm.Message{
			Role:    "system",
			Content: n.systemPrompt,
		})
	}
	messages = append(messages, llm.Message{
		Role:    "user",
		Content: prompt,
	})

	// ─── Agentic Loop ───

	// Strip handlers from tools sent to the LLM; the Handler/HandlerType
	// fields also carry `json:"-"` but this keeps the intent explicit.
	llmTools := make([]llm.Tool, len(allTools))
	for i, t := range allTools {
		llmTools[i] = llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}

	for iteration := 0; n.maxIterations == 0 || iteration < n.maxIterations; iteration++ {
		// Check for cancellation between iterations.
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("agent_call: cancelled: %w", err)
		}

		resp, err := provider.Chat(ctx, model, messages, llmTools)
		if err != nil {
			return nil, fmt.Errorf("agent_call: chat failed (iteration %d): %w", iteration, err)
		}

		// Build assistant message with content blocks.
		var assistantContent []llm.ContentBlock
		if resp.Content != "" {
			assistantContent = append(assistantContent, llm.ContentBlock{
				Type: "text",
				Text: resp.Content,
			})
		}
		for _, tc := range resp.ToolCalls {
			assistantContent = append(assistantContent, llm.ContentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: tc.Arguments,
			})
		}
		messages = append(messages, llm.Message{
			Role:    "assistant",
			Content: assistantContent,
		})

		// If the LLM is done (no tool calls), return the final answer.
		if resp.Finished || len(resp.ToolCalls) == 0 {
			return workflow.NewResult(map[string]any{
				"response": resp.Content,
				"text":     resp.Content,
			}), nil
		}

		// Execute tool calls and build tool results.
		var toolResults []llm.ContentBlock
		for _, tc := range resp.ToolCalls {
			slog.Debug("agent_call: tool call",
				"tool", tc.Name, "iteration", iteration)

			var result string
			var callErr error

			if hi, ok := toolHandlers[tc.Name]; ok {
				if hi.handlerType == "bash" {
					result, callErr = workflow.ExecuteBashHandler(ctx, hi.handler, tc.Arguments, reg.VarLister)
				} else {
					result, callErr = workflow.ExecuteJSHandler(hi.handler, tc.Arguments, reg.VarLookup)
				}
			} else {
				// No handler found — return error to the LLM.
				callErr = fmt.Errorf("no handler for tool %q", tc.Name)
			}

			if callErr != nil {
				result = fmt.Sprintf("Error: %v", callErr)
			}

			toolResults = append(toolResults, llm.ContentBlock{
				Type:      "tool_result",
				ToolUseID: tc.ID,
				Content:   result,
			})
		}

		messages = append(messages, llm.Message{
			Role:    "user",
			Content: toolResults,
		})
	}

	// Max iterations reached — return whatever content we have.
	// Extract the last assistant text.
	lastContent := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			if s, ok := messages[i].Content.(string); ok {
				lastContent = s
				break
			}
			if blocks, ok := messages[i].Content.([]llm.ContentBlock); ok {
				for _, b := range blocks {
					if b.Type == "text" && b.Text != "" {
						lastContent = b.Text
						break
					}
				}
				break
			}
		}
	}

	return workflow.NewResult(map[string]any{
		"response": lastContent,
		"text":     lastContent,
	}), nil
}
