// Package workflow implements the "workflow" WorkflowTool: it parses an
// inline graph (nodes + edges) from the call arguments, drives one
// workflow.Engine.Run over it, and emits a progress frame per node
// executed, WorkflowTool variant.
//
// Grounded on internal/service/workflow's execution engine, adapted
// wholesale as the supplemented WorkflowTool feature (see DESIGN.md): a
// workflow tool call drives one Engine.Run per call_tool/continuation_id
// pair.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rakunlabs/atd/internal/llm"
	"github.com/rakunlabs/atd/internal/observability"
	"github.com/rakunlabs/atd/internal/providerregistry"
	"github.com/rakunlabs/atd/internal/rpcerror"
	"github.com/rakunlabs/atd/internal/toolregistry"
	wfengine "github.com/rakunlabs/atd/internal/workflow"

	_ "github.com/rakunlabs/atd/internal/workflow/nodes" // registers node factories via init
)

// Deps are the daemon-wide singletons the workflow tool needs.
type Deps struct {
	Providers *providerregistry.Registry
	VarLookup wfengine.VarLookup
	VarLister wfengine.VarLister
}

// Factory returns a toolregistry.Factory bound to deps.
func Factory(deps Deps) toolregistry.Factory {
	return func() toolregistry.Tool {
		return &Tool{deps: deps}
	}
}

// Tool is the per-call workflow tool instance.
type Tool struct {
	deps Deps
}

func (t *Tool) Describe() toolregistry.Descriptor {
	return toolregistry.Descriptor{
		Name: "workflow",
		Description: "Run a node graph (input/llm_call/template/conditional/loop/script/http_request/agent_call/log/output) against the configured providers.",
		Visibility: toolregistry.VisibilityPublic,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"graph": map[string]any{
					"type": "object",
					"description": "{nodes: [...], edges: [...]} — see workflow node reference.",
				},
				"inputs": map[string]any{"type": "object", "description": "Trigger inputs, available to input nodes."},
				"continuation_id": map[string]any{"type": "string"},
			},
			"required": []string{"graph"},
		},
	}
}

func (t *Tool) providerLookup(key string) (llm.LLMProvider, string, error) {
	info, ok := t.deps.Providers.Get(key)
	if !ok {
		return nil, "", fmt.Errorf("workflow: unknown provider %q", key)
	}
	return info.Provider, info.DefaultModel, nil
}

func (t *Tool) Execute(ctx context.Context, args map[string]any, conv toolregistry.ConversationHandle, progress toolregistry.ProgressSink) (*toolregistry.Result, error) {
	graphRaw, ok := args["graph"]
	if !ok {
		return nil, rpcerror.New(rpcerror.InvalidRequest, "workflow: 'graph' is required")
	}

	var graph llm.WorkflowGraph
	if err := reencode(graphRaw, &graph); err != nil {
		return nil, rpcerror.New(rpcerror.InvalidRequest, "workflow: invalid graph: %v", err)
	}

	inputs, _ := args["inputs"].(map[string]any)

	engine := wfengine.NewEngine(t.providerLookup, t.deps.VarLookup, t.deps.VarLister)
	engine.OnNode = func(nodeID, nodeType string) {
		progress.Emit("info", fmt.Sprintf("running node %s (%s)", nodeID, nodeType), map[string]any{
			"node_id": nodeID,
			"type": nodeType,
		})
	}

	start := time.Now()
	result, err := engine.Run(ctx, graph, inputs)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	observability.RecordToolCall(observability.ToolCallMetric{
		Tool: "workflow",
		Duration: time.Since(start),
		Outcome: outcome,
	})

	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.Internal, err)
	}

	if err := conv.AppendTurn(ctx, "assistant", fmt.Sprintf("ran %d node(s)", len(graph.Nodes))); err != nil {
		return nil, rpcerror.Wrap(rpcerror.RepositoryUnavailable, err)
	}

	return &toolregistry.Result{
		Value: result.Outputs,
		ContinuationID: conv.ContinuationID(),
	}, nil
}

// reencode round-trips v through JSON into dst, since call arguments arrive
// as map[string]any (decoded from the wire frame) rather than the typed
// llm.WorkflowGraph shape.
func reencode(v any, dst any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
