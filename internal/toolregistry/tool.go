// Package toolregistry maps tool names to factories and produces per-call
// tool instances, per the Tool Registry & Tool Contract.
//
// Grounded on pkg/mcp/tools.go: a name-to-handler map plus a
// describe/execute split, generalized here to the SimpleTool/WorkflowTool
// capability split and a visibility-based filter.
package toolregistry

import (
	"context"
)

// ProgressSink lets a running tool emit non-terminal progress frames. It is
// best-effort: a failed Emit never breaks the calling tool.
type ProgressSink interface {
	Emit(level, message string, fields map[string]any)
}

// ConversationHandle is the subset of the Conversation Service a tool needs
// to read prior turns and record new ones, without depending on the
// concrete conversation package (avoids an import cycle: conversation
// depends on toolregistry's Tool interface via the dispatcher, not the
// other way around).
type ConversationHandle interface {
	ContinuationID() string
	AppendTurn(ctx context.Context, role, content string) error
}

// Descriptor is what `list_tools` returns for a single tool.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
	Visibility  Visibility     `json:"visibility"`
}

// Visibility controls whether a tool is advertised to a given session.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityHidden  Visibility = "hidden"
	VisibilityInternal Visibility = "internal"
)

// Result is a tool's terminal, successful outcome.
type Result struct {
	Value          any            `json:"value"`
	ContinuationID string         `json:"continuation_id,omitempty"`
	Usage          *Usage         `json:"usage,omitempty"`
}

// Usage mirrors the wire result frame's optional usage block.
type Usage struct {
	TokensIn   int     `json:"tokens_in"`
	TokensOut  int     `json:"tokens_out"`
	DurationMS int64   `json:"duration_ms"`
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
}

// Tool is the capability every registered tool implements: Describe plus
// Execute, polymorphic over SimpleTool and WorkflowTool (the latter also
// accepts/returns a continuation id and may suspend on multiple provider
// calls; both shapes satisfy this single interface since Result already
// carries an optional ContinuationID).
type Tool interface {
	Describe() Descriptor
	Execute(ctx context.Context, args map[string]any, conv ConversationHandle, progress ProgressSink) (*Result, error)
}

// Factory produces a fresh Tool instance for a single call. Tools are
// stateless between calls; any per-call state lives in the instance
// Factory returns, not in the registry.
type Factory func() Tool
