// Package dispatcher implements the WebSocket RPC op dispatch: it turns
// decoded wire frames into calls against the Session Manager, Concurrency
// Controller, Tool Registry, Router, and Conversation Service, and maps
// every outcome back onto the `ack -> progress* -> result|error` ordering
// guarantee.
//
// Grounded on pkg/mcp/server.go's handleRequest method-switch idiom,
// generalized from JSON-RPC method names to this protocol's
// `op` field and from a single synchronous response to the
// ack/progress/terminal frame sequence.
package dispatcher

import "encoding/json"

// Frame is the wire envelope every message carries.
type Frame struct {
	Op             string          `json:"op"`
	Token          string          `json:"token,omitempty"`
	Client         json.RawMessage `json:"client,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Items          []ToolItem      `json:"items,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	Tool           string          `json:"tool,omitempty"`
	Arguments      map[string]any  `json:"arguments,omitempty"`
	ContinuationID string          `json:"continuation_id,omitempty"`
	Timeout        float64         `json:"timeout,omitempty"`
	Level          string          `json:"level,omitempty"`
	Message        string          `json:"message,omitempty"`
	Fields         map[string]any  `json:"fields,omitempty"`
	Value          any             `json:"value,omitempty"`
	Usage          *FrameUsage     `json:"usage,omitempty"`
	Kind           string          `json:"kind,omitempty"`
	Retryable      bool            `json:"retryable,omitempty"`
	Details        map[string]any  `json:"details,omitempty"`
	Server         *ServerInfo     `json:"server,omitempty"`
}

// ToolItem is one entry of a `tools` frame's items list.
type ToolItem struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
	Visibility  string         `json:"visibility"`
}

// FrameUsage is the wire shape of a result frame's optional usage block.
type FrameUsage struct {
	TokensIn   int    `json:"tokens_in"`
	TokensOut  int    `json:"tokens_out"`
	DurationMS int64  `json:"duration_ms"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
}

// ServerInfo is the wire shape of hello_ack's server block.
type ServerInfo struct {
	Version string       `json:"version"`
	Caps    ServerCaps   `json:"caps"`
}

// ServerCaps advertises the daemon's supported tools/models at handshake.
type ServerCaps struct {
	Tools  []string `json:"tools"`
	Models []string `json:"models"`
}

// ClientInfo is the decoded shape of hello's client field.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}
