package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rakunlabs/atd/internal/config"
	"github.com/worldline-go/types"
)

// LLMProvider is the generic interface every provider adapter implements.
type LLMProvider interface {
	// Chat sends messages to the LLM and returns a response.
	// The model parameter allows per-request model override;
	// if empty, the provider's default model is used.
	Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*LLMResponse, error)
}

// LLMStreamProvider is optionally implemented by providers that support
// true server-sent event (SSE) streaming. The chat tool checks for this
// interface via type assertion when a call sets "stream": true; if a
// provider doesn't implement it, the call falls back to Chat and the
// whole response is emitted as a single progress frame instead.
type LLMStreamProvider interface {
	ChatStream(ctx context.Context, model string, messages []Message, tools []Tool) (<-chan StreamChunk, http.Header, error)
}

// Tool is the provider-facing tool schema handed to Chat/ChatStream.
// The dispatcher builds these from the tool registry's SimpleTool and
// WorkflowTool definitions before every provider call.
type Tool struct {
	Name string `json:"name"`
	Description string `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`

	// Handler and HandlerType describe an inline, locally-executed
	// implementation for workflow-defined tools (agent_call node).
	// Both are omitted from the schema handed to providers.
	Handler string `json:"-"`
	HandlerType string `json:"-"` // "js" (default) or "bash"
}

// InlineImage represents a base64-encoded image returned by a provider.
type InlineImage struct {
	MimeType string // e.g. "image/png"
	Data string // base64-encoded
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	// Content is the text delta for this chunk (may be empty).
	Content string

	// InlineImages contains any base64-encoded images in this chunk.
	InlineImages []InlineImage

	// ToolCalls contains tool call deltas for this chunk.
	ToolCalls []ToolCall

	// FinishReason is set on the final chunk: "stop" or "tool_calls".
	// Empty string means this is not the final chunk.
	FinishReason string

	// Usage, when non-nil, contains the final token usage statistics for
	// the entire streamed response. Providers set this on the last chunk.
	Usage *Usage

	// Error, if non-nil, indicates the stream encountered an error.
	Error error
}

// FileUploader is optionally implemented by providers that accept file
// bytes directly and hand back an external file id for later reference in
// Chat/ChatStream calls. The upload tool checks for this via type assertion;
// providers that don't implement it simply never get an eager provider ref.
type FileUploader interface {
	UploadFile(ctx context.Context, data []byte, name, mimeType string) (externalFileID string, err error)
}

// ProviderRecord represents a provider configuration stored in the database.
// This is the persistent counterpart of config.LLMConfig: the config file
// seeds the initial set, the admin surface can add/rotate/remove on top.
type ProviderRecord struct {
	ID string `json:"id"`
	Key string `json:"key"`
	Config config.LLMConfig `json:"config"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	CreatedBy string `json:"created_by"`
	UpdatedBy string `json:"updated_by"`
}

// ProviderStorer defines CRUD operations for provider configurations
// stored in a persistent backend.
type ProviderStorer interface {
	ListProviders(ctx context.Context) ([]ProviderRecord, error)
	GetProvider(ctx context.Context, key string) (*ProviderRecord, error)
	CreateProvider(ctx context.Context, record ProviderRecord) (*ProviderRecord, error)
	UpdateProvider(ctx context.Context, key string, record ProviderRecord) (*ProviderRecord, error)
	DeleteProvider(ctx context.Context, key string) error
}

// KeyRotator is optionally implemented by stores that support encryption
// key rotation for provider credentials. The method decrypts all provider
// configs with the current key, re-encrypts them with newKey, and updates
// the rows atomically within a transaction. Passing nil as newKey disables
// encryption (all values are stored as plaintext).
type KeyRotator interface {
	RotateEncryptionKey(ctx context.Context, newKey []byte) error
}

// EncryptionKeyUpdater is optionally implemented by stores that support
// updating the in-memory encryption key without re-encrypting database rows.
type EncryptionKeyUpdater interface {
	SetEncryptionKey(newKey []byte)
}

// ─── API Token Management ───

// APIToken represents a bearer token stored in the database for daemon auth.
// AllowedProviders/AllowedModels scope what a given token may invoke; the
// dispatcher checks these before routing a call_tool frame.
type APIToken struct {
	ID string `json:"id"`
	Name string `json:"name"`
	TokenPrefix string `json:"token_prefix"` // first 8 chars for display (e.g. "atd_xxxx…")
	AllowedProviders types.Slice[string] `json:"allowed_providers"` // nil = all providers allowed
	AllowedModels types.Slice[string] `json:"allowed_models"` // nil = all models allowed ("provider/model" format)
	ExpiresAt types.Null[types.Time] `json:"expires_at"` // zero value = no expiry
	CreatedAt types.Time `json:"created_at"`
	LastUsedAt types.Null[types.Time] `json:"last_used_at"`
	CreatedBy string `json:"created_by"`
	UpdatedBy string `json:"updated_by"`
}

// APITokenStorer defines CRUD operations for API tokens.
type APITokenStorer interface {
	ListAPITokens(ctx context.Context) ([]APIToken, error)
	GetAPITokenByHash(ctx context.Context, hash string) (*APIToken, error)
	CreateAPIToken(ctx context.Context, token APIToken, tokenHash string) (*APIToken, error)
	UpdateAPIToken(ctx context.Context, id string, token APIToken) (*APIToken, error)
	DeleteAPIToken(ctx context.Context, id string) error
	UpdateLastUsed(ctx context.Context, id string) error
}

// Message is a single turn in a conversation passed to a provider.
type Message struct {
	Role string `json:"role"`
	Content any `json:"content"` // string or []ContentBlock
}

// ContentBlock is one piece of a multi-part message: plain text, a tool
// invocation, a tool result, or an inline media attachment.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	ID string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content string `json:"content,omitempty"`
	Source *MediaSource `json:"source,omitempty"`
}

// MediaSource represents a media source for content blocks (images,
// documents, audio). Used by the GLM provider's content-block wire format,
// where the source carries base64-encoded data or a URL reference.
type MediaSource struct {
	Type string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"` // e.g. "image/png", "application/pdf"
	Data string `json:"data,omitempty"` // base64-encoded data (when type="base64")
	URL string `json:"url,omitempty"` // URL reference (when type="url")
}

// Usage contains token usage statistics from the upstream provider.
type Usage struct {
	PromptTokens int
	CompletionTokens int
	TotalTokens int
}

// LLMResponse is the normalized, non-streamed result of a provider call.
type LLMResponse struct {
	Content string
	InlineImages []InlineImage
	ToolCalls []ToolCall
	Finished bool
	Usage Usage
	Header http.Header
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID string
	Name string
	Arguments map[string]any
}

// ─── Workflow Graph (WorkflowTool payload) ───

// WorkflowGraph is the full graph definition (nodes + edges) a caller
// passes inline as the first call_tool arguments of a workflow tool.
type WorkflowGraph struct {
	Nodes []WorkflowNode `json:"nodes"`
	Edges []WorkflowEdge `json:"edges"`
}

// WorkflowNode represents a single node in a workflow graph.
type WorkflowNode struct {
	ID string `json:"id"`
	Type string `json:"type"` // "input", "output", "llm_call", "agent_call", "template", "prompt_template", "conditional", "loop", "script", "http_request", "exec", "log"
	Data map[string]any `json:"data"` // node-type-specific configuration
}

// WorkflowEdge connects two nodes via their handles/ports.
type WorkflowEdge struct {
	ID string `json:"id"`
	Source string `json:"source"` // source node ID
	Target string `json:"target"` // target node ID
	SourceHandle string `json:"source_handle"` // output port name on source
	TargetHandle string `json:"target_handle"` // input port name on target
}

// ─── Conversation / Message / File persistence ───

// ConversationRecord is the persisted row backing a conversation.
// internal/conversation wraps this with in-memory state (pending tool
// calls, provider fallback history) that never hits the database.
type ConversationRecord struct {
	ID string `json:"id"`
	SessionID string `json:"session_id"`
	Provider string `json:"provider"`
	Model string `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MessageRecord is a single persisted conversation turn. Content carries
// the JSON-encoded Message/ContentBlock payload exchanged with a provider.
type MessageRecord struct {
	ID string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role string `json:"role"`
	Content json.RawMessage `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// FileRecord is a file reference attached to a conversation: the daemon
// stores file bytes on the local filesystem/object store and keeps the
// pointer plus the set of providers it has already been uploaded to.
type FileRecord struct {
	ID string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Name string `json:"name"`
	MimeType string `json:"mime_type"`
	Size int64 `json:"size"`
	SHA256 string `json:"sha256"`
	StoragePath string `json:"storage_path"`
	ProviderRefs map[string]string `json:"provider_refs"` // provider key -> external file ID
	CreatedAt time.Time `json:"created_at"`
}

// ConversationStorer defines CRUD + TTL sweep operations for conversations,
// their messages, and attached files.
type ConversationStorer interface {
	CreateConversation(ctx context.Context, c ConversationRecord) (*ConversationRecord, error)
	GetConversation(ctx context.Context, id string) (*ConversationRecord, error)
	TouchConversation(ctx context.Context, id string, expiresAt time.Time) error
	DeleteConversation(ctx context.Context, id string) error
	DeleteExpiredConversations(ctx context.Context, now time.Time) (int64, error)

	AppendMessage(ctx context.Context, m MessageRecord) (*MessageRecord, error)
	ListMessages(ctx context.Context, conversationID string) ([]MessageRecord, error)

	CreateFile(ctx context.Context, f FileRecord) (*FileRecord, error)
	GetFile(ctx context.Context, id string) (*FileRecord, error)
	GetFileBySHA256(ctx context.Context, sha256 string) (*FileRecord, error)
	SetFileProviderRef(ctx context.Context, id, provider, externalID string) error
}

// ─── Variable Management ───

// Variable is a key-value pair available to workflow nodes via getVar
// (template/script nodes).
type Variable struct {
	ID string `json:"id"`
	Key string `json:"key"`
	Value string `json:"value"`
	Description string `json:"description"`
	Secret bool `json:"secret"` // true = encrypted at rest, value redacted in list API
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// VariableStorer defines CRUD operations for variables.
type VariableStorer interface {
	ListVariables(ctx context.Context) ([]Variable, error)
	GetVariableByKey(ctx context.Context, key string) (*Variable, error)
	CreateVariable(ctx context.Context, v Variable) (*Variable, error)
	UpdateVariable(ctx context.Context, id string, v Variable) (*Variable, error)
	DeleteVariable(ctx context.Context, id string) error
}
