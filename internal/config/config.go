package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Providers is a map of named provider configurations.
	// Each provider has a type ("kimi" or "glm"), along with api_key,
	// base_url, model, and extra_headers fields.
	//
	// Supported types:
	// - "kimi": Moonshot AI's Kimi models via the OpenAI-compatible chat
	// completions wire format. Also serves any other
	// OpenAI-compatible backend (Groq, DeepSeek, Ollama, etc.)
	// when base_url is overridden.
	// - "glm": Zhipu AI's GLM models via their Anthropic-compatible
	// endpoint (same content-block wire format as Claude).
	//
	// Example YAML:
	//
	// providers:
	// kimi:
	// type: kimi
	// api_key: "sk-..."
	// model: "kimi-k2-0905-preview"
	// glm:
	// type: glm
	// api_key: "..."
	// model: "glm-4.6"
	// groq:
	// type: kimi
	// api_key: "gsk_..."
	// base_url: "https://api.groq.com/openai/v1/chat/completions"
	// model: "llama-3.3-70b-versatile"
	// ollama:
	// type: kimi
	// base_url: "http://localhost:11434/v1/chat/completions"
	// model: "llama3.2"
	Providers map[string]LLMConfig `cfg:"providers"`

	// Daemon carries the WebSocket RPC broker's own tunables: listener
	// address, frame size cap, concurrency semaphore sizes, the timeout
	// hierarchy, and TTLs. These map to the env vars names
	// verbatim (BIND_HOST, MAX_FRAME_BYTES, ...) rather than the ATD_
	// prefix the rest of this struct uses.
	Daemon Daemon `cfg:"daemon"`

	Store Store `cfg:"store"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// Daemon holds the WebSocket RPC broker's listener, concurrency, and
// timeout-hierarchy configuration .
type Daemon struct {
	BindHost string `cfg:"bind_host,no_prefix" default:"0.0.0.0"`
	BindPort string `cfg:"bind_port,no_prefix" default:"8787"`

	// AuthToken is the initial bearer token accepted on `hello` frames.
	AuthToken string `cfg:"auth_token,no_prefix" log:"-"`

	// AdminToken protects /admin/* routes (key rotation, health
	// introspection), checked alongside AuthToken but rotated
	// independently via internal/tokenmanager. Empty disables /admin/*
	// entirely (403 on every route).
	AdminToken string `cfg:"admin_token,no_prefix" log:"-"`

	// MaxFrameBytes caps inbound WS frame size; default 32 MiB.
	MaxFrameBytes int64 `cfg:"max_frame_bytes,no_prefix" default:"33554432"`

	// GlobalInflightMax/ProviderInflightMax/SessionInflightMax size the
	// three nested semaphores of the Concurrency Controller .
	GlobalInflightMax int `cfg:"global_inflight_max,no_prefix" default:"256"`
	ProviderInflightMax int `cfg:"provider_inflight_max,no_prefix" default:"64"`
	SessionInflightMax int `cfg:"session_inflight_max,no_prefix" default:"8"`

	// ToolDefaultTimeoutS, DaemonTimeoutMultiplier, and ShimTimeoutMultiplier
	// form the timeout hierarchy : every call_tool deadline is
	// min(client-supplied, tool-default, daemon-max); the daemon wrapper and
	// external shim each extend the tool-default by their multiplier for
	// cleanup grace. ToolDefaultTimeoutS accepts any duration string parsed
	// by go-str2duration ("120s", "2m"); Validate resolves it into
	// ToolDefaultTimeout.
	ToolDefaultTimeoutS string `cfg:"tool_default_timeout_s,no_prefix" default:"120s"`
	DaemonTimeoutMultiplier float64 `cfg:"daemon_timeout_multiplier,no_prefix" default:"1.5"`
	ShimTimeoutMultiplier float64 `cfg:"shim_timeout_multiplier,no_prefix" default:"2"`

	// ConversationTTLS is the conversation idle TTL swept by the Reaper.
	ConversationTTLS string `cfg:"conversation_ttl_s,no_prefix" default:"10800s"`
	// SessionIdleTTLS is the session idle reap threshold.
	SessionIdleTTLS string `cfg:"session_idle_ttl_s,no_prefix" default:"1800s"`

	// HealthFilePath, if set, is where the daemon writes a periodic JSON
	// health snapshot (pid, listening state, open sessions, global inflight
	// count, last error, version).
	HealthFilePath string `cfg:"health_file_path,no_prefix"`

	// StorageDir is where the upload tool writes deduplicated file bytes,
	// named by their sha256 hex digest. Defaults to a local "data/files"
	// directory; set to a mounted volume in production.
	StorageDir string `cfg:"storage_dir,no_prefix" default:"data/files"`

	// KimiAPIKey/KimiBaseURL/KimiPreferredModels and their GLM counterparts
	// let the daemon bootstrap a provider purely from env vars, without a
	// providers.* YAML block. Load merges these into Providers if the
	// corresponding key ("kimi"/"glm") isn't already configured there.
	KimiAPIKey string `cfg:"kimi_api_key,no_prefix" log:"-"`
	KimiBaseURL string `cfg:"kimi_base_url,no_prefix"`
	KimiPreferredModels string `cfg:"kimi_preferred_models,no_prefix"`
	GLMAPIKey string `cfg:"glm_api_key,no_prefix" log:"-"`
	GLMBaseURL string `cfg:"glm_base_url,no_prefix"`
	GLMPreferredModels string `cfg:"glm_preferred_models,no_prefix"`

	// ToolAllowList/ToolDenyList build the daemon-wide toolregistry.Filter
	// applied in hello_ack and list_tools: comma-separated tool names: an
	// empty allow-list means "every registered tool", deny always wins over
	// allow. Neither restricts call_tool itself — a client that already
	// knows a filtered-out tool's name can still invoke it directly; this
	// only controls what gets advertised.
	ToolAllowList string `cfg:"tool_allow_list,no_prefix"`
	ToolDenyList string `cfg:"tool_deny_list,no_prefix"`

	// FeatureStreaming gates the chat tool's "stream": true branch: when
	// false, a streamed call_tool request is served exactly like a
	// non-streamed one (ChatStream is never invoked) regardless of what the
	// provider supports.
	FeatureStreaming bool `cfg:"feature_streaming,no_prefix" default:"true"`

	// FeatureWebsearch gates the chat tool's "use_websearch" argument. Off
	// by default: no provider adapter currently implements a web-search
	// augmented Chat/ChatStream call, so turning this on only has an effect
	// once a provider wires one in.
	FeatureWebsearch bool `cfg:"feature_websearch,no_prefix" default:"false"`

	// Resolved durations, populated by Validate from the *_S string fields.
	ToolDefaultTimeout time.Duration `cfg:"-" log:"-"`
	ConversationTTL time.Duration `cfg:"-" log:"-"`
	SessionIdleTTL time.Duration `cfg:"-" log:"-"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite *StoreSQLite `cfg:"sqlite"`

	// EncryptionKey, if set, enables AES-256-GCM encryption for sensitive
	// provider fields (api_key, extra_headers values) stored in the database.
	// The key can be any non-empty string; it is hashed with SHA-256 into a
	// 32-byte key internally. When empty, no encryption is applied.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource string `cfg:"datasource" log:"-"`
	Schema string `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns *int `cfg:"max_idle_conns"`
	MaxOpenConns *int `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource string `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string `cfg:"datasource" log:"-"`
	Schema string `cfg:"schema"`
	Table string `cfg:"table"`
	Values map[string]string `cfg:"values"`
}

// LLMConfig describes a single LLM provider configuration.
type LLMConfig struct {
	// Type is the provider type: "kimi" or "glm".
	// The "kimi" type works with any OpenAI-compatible chat completions API.
	// The "glm" type works with Zhipu AI's Anthropic-compatible endpoint.
	Type string `cfg:"type" json:"type"`

	// APIKey is the authentication key for the provider.
	// Optional for local OpenAI-compatible backends like Ollama.
	APIKey string `cfg:"api_key" json:"api_key" log:"-"`

	// BaseURL is the provider endpoint. For "kimi" type it is the full chat
	// completions URL, defaulting to "https://api.moonshot.cn/v1/chat/completions".
	// For "glm" type it is the base to which "/v1/messages" is appended,
	// defaulting to "https://open.bigmodel.cn/api/anthropic".
	BaseURL string `cfg:"base_url" json:"base_url"`

	// Model is the default model identifier to use (e.g., "gpt-4o", "claude-haiku-4-5").
	Model string `cfg:"model" json:"model"`

	// Models is the list of all models this provider supports.
	// When set, the router rejects a "provider/model" request for a model not
	// in this list with InvalidRequest, and "auto" expands to these models in
	// order. If empty, any model name is accepted and "auto" uses only the
	// default Model.
	Models []string `cfg:"models" json:"models"`

	// ExtraHeaders allows setting additional HTTP headers sent with each request.
	// Useful for providers that require custom headers (e.g., GitHub Models).
	ExtraHeaders map[string]string `cfg:"extra_headers" json:"extra_headers"`

	// AuthType selects the authentication mechanism for the provider.
	// Supported values:
	// - "" (empty): Use APIKey directly as a static Bearer token (default).
	// - "device": OAuth 2.0 device authorization grant (RFC 8628). The
	// daemon runs the flow once via internal/llm.NewDeviceAuthorization
	// and caches/refreshes the resulting token automatically.
	AuthType string `cfg:"auth_type" json:"auth_type"`

	// Proxy is an optional HTTP/HTTPS/SOCKS5 proxy URL to route all requests
	// through before reaching the provider. For example:
	// - "http://proxy.example.com:8080"
	// - "socks5://127.0.0.1:1080"
	// If empty, no proxy is used (requests go directly to the provider).
	Proxy string `cfg:"proxy" json:"proxy"`

	// InsecureSkipVerify disables TLS certificate verification when
	// connecting to the provider. Use this for self-signed certificates
	// or internal endpoints that don't have valid TLS certs.
	InsecureSkipVerify bool `cfg:"insecure_skip_verify" json:"insecure_skip_verify"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("ATD_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	cfg.seedProvidersFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}

// seedProvidersFromEnv bootstraps a "kimi"/"glm" provider entry straight
// from the KIMI_*/GLM_* env vars when the corresponding key isn't already
// defined under providers.* — lets a deployment run with just a couple of
// env vars instead of a full YAML providers block.
func (c *Config) seedProvidersFromEnv() {
	if c.Providers == nil {
		c.Providers = make(map[string]LLMConfig)
	}

	if _, ok := c.Providers["kimi"]; !ok && c.Daemon.KimiAPIKey != "" {
		c.Providers["kimi"] = LLMConfig{
			Type: "kimi",
			APIKey: c.Daemon.KimiAPIKey,
			BaseURL: c.Daemon.KimiBaseURL,
			Models: SplitList(c.Daemon.KimiPreferredModels),
		}
	}

	if _, ok := c.Providers["glm"]; !ok && c.Daemon.GLMAPIKey != "" {
		c.Providers["glm"] = LLMConfig{
			Type: "glm",
			APIKey: c.Daemon.GLMAPIKey,
			BaseURL: c.Daemon.GLMBaseURL,
			Models: SplitList(c.Daemon.GLMPreferredModels),
		}
	}
}

// SplitList splits a comma-separated config string into a trimmed,
// empty-entry-free slice; shared by provider-model-list and tool
// allow/deny-list parsing.
func SplitList(s string) []string {
	if s == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}

	return out
}

// Validate resolves the Daemon timeout-hierarchy strings into durations and
// enforces the invariant the hierarchy depends on: the daemon wrapper must
// extend the tool-default timeout, and the external shim must extend it
// further still, or cleanup races against an already-cancelled context.
func (c *Config) Validate() error {
	if c.Daemon.DaemonTimeoutMultiplier <= 1 {
		return fmt.Errorf("daemon.daemon_timeout_multiplier must be greater than 1, got %v", c.Daemon.DaemonTimeoutMultiplier)
	}
	if c.Daemon.ShimTimeoutMultiplier <= c.Daemon.DaemonTimeoutMultiplier {
		return fmt.Errorf(
			"daemon.shim_timeout_multiplier (%v) must be greater than daemon.daemon_timeout_multiplier (%v)",
			c.Daemon.ShimTimeoutMultiplier, c.Daemon.DaemonTimeoutMultiplier,
		)
	}

	toolTimeout, err := str2duration.ParseDuration(c.Daemon.ToolDefaultTimeoutS)
	if err != nil {
		return fmt.Errorf("parse daemon.tool_default_timeout_s: %w", err)
	}
	c.Daemon.ToolDefaultTimeout = toolTimeout

	conversationTTL, err := str2duration.ParseDuration(c.Daemon.ConversationTTLS)
	if err != nil {
		return fmt.Errorf("parse daemon.conversation_ttl_s: %w", err)
	}
	c.Daemon.ConversationTTL = conversationTTL

	sessionTTL, err := str2duration.ParseDuration(c.Daemon.SessionIdleTTLS)
	if err != nil {
		return fmt.Errorf("parse daemon.session_idle_ttl_s: %w", err)
	}
	c.Daemon.SessionIdleTTL = sessionTTL

	if c.Daemon.MaxFrameBytes <= 0 {
		return fmt.Errorf("daemon.max_frame_bytes must be positive, got %d", c.Daemon.MaxFrameBytes)
	}

	for _, n := range []struct {
		name string
		v int
	}{
		{"global_inflight_max", c.Daemon.GlobalInflightMax},
		{"provider_inflight_max", c.Daemon.ProviderInflightMax},
		{"session_inflight_max", c.Daemon.SessionInflightMax},
	} {
		if n.v <= 0 {
			return fmt.Errorf("daemon.%s must be positive, got %d", n.name, n.v)
		}
	}

	return nil
}
