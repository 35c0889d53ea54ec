// Package nodes registers all built-in workflow node types.
//
// Each file in this package defines a node type and registers it via
// an init() function that calls workflow.RegisterNodeType. Importing
// this package (even as a blank import) triggers all registrations:
//
//	import _ "github.com/rakunlabs/atd/internal/workflow/nodes"
//
// Registered node types:
//
//   - input          — passes workflow trigger inputs downstream
//   - output         — collects final results into the registry
//   - prompt_template — Go text/template rendering with mustache conversion
//   - template       — Go text/template rendering (mugo functions, getVar)
//   - llm_call       — sends a prompt to an LLM provider
//   - agent_call     — agentic loop with inline JS/bash tool execution
//   - conditional    — if/branch via JavaScript expression (Goja)
//   - loop           — for-each fan-out via JavaScript expression (Goja)
//   - script         — arbitrary JavaScript execution with 3-port routing (Goja)
//   - http_request   — HTTP client node (klient, Go templates, selection routing)
//   - exec           — sandboxed shell command execution (/bin/sh -c)
//   - log            — logs incoming data and passes it through unchanged
package nodes
