// Package diagnostics implements the "diagnostics" SimpleTool: a read-only
// snapshot of daemon health and configured providers, for clients that want
// to check liveness/capacity without hitting the health file directly.
package diagnostics

import (
	"context"

	"github.com/rakunlabs/atd/internal/observability"
	"github.com/rakunlabs/atd/internal/providerregistry"
	"github.com/rakunlabs/atd/internal/toolregistry"
)

// Deps are the daemon-wide singletons the diagnostics tool needs.
type Deps struct {
	Health    *observability.HealthWriter
	Providers *providerregistry.Registry
}

// Factory returns a toolregistry.Factory bound to deps.
func Factory(deps Deps) toolregistry.Factory {
	return func() toolregistry.Tool {
		return &Tool{deps: deps}
	}
}

// Tool is the per-call diagnostics tool instance.
type Tool struct {
	deps Deps
}

func (t *Tool) Describe() toolregistry.Descriptor {
	return toolregistry.Descriptor{
		Name:        "diagnostics",
		Description: "Report daemon health (pid, start time, inflight counts) and the set of configured providers.",
		Visibility:  toolregistry.VisibilityPublic,
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}

// ProviderStatus summarizes one configured provider for the diagnostics
// result, without leaking credentials.
type ProviderStatus struct {
	Key             string   `json:"key"`
	Type            string   `json:"type"`
	DefaultModel    string   `json:"default_model"`
	PreferredModels []string `json:"preferred_models,omitempty"`
}

// Report is the diagnostics tool's result value.
type Report struct {
	Health    observability.Snapshot `json:"health"`
	Providers []ProviderStatus       `json:"providers"`
}

func (t *Tool) Execute(ctx context.Context, args map[string]any, conv toolregistry.ConversationHandle, progress toolregistry.ProgressSink) (*toolregistry.Result, error) {
	report := Report{}

	if t.deps.Health != nil {
		report.Health = t.deps.Health.CurrentSnapshot()
	}

	if t.deps.Providers != nil {
		for _, info := range t.deps.Providers.All() {
			report.Providers = append(report.Providers, ProviderStatus{
				Key:             info.Key,
				Type:            info.Type,
				DefaultModel:    info.DefaultModel,
				PreferredModels: info.PreferredModels,
			})
		}
	}

	return &toolregistry.Result{
		Value:          report,
		ContinuationID: conv.ContinuationID(),
	}, nil
}
