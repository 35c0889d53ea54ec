// Package router picks a (provider, model) pair for a call, per the
// Router's responsibility: resolve a possibly-"auto" requested model
// against declared provider preferences, then attempt candidates in order,
// demoting any that return a retryable error.
//
// Grounded on the parseModelID/isModelAllowed/hasModel trio
// (internal/server/gateway.go), generalized from a single
// "provider/model" split into a full candidate-list/fallback algorithm.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/rakunlabs/atd/internal/providerregistry"
	"github.com/rakunlabs/atd/internal/rpcerror"
)

// Candidate is one (provider, model) pair to attempt, in priority order.
type Candidate struct {
	Provider providerregistry.Info
	Model string
}

// Router resolves call requests to an ordered candidate list.
type Router struct {
	registry *providerregistry.Registry
}

// New builds a Router over registry.
func New(registry *providerregistry.Registry) *Router {
	return &Router{registry: registry}
}

// ParseModelID splits "provider/model" into its parts, the way
// parseModelID does for its "provider_key/actual_model" scheme.
func ParseModelID(model string) (provider, actualModel string, err error) {
	idx := strings.Index(model, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("model %q must use format \"provider/model\"", model)
	}

	provider, actualModel = model[:idx], model[idx+1:]
	if provider == "" || actualModel == "" {
		return "", "", fmt.Errorf("model %q has empty provider or model name", model)
	}

	return provider, actualModel, nil
}

// Resolve builds the ordered candidate list for a requested model.
//
// 1. A concrete "provider/model" string maps to exactly one candidate.
// 2. "auto" or empty expands to every configured provider's preferred
// models in configured order — determinism comes from registry.All,
// which returns providers sorted by key.
func (r *Router) Resolve(requested string) ([]Candidate, error) {
	if requested != "" && requested != "auto" {
		providerKey, model, err := ParseModelID(requested)
		if err != nil {
			return nil, rpcerror.Wrap(rpcerror.InvalidRequest, err)
		}

		info, ok := r.registry.Get(providerKey)
		if !ok {
			return nil, rpcerror.New(rpcerror.InvalidRequest, "unknown provider %q", providerKey)
		}
		if !info.HasModel(model) {
			return nil, rpcerror.New(rpcerror.InvalidRequest, "provider %q does not serve model %q", providerKey, model)
		}

		return []Candidate{{Provider: info, Model: model}}, nil
	}

	var candidates []Candidate
	for _, info := range r.registry.All() {
		models := info.PreferredModels
		if len(models) == 0 {
			models = []string{info.DefaultModel}
		}
		for _, m := range models {
			if m == "" {
				continue
			}
			candidates = append(candidates, Candidate{Provider: info, Model: m})
		}
	}

	if len(candidates) == 0 {
		return nil, rpcerror.New(rpcerror.InvalidRequest, "no providers configured")
	}

	return candidates, nil
}

// Attempt calls fn against each candidate in order, stopping at the first
// success. A candidate whose error is Retryable per the provider's
// classification moves on to the next; a non-retryable error propagates
// immediately, algorithm step 3.
func Attempt(ctx context.Context, candidates []Candidate, fn func(ctx context.Context, c Candidate) (any, error)) (any, Candidate, error) {
	var lastErr error

	for _, c := range candidates {
		result, err := fn(ctx, c)
		if err == nil {
			return result, c, nil
		}

		lastErr = err

		if rerr, ok := rpcerror.AsRPCError(err); ok && rerr.Retryable {
			continue
		}

		return nil, c, err
	}

	return nil, Candidate{}, lastErr
}
