package concurrency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
)

// Fingerprint computes the stable single-flight key for a tool call: a
// hash over (tool name, normalized arguments, continuation id,
// session-id-or-"global"), fingerprint definition.
// Normalization sorts map keys and omits volatile fields (timestamps,
// request-id) by construction — callers pass only the fields that matter.
func Fingerprint(tool string, arguments map[string]any, continuationID, sessionID string) string {
	if sessionID == "" {
		sessionID = "global"
	}

	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write([]byte(continuationID))
	h.Write([]byte{0})
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write(normalizeJSON(arguments))

	return hex.EncodeToString(h.Sum(nil))
}

// normalizeJSON renders v with sorted map keys so semantically identical
// argument maps fingerprint the same regardless of key order.
func normalizeJSON(v any) []byte {
	b, err := json.Marshal(sortKeys(v))
	if err != nil {
		return nil
	}
	return b
}

func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := make([]orderedPair, 0, len(keys))
		for _, k := range keys {
			out = append(out, orderedPair{K: k, V: sortKeys(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return v
	}
}

// orderedPair marshals as a two-element array so key order in the
// resulting JSON reflects the sorted order rather than Go map iteration.
type orderedPair struct {
	K string
	V any
}

func (p orderedPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.K, p.V})
}

// Controller is the daemon-wide Concurrency Controller: a global
// semaphore, one semaphore per provider, and the single-flight map.
// Per-session semaphores live in the Session Manager (internal/session)
// and are acquired before a Controller permit, outermost-to-innermost
// layer ordering.
type Controller struct {
	global *Semaphore

	mu sync.Mutex
	providers map[string]*Semaphore
	maxPer int

	inflight *InflightMap
}

// NewController builds a Controller with the given global cap and
// per-provider cap (applied lazily as providers are first seen).
func NewController(globalMax, perProviderMax int) *Controller {
	return &Controller{
		global: NewSemaphore(globalMax),
		providers: make(map[string]*Semaphore),
		maxPer: perProviderMax,
		inflight: NewInflightMap(),
	}
}

func (c *Controller) providerSem(provider string) *Semaphore {
	c.mu.Lock()
	defer c.mu.Unlock()

	sem, ok := c.providers[provider]
	if !ok {
		sem = NewSemaphore(c.maxPer)
		c.providers[provider] = sem
	}
	return sem
}

// Permit is the held set of semaphores for one admitted call; Release
// returns them in reverse acquisition order.
type Permit struct {
	global *Semaphore
	provider *Semaphore
}

// Release returns the provider permit then the global permit, the reverse
// of Acquire's order.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	if p.provider != nil {
		p.provider.Release()
	}
	if p.global != nil {
		p.global.Release()
	}
}

// Acquire admits a call for the given provider, acquiring the global then
// the per-provider semaphore in order. Callers must already hold their
// session permit (from internal/session) before calling this.
func (c *Controller) Acquire(ctx context.Context, provider string) (*Permit, error) {
	if err := c.global.Acquire(ctx); err != nil {
		return nil, err
	}

	sem := c.providerSem(provider)
	if err := sem.Acquire(ctx); err != nil {
		c.global.Release()
		return nil, err
	}

	return &Permit{global: c.global, provider: sem}, nil
}

// Join attaches to or becomes the leader for fingerprint's in-flight
// entry. See InflightMap.Join.
func (c *Controller) Join(fingerprint string) (leader bool, wait func(ctx context.Context) (any, error), settle func(any, error)) {
	return c.inflight.Join(fingerprint)
}

// GlobalInUse feeds the health snapshot; InflightCount reports the number
// of live single-flight entries for diagnostics.
func (c *Controller) GlobalInUse() int { return c.global.InUse() }
func (c *Controller) InflightCount() int { return c.inflight.Waiters() }
