// Package conversation implements the Conversation Service: it
// reconstructs a conversation's prior turns as a bounded prefix, appends
// new turns, and associates file refs with turns, backed by
// llm.ConversationStorer with an in-memory cache so reads degrade
// gracefully on repository failure.
//
// Grounded on Agent.Run's message-accumulation loop
// (internal/service/at.go): messages are appended to an ordered slice and
// replayed whole on every provider call. This package generalizes that
// in-process slice into a durable, TTL'd, token-budgeted store.
package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rakunlabs/atd/internal/clockid"
	"github.com/rakunlabs/atd/internal/llm"
)

// Turn is one accumulated message, the in-memory counterpart of
// llm.MessageRecord.
type Turn struct {
	Role string
	Content string
}

// cacheEntry is the in-memory state for one conversation: the durable
// turns plus bookkeeping needed even when the repository is unavailable.
type cacheEntry struct {
	mu sync.Mutex
	turns []Turn
	provider string
	model string
}

// Service is the Conversation Service.
type Service struct {
	store llm.ConversationStorer
	ttl time.Duration
	clock clockid.Clock

	mu sync.Mutex
	cache map[string]*cacheEntry
}

// New builds a Service backed by store, with ttl as the idle expiry
// (the CONVERSATION_TTL_S, default 3h).
func New(store llm.ConversationStorer, ttl time.Duration) *Service {
	return &Service{
		store: store,
		ttl: ttl,
		clock: clockid.Default,
		cache: make(map[string]*cacheEntry),
	}
}

// Start begins a new conversation, returning its continuation id.
func (s *Service) Start(ctx context.Context, sessionID, provider, model string) (string, error) {
	now := s.clock.Now()
	id := clockid.NewSessionID()

	rec := llm.ConversationRecord{
		ID: id,
		SessionID: sessionID,
		Provider: provider,
		Model: model,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	if _, err := s.store.CreateConversation(ctx, rec); err != nil {
		slog.Warn("conversation: create failed, continuing in-memory only", "error", err)
	}

	s.mu.Lock()
	s.cache[id] = &cacheEntry{provider: provider, model: model}
	s.mu.Unlock()

	return id, nil
}

// Load returns the most recent turns whose cumulative estimated token
// count fits budget. The estimate is chars/4 per turn; older turns are
// dropped at whole-turn boundaries. Load is best-effort: a repository failure falls back to
// the turns cached in memory, bounded the same way, never an error.
func (s *Service) Load(ctx context.Context, continuationID string, tokenBudget int) ([]Turn, error) {
	entry := s.entry(continuationID)

	rec, err := s.store.GetConversation(ctx, continuationID)
	if err != nil || rec == nil {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		return boundedPrefix(entry.turns, tokenBudget), nil
	}

	if rec.ExpiresAt.Before(s.clock.Now()) {
		return nil, nil
	}

	msgs, err := s.store.ListMessages(ctx, continuationID)
	if err != nil {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		return boundedPrefix(entry.turns, tokenBudget), nil
	}

	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		var content string
		if err := json.Unmarshal(m.Content, &content); err != nil {
			content = string(m.Content)
		}
		turns = append(turns, Turn{Role: m.Role, Content: content})
	}

	return boundedPrefix(turns, tokenBudget), nil
}

// boundedPrefix keeps the most recent turns whose estimated token count
// (chars/4) fits budget, dropping older turns at whole-turn boundaries.
func boundedPrefix(turns []Turn, tokenBudget int) []Turn {
	if tokenBudget <= 0 {
		return turns
	}

	total := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		cost := len(turns[i].Content) / 4
		if total+cost > tokenBudget && start != len(turns) {
			break
		}
		total += cost
		start = i
	}

	return turns[start:]
}

// Append records a new turn, durable-best-effort: the turn always lands in
// the in-memory cache first, and the repository write is retried a bounded
// number of times. Append never returns an error: when retries are
// exhausted the failure is logged and the turn is kept in memory only, so
// the active call's context stays correct even though persistence lagged.
func (s *Service) Append(ctx context.Context, continuationID, role, content string) error {
	entry := s.entry(continuationID)

	entry.mu.Lock()
	entry.turns = append(entry.turns, Turn{Role: role, Content: content})
	entry.mu.Unlock()

	encoded, err := json.Marshal(content)
	if err != nil {
		encoded = []byte(`""`)
	}

	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err = s.store.AppendMessage(ctx, llm.MessageRecord{
			ID: clockid.NewRowID(),
			ConversationID: continuationID,
			Role: role,
			Content: encoded,
			CreatedAt: s.clock.Now(),
		})
		if err == nil {
			break
		}
	}
	if err != nil {
		slog.Error("conversation: append failed after retries, turn kept in memory only", "continuation_id", continuationID, "error", err)
	}

	_ = s.store.TouchConversation(ctx, continuationID, s.clock.Now().Add(s.ttl))

	return nil
}

func (s *Service) entry(continuationID string) *cacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache[continuationID]
	if !ok {
		e = &cacheEntry{}
		s.cache[continuationID] = e
	}
	return e
}
