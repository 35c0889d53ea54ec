package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/atd/internal/config"
	"github.com/rakunlabs/atd/internal/llm"
	"github.com/worldline-go/types"
)

// Memory is an in-memory implementation of the store interfaces, used as
// the degraded-mode fallback when neither Postgres nor SQLite is configured.
// Data does not survive process restarts.
type Memory struct {
	mu            sync.RWMutex
	providers     map[string]llm.ProviderRecord    // key -> record
	tokens        map[string]llm.APIToken          // id -> token
	tokensByHash  map[string]string                // hash -> id
	conversations map[string]llm.ConversationRecord // id -> conversation
	messages      map[string][]llm.MessageRecord    // conversation_id -> messages (append order)
	files         map[string]llm.FileRecord         // id -> file
	variables     map[string]llm.Variable           // id -> variable
}

func New() *Memory {
	slog.Info("using in-memory store (data will not persist across restarts)")

	return &Memory{
		providers:     make(map[string]llm.ProviderRecord),
		tokens:        make(map[string]llm.APIToken),
		tokensByHash:  make(map[string]string),
		conversations: make(map[string]llm.ConversationRecord),
		messages:      make(map[string][]llm.MessageRecord),
		files:         make(map[string]llm.FileRecord),
		variables:     make(map[string]llm.Variable),
	}
}

func (m *Memory) Close() {}

// ─── Provider CRUD ───

func (m *Memory) ListProviders(_ context.Context) ([]llm.ProviderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]llm.ProviderRecord, 0, len(m.providers))
	for _, rec := range m.providers {
		result = append(result, rec)
	}

	slices.SortFunc(result, func(a, b llm.ProviderRecord) int {
		if a.Key < b.Key {
			return -1
		}
		if a.Key > b.Key {
			return 1
		}
		return 0
	})

	return result, nil
}

func (m *Memory) GetProvider(_ context.Context, key string) (*llm.ProviderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.providers[key]
	if !ok {
		return nil, nil
	}

	return &rec, nil
}

func (m *Memory) CreateProvider(_ context.Context, record llm.ProviderRecord) (*llm.ProviderRecord, error) {
	// Round-trip through JSON to match DB behavior (normalize zero values).
	raw, err := json.Marshal(record.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var normalized config.LLMConfig
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	id := ulid.Make().String()
	now := time.Now().UTC().Format(time.RFC3339)

	rec := llm.ProviderRecord{
		ID:        id,
		Key:       record.Key,
		Config:    normalized,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: record.CreatedBy,
		UpdatedBy: record.UpdatedBy,
	}

	m.mu.Lock()
	m.providers[record.Key] = rec
	m.mu.Unlock()

	return &rec, nil
}

func (m *Memory) UpdateProvider(_ context.Context, key string, record llm.ProviderRecord) (*llm.ProviderRecord, error) {
	raw, err := json.Marshal(record.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var normalized config.LLMConfig
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.providers[key]
	if !ok {
		return nil, nil
	}

	existing.Config = normalized
	existing.UpdatedAt = now
	existing.UpdatedBy = record.UpdatedBy
	m.providers[key] = existing

	return &existing, nil
}

func (m *Memory) DeleteProvider(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.providers, key)
	m.mu.Unlock()

	return nil
}

// ─── Key Rotation (no-op: in-memory store never encrypts at rest) ───

func (m *Memory) RotateEncryptionKey(_ context.Context, _ []byte) error {
	return nil
}

func (m *Memory) SetEncryptionKey(_ []byte) {}

// ─── API Token CRUD ───

func (m *Memory) ListAPITokens(_ context.Context) ([]llm.APIToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]llm.APIToken, 0, len(m.tokens))
	for _, t := range m.tokens {
		result = append(result, t)
	}

	// Sort by created_at descending (newest first), matching DB behavior.
	slices.SortFunc(result, func(a, b llm.APIToken) int {
		ta := a.CreatedAt.Time
		tb := b.CreatedAt.Time
		if ta.After(tb) {
			return -1
		}
		if ta.Before(tb) {
			return 1
		}
		return 0
	})

	return result, nil
}

func (m *Memory) GetAPITokenByHash(_ context.Context, hash string) (*llm.APIToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.tokensByHash[hash]
	if !ok {
		return nil, nil
	}

	t, ok := m.tokens[id]
	if !ok {
		return nil, nil
	}

	return &t, nil
}

func (m *Memory) CreateAPIToken(_ context.Context, token llm.APIToken, tokenHash string) (*llm.APIToken, error) {
	id := ulid.Make().String()
	now := types.NewTime(time.Now().UTC())

	token.ID = id
	token.CreatedAt = now

	m.mu.Lock()
	m.tokens[id] = token
	m.tokensByHash[tokenHash] = id
	m.mu.Unlock()

	return &token, nil
}

func (m *Memory) UpdateAPIToken(_ context.Context, id string, token llm.APIToken) (*llm.APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.tokens[id]
	if !ok {
		return nil, fmt.Errorf("api_token %q not found", id)
	}

	existing.Name = token.Name
	existing.AllowedProviders = token.AllowedProviders
	existing.AllowedModels = token.AllowedModels
	existing.ExpiresAt = token.ExpiresAt
	existing.UpdatedBy = token.UpdatedBy
	m.tokens[id] = existing

	return &existing, nil
}

func (m *Memory) DeleteAPIToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Remove hash index entry.
	for hash, tokenID := range m.tokensByHash {
		if tokenID == id {
			delete(m.tokensByHash, hash)
			break
		}
	}

	delete(m.tokens, id)

	return nil
}

func (m *Memory) UpdateLastUsed(_ context.Context, id string) error {
	now := types.NewTime(time.Now().UTC())

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok {
		return nil
	}

	t.LastUsedAt = types.NewNull(now)
	m.tokens[id] = t

	return nil
}

// ─── Conversation / Message / File CRUD ───

func (m *Memory) CreateConversation(_ context.Context, c llm.ConversationRecord) (*llm.ConversationRecord, error) {
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	now := time.Now().UTC()

	c.CreatedAt = now
	c.UpdatedAt = now

	m.mu.Lock()
	m.conversations[c.ID] = c
	m.mu.Unlock()

	return &c, nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (*llm.ConversationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, nil
	}

	return &c, nil
}

func (m *Memory) TouchConversation(_ context.Context, id string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil
	}

	c.UpdatedAt = time.Now().UTC()
	c.ExpiresAt = expiresAt
	m.conversations[id] = c

	return nil
}

func (m *Memory) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.conversations, id)
	delete(m.messages, id)
	m.mu.Unlock()

	return nil
}

func (m *Memory) DeleteExpiredConversations(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, c := range m.conversations {
		if c.ExpiresAt.Before(now) {
			delete(m.conversations, id)
			delete(m.messages, id)
			removed++
		}
	}

	return removed, nil
}

func (m *Memory) AppendMessage(_ context.Context, msg llm.MessageRecord) (*llm.MessageRecord, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	msg.ID = id
	msg.CreatedAt = now

	m.mu.Lock()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	m.mu.Unlock()

	return &msg, nil
}

func (m *Memory) ListMessages(_ context.Context, conversationID string) ([]llm.MessageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	existing := m.messages[conversationID]
	result := make([]llm.MessageRecord, len(existing))
	copy(result, existing)

	return result, nil
}

func (m *Memory) CreateFile(_ context.Context, f llm.FileRecord) (*llm.FileRecord, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	f.ID = id
	f.CreatedAt = now
	if f.ProviderRefs == nil {
		f.ProviderRefs = make(map[string]string)
	}

	m.mu.Lock()
	m.files[id] = f
	m.mu.Unlock()

	return &f, nil
}

func (m *Memory) GetFile(_ context.Context, id string) (*llm.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[id]
	if !ok {
		return nil, nil
	}

	return &f, nil
}

func (m *Memory) GetFileBySHA256(_ context.Context, sha256 string) (*llm.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, f := range m.files {
		if f.SHA256 == sha256 {
			f := f
			return &f, nil
		}
	}

	return nil, nil
}

func (m *Memory) SetFileProviderRef(_ context.Context, id, provider, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[id]
	if !ok {
		return fmt.Errorf("file %q not found", id)
	}

	if f.ProviderRefs == nil {
		f.ProviderRefs = make(map[string]string)
	}
	f.ProviderRefs[provider] = externalID
	m.files[id] = f

	return nil
}

// ─── Variable CRUD ───

func (m *Memory) ListVariables(_ context.Context) ([]llm.Variable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]llm.Variable, 0, len(m.variables))
	for _, v := range m.variables {
		result = append(result, v)
	}

	slices.SortFunc(result, func(a, b llm.Variable) int {
		if a.Key < b.Key {
			return -1
		}
		if a.Key > b.Key {
			return 1
		}
		return 0
	})

	return result, nil
}

func (m *Memory) GetVariableByKey(_ context.Context, key string) (*llm.Variable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, v := range m.variables {
		if v.Key == key {
			return &v, nil
		}
	}

	return nil, nil
}

func (m *Memory) CreateVariable(_ context.Context, v llm.Variable) (*llm.Variable, error) {
	id := ulid.Make().String()
	now := time.Now().UTC().Format(time.RFC3339)

	rec := llm.Variable{
		ID:          id,
		Key:         v.Key,
		Value:       v.Value,
		Description: v.Description,
		Secret:      v.Secret,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	m.variables[id] = rec
	m.mu.Unlock()

	return &rec, nil
}

func (m *Memory) UpdateVariable(_ context.Context, id string, v llm.Variable) (*llm.Variable, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.variables[id]
	if !ok {
		return nil, nil
	}

	existing.Key = v.Key
	existing.Value = v.Value
	existing.Description = v.Description
	existing.Secret = v.Secret
	existing.UpdatedAt = now
	m.variables[id] = existing

	return &existing, nil
}

func (m *Memory) DeleteVariable(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.variables, id)
	m.mu.Unlock()

	return nil
}
