package repository

import (
	"context"
	"log/slog"

	"github.com/rakunlabs/atd/internal/config"
	atcrypto "github.com/rakunlabs/atd/internal/crypto"
	"github.com/rakunlabs/atd/internal/llm"
	"github.com/rakunlabs/atd/internal/repository/memory"
	"github.com/rakunlabs/atd/internal/repository/postgres"
	"github.com/rakunlabs/atd/internal/repository/sqlite"
)

// backend is the durable persistence contract each store package
// (postgres/sqlite/memory) implements on its own.
type backend interface {
	llm.ProviderStorer
	llm.APITokenStorer
	llm.ConversationStorer
	llm.VariableStorer
	Close()
}

// StorerClose is the full persistence contract the daemon depends on:
// provider configs, API tokens, conversation/message/file state, and the
// best-effort Cache every backend shares (see cache.go).
type StorerClose interface {
	backend
	Cache() Cache
}

// withCache adapts any backend into a StorerClose by pairing it with an
// in-process Cache. Every backend shares the same Cache implementation:
// the durable stores don't need to agree on a caching strategy, only on
// exposing one.
type withCache struct {
	backend
	cache *memCache
}

func (w *withCache) Cache() Cache { return w.cache }

// New creates a StorerClose based on the given store configuration.
// When neither Postgres nor SQLite is configured, it falls back to the
// in-memory store (degraded mode: data does not survive
// a restart but the daemon keeps serving).
func New(ctx context.Context, cfg config.Store) (StorerClose, error) {
	var encKey []byte
	if cfg.EncryptionKey != "" {
		key, err := atcrypto.DeriveKey(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		encKey = key
	}

	var b backend
	var err error

	switch {
	case cfg.Postgres != nil:
		b, err = postgres.New(ctx, cfg.Postgres, encKey)
	case cfg.SQLite != nil:
		b, err = sqlite.New(ctx, cfg.SQLite, encKey)
	default:
		slog.Warn("no repository backend configured, falling back to in-memory store")
		b = memory.New()
	}
	if err != nil {
		return nil, err
	}

	return &withCache{backend: b, cache: newMemCache()}, nil
}
