package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/atd/internal/config"
	atcrypto "github.com/rakunlabs/atd/internal/crypto"
	"github.com/rakunlabs/atd/internal/llm"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "atd_"
)

type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableProviders     exp.IdentifierExpression
	tableAPITokens     exp.IdentifierExpression
	tableConversations exp.IdentifierExpression
	tableMessages      exp.IdentifierExpression
	tableFiles         exp.IdentifierExpression
	tableVariables     exp.IdentifierExpression

	// encKey is the AES-256 key used to encrypt/decrypt sensitive provider
	// fields. nil means encryption is disabled. Protected by encKeyMu.
	encKey   []byte
	encKeyMu sync.RWMutex
}

func New(ctx context.Context, cfg *config.StorePostgres, encKey []byte) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	// /////////////////////////////////////////////
	// Run migrations.
	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}

	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}

	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}

	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}
	// /////////////////////////////////////////////

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	// Set schema search path if configured.
	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()

			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:                 db,
		goqu:               dbGoqu,
		tableProviders:     goqu.T(tablePrefix + "providers"),
		tableAPITokens:     goqu.T(tablePrefix + "tokens"),
		tableConversations: goqu.T(tablePrefix + "conversations"),
		tableMessages:      goqu.T(tablePrefix + "messages"),
		tableFiles:         goqu.T(tablePrefix + "files"),
		tableVariables:     goqu.T(tablePrefix + "variables"),
		encKey:             encKey,
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}

// ─── Provider CRUD ───

type providerRow struct {
	ID        string          `db:"id" goqu:"skipupdate"`
	Key       string          `db:"key"`
	Config    json.RawMessage `db:"config"`
	CreatedAt time.Time       `db:"created_at" goqu:"skipupdate"`
	UpdatedAt time.Time       `db:"updated_at"`
	CreatedBy string          `db:"created_by" goqu:"skipupdate"`
	UpdatedBy string          `db:"updated_by"`
}

func (p *Postgres) ListProviders(ctx context.Context) ([]llm.ProviderRecord, error) {
	query, _, err := p.goqu.From(p.tableProviders).
		Select("id", "key", "config", "created_at", "updated_at", "created_by", "updated_by").
		Order(goqu.I("key").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	p.encKeyMu.RLock()
	encKey := p.encKey
	p.encKeyMu.RUnlock()

	var result []llm.ProviderRecord
	for rows.Next() {
		var row providerRow
		if err := rows.Scan(&row.ID, &row.Key, &row.Config, &row.CreatedAt, &row.UpdatedAt, &row.CreatedBy, &row.UpdatedBy); err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}

		rec, err := rowToRecord(row, encKey)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}

	return result, rows.Err()
}

func (p *Postgres) GetProvider(ctx context.Context, key string) (*llm.ProviderRecord, error) {
	query, _, err := p.goqu.From(p.tableProviders).
		Select("id", "key", "config", "created_at", "updated_at", "created_by", "updated_by").
		Where(goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var row providerRow
	err = p.db.QueryRowContext(ctx, query).Scan(&row.ID, &row.Key, &row.Config, &row.CreatedAt, &row.UpdatedAt, &row.CreatedBy, &row.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider %q: %w", key, err)
	}

	p.encKeyMu.RLock()
	encKey := p.encKey
	p.encKeyMu.RUnlock()

	return rowToRecord(row, encKey)
}

func (p *Postgres) CreateProvider(ctx context.Context, record llm.ProviderRecord) (*llm.ProviderRecord, error) {
	p.encKeyMu.RLock()
	encKey := p.encKey
	p.encKeyMu.RUnlock()

	storeCfg, err := atcrypto.EncryptLLMConfig(record.Config, encKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt config: %w", err)
	}

	configJSON, err := json.Marshal(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	key := record.Key
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableProviders).Rows(
		goqu.Record{
			"id":         id,
			"key":        key,
			"config":     configJSON,
			"created_at": now,
			"updated_at": now,
			"created_by": record.CreatedBy,
			"updated_by": record.UpdatedBy,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create provider %q: %w", key, err)
	}

	return &llm.ProviderRecord{
		ID:        id,
		Key:       key,
		Config:    record.Config,
		CreatedAt: now.Format(time.RFC3339),
		UpdatedAt: now.Format(time.RFC3339),
		CreatedBy: record.CreatedBy,
		UpdatedBy: record.UpdatedBy,
	}, nil
}

func (p *Postgres) UpdateProvider(ctx context.Context, key string, record llm.ProviderRecord) (*llm.ProviderRecord, error) {
	p.encKeyMu.RLock()
	encKey := p.encKey
	p.encKeyMu.RUnlock()

	storeCfg, err := atcrypto.EncryptLLMConfig(record.Config, encKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt config: %w", err)
	}

	configJSON, err := json.Marshal(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	now := time.Now().UTC()

	query, _, err := p.goqu.Update(p.tableProviders).Set(
		goqu.Record{
			"config":     configJSON,
			"updated_at": now,
			"updated_by": record.UpdatedBy,
		},
	).Where(goqu.I("key").Eq(key)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update provider %q: %w", key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	return p.GetProvider(ctx, key)
}

func (p *Postgres) DeleteProvider(ctx context.Context, key string) error {
	query, _, err := p.goqu.Delete(p.tableProviders).
		Where(goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete provider %q: %w", key, err)
	}

	return nil
}

// ─── Helpers ───

func rowToRecord(row providerRow, encKey []byte) (*llm.ProviderRecord, error) {
	var cfg config.LLMConfig
	if err := json.Unmarshal(row.Config, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal provider config for %q: %w", row.Key, err)
	}

	cfg, err := atcrypto.DecryptLLMConfig(cfg, encKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt provider config for %q: %w", row.Key, err)
	}

	return &llm.ProviderRecord{
		ID:        row.ID,
		Key:       row.Key,
		Config:    cfg,
		CreatedAt: row.CreatedAt.Format(time.RFC3339),
		UpdatedAt: row.UpdatedAt.Format(time.RFC3339),
		CreatedBy: row.CreatedBy,
		UpdatedBy: row.UpdatedBy,
	}, nil
}

// ─── Key Rotation ───

// RotateEncryptionKey decrypts all provider configs with the current key,
// re-encrypts them with newKey, and updates the rows atomically.
// Passing nil as newKey disables encryption (stores plaintext).
func (p *Postgres) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	p.encKeyMu.Lock()
	defer p.encKeyMu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Read all provider rows within the transaction with FOR UPDATE to
	// prevent concurrent CRUD writes from inserting rows encrypted with
	// the old key while rotation is in progress.
	selectQuery, _, err := p.goqu.From(p.tableProviders).
		Select("id", "key", "config").
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build select query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectQuery)
	if err != nil {
		return fmt.Errorf("list providers for rotation: %w", err)
	}

	type rowData struct {
		id     string
		key    string
		config json.RawMessage
	}

	var allRows []rowData
	for rows.Next() {
		var r rowData
		if err := rows.Scan(&r.id, &r.key, &r.config); err != nil {
			rows.Close()
			return fmt.Errorf("scan provider row: %w", err)
		}
		allRows = append(allRows, r)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate provider rows: %w", err)
	}

	// Re-encrypt each row: decrypt with old key, encrypt with new key.
	for _, r := range allRows {
		var cfg config.LLMConfig
		if err := json.Unmarshal(r.config, &cfg); err != nil {
			return fmt.Errorf("unmarshal config for %q: %w", r.key, err)
		}

		// Decrypt with the current key.
		cfg, err := atcrypto.DecryptLLMConfig(cfg, p.encKey)
		if err != nil {
			return fmt.Errorf("decrypt config for %q: %w", r.key, err)
		}

		// Re-encrypt with the new key (nil newKey = store as plaintext).
		cfg, err = atcrypto.EncryptLLMConfig(cfg, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt config for %q: %w", r.key, err)
		}

		configJSON, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config for %q: %w", r.key, err)
		}

		updateQuery, _, err := p.goqu.Update(p.tableProviders).Set(
			goqu.Record{"config": configJSON},
		).Where(goqu.I("id").Eq(r.id)).ToSQL()
		if err != nil {
			return fmt.Errorf("build update query for %q: %w", r.key, err)
		}

		if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
			return fmt.Errorf("update provider %q: %w", r.key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	// Update the in-memory key only after a successful commit.
	p.encKey = newKey

	slog.Info("encryption key rotated", "providers_updated", len(allRows))

	return nil
}

// SetEncryptionKey updates the in-memory encryption key without re-encrypting
// database rows. Used by peer instances when they receive a key rotation
// broadcast from the instance that performed the actual rotation.
func (p *Postgres) SetEncryptionKey(newKey []byte) {
	p.encKeyMu.Lock()
	p.encKey = newKey
	p.encKeyMu.Unlock()
}

// ─── Conversation / Message / File CRUD ───

func (p *Postgres) CreateConversation(ctx context.Context, c llm.ConversationRecord) (*llm.ConversationRecord, error) {
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	query, _, err := p.goqu.Insert(p.tableConversations).Rows(goqu.Record{
		"id":         c.ID,
		"session_id": c.SessionID,
		"provider":   c.Provider,
		"model":      c.Model,
		"created_at": c.CreatedAt,
		"updated_at": c.UpdatedAt,
		"expires_at": c.ExpiresAt,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert conversation query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	return &c, nil
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (*llm.ConversationRecord, error) {
	query, _, err := p.goqu.From(p.tableConversations).
		Select("id", "session_id", "provider", "model", "created_at", "updated_at", "expires_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get conversation query: %w", err)
	}

	var c llm.ConversationRecord
	err = p.db.QueryRowContext(ctx, query).Scan(&c.ID, &c.SessionID, &c.Provider, &c.Model, &c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %q: %w", id, err)
	}

	return &c, nil
}

func (p *Postgres) TouchConversation(ctx context.Context, id string, expiresAt time.Time) error {
	query, _, err := p.goqu.Update(p.tableConversations).Set(goqu.Record{
		"updated_at": time.Now().UTC(),
		"expires_at": expiresAt,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build touch conversation query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("touch conversation %q: %w", id, err)
	}

	return nil
}

func (p *Postgres) DeleteConversation(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableConversations).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete conversation query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete conversation %q: %w", id, err)
	}

	return nil
}

// DeleteExpiredConversations is the backing query for the session/conversation
// reaper sweep; messages and files cascade via the foreign key in migrations.
func (p *Postgres) DeleteExpiredConversations(ctx context.Context, now time.Time) (int64, error) {
	query, _, err := p.goqu.Delete(p.tableConversations).
		Where(goqu.I("expires_at").Lt(now)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build delete expired conversations query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("delete expired conversations: %w", err)
	}

	return res.RowsAffected()
}

func (p *Postgres) AppendMessage(ctx context.Context, m llm.MessageRecord) (*llm.MessageRecord, error) {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	m.CreatedAt = time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableMessages).Rows(goqu.Record{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"role":            m.Role,
		"content":         []byte(m.Content),
		"created_at":      m.CreatedAt,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build append message query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	return &m, nil
}

func (p *Postgres) ListMessages(ctx context.Context, conversationID string) ([]llm.MessageRecord, error) {
	query, _, err := p.goqu.From(p.tableMessages).
		Select("id", "conversation_id", "role", "content", "created_at").
		Where(goqu.I("conversation_id").Eq(conversationID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var result []llm.MessageRecord
	for rows.Next() {
		var m llm.MessageRecord
		var content []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Content = content
		result = append(result, m)
	}

	return result, rows.Err()
}

func (p *Postgres) CreateFile(ctx context.Context, f llm.FileRecord) (*llm.FileRecord, error) {
	if f.ID == "" {
		f.ID = ulid.Make().String()
	}
	f.CreatedAt = time.Now().UTC()

	refsJSON, err := json.Marshal(f.ProviderRefs)
	if err != nil {
		return nil, fmt.Errorf("marshal provider refs: %w", err)
	}

	query, _, err := p.goqu.Insert(p.tableFiles).Rows(goqu.Record{
		"id":              f.ID,
		"conversation_id": f.ConversationID,
		"name":            f.Name,
		"mime_type":       f.MimeType,
		"size":            f.Size,
		"sha256":          f.SHA256,
		"storage_path":    f.StoragePath,
		"provider_refs":   refsJSON,
		"created_at":      f.CreatedAt,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create file query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	return &f, nil
}

func (p *Postgres) GetFile(ctx context.Context, id string) (*llm.FileRecord, error) {
	query, _, err := p.goqu.From(p.tableFiles).
		Select("id", "conversation_id", "name", "mime_type", "size", "sha256", "storage_path", "provider_refs", "created_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get file query: %w", err)
	}

	var f llm.FileRecord
	var refsJSON []byte
	err = p.db.QueryRowContext(ctx, query).Scan(&f.ID, &f.ConversationID, &f.Name, &f.MimeType, &f.Size, &f.SHA256, &f.StoragePath, &refsJSON, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file %q: %w", id, err)
	}

	if len(refsJSON) > 0 {
		if err := json.Unmarshal(refsJSON, &f.ProviderRefs); err != nil {
			return nil, fmt.Errorf("unmarshal provider refs for %q: %w", id, err)
		}
	}

	return &f, nil
}

func (p *Postgres) GetFileBySHA256(ctx context.Context, sha256 string) (*llm.FileRecord, error) {
	query, _, err := p.goqu.From(p.tableFiles).
		Select("id", "conversation_id", "name", "mime_type", "size", "sha256", "storage_path", "provider_refs", "created_at").
		Where(goqu.I("sha256").Eq(sha256)).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get file by sha256 query: %w", err)
	}

	var f llm.FileRecord
	var refsJSON []byte
	err = p.db.QueryRowContext(ctx, query).Scan(&f.ID, &f.ConversationID, &f.Name, &f.MimeType, &f.Size, &f.SHA256, &f.StoragePath, &refsJSON, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file by sha256 %q: %w", sha256, err)
	}

	if len(refsJSON) > 0 {
		if err := json.Unmarshal(refsJSON, &f.ProviderRefs); err != nil {
			return nil, fmt.Errorf("unmarshal provider refs for %q: %w", f.ID, err)
		}
	}

	return &f, nil
}

func (p *Postgres) SetFileProviderRef(ctx context.Context, id, provider, externalID string) error {
	f, err := p.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("file %q not found", id)
	}

	if f.ProviderRefs == nil {
		f.ProviderRefs = make(map[string]string, 1)
	}
	f.ProviderRefs[provider] = externalID

	refsJSON, err := json.Marshal(f.ProviderRefs)
	if err != nil {
		return fmt.Errorf("marshal provider refs: %w", err)
	}

	query, _, err := p.goqu.Update(p.tableFiles).Set(goqu.Record{
		"provider_refs": refsJSON,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build set provider ref query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("set provider ref for file %q: %w", id, err)
	}

	return nil
}
