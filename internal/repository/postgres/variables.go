package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	atcrypto "github.com/rakunlabs/atd/internal/crypto"
	"github.com/rakunlabs/atd/internal/llm"
)

// ─── Variable CRUD ───

// Secret values are encrypted at rest with the same key used for provider
// configs; ListVariables redacts them rather than decrypting for display.

func (p *Postgres) ListVariables(ctx context.Context) ([]llm.Variable, error) {
	query, _, err := p.goqu.From(p.tableVariables).
		Select("id", "key", "value", "description", "secret", "created_at", "updated_at").
		Order(goqu.I("key").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list variables query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list variables: %w", err)
	}
	defer rows.Close()

	var result []llm.Variable
	for rows.Next() {
		var v llm.Variable
		var value string
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&v.ID, &v.Key, &value, &v.Description, &v.Secret, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan variable row: %w", err)
		}
		v.CreatedAt = createdAt.Format(time.RFC3339)
		v.UpdatedAt = updatedAt.Format(time.RFC3339)

		if v.Secret {
			v.Value = "********"
		} else {
			v.Value = value
		}
		result = append(result, v)
	}

	return result, rows.Err()
}

func (p *Postgres) GetVariableByKey(ctx context.Context, key string) (*llm.Variable, error) {
	query, _, err := p.goqu.From(p.tableVariables).
		Select("id", "key", "value", "description", "secret", "created_at", "updated_at").
		Where(goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get variable query: %w", err)
	}

	p.encKeyMu.RLock()
	encKey := p.encKey
	p.encKeyMu.RUnlock()

	var v llm.Variable
	var value string
	var createdAt, updatedAt time.Time
	err = p.db.QueryRowContext(ctx, query).Scan(&v.ID, &v.Key, &value, &v.Description, &v.Secret, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get variable %q: %w", key, err)
	}
	v.CreatedAt = createdAt.Format(time.RFC3339)
	v.UpdatedAt = updatedAt.Format(time.RFC3339)

	if v.Secret {
		plain, err := atcrypto.Decrypt(value, encKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt variable %q: %w", key, err)
		}
		v.Value = plain
	} else {
		v.Value = value
	}

	return &v, nil
}

func (p *Postgres) CreateVariable(ctx context.Context, v llm.Variable) (*llm.Variable, error) {
	p.encKeyMu.RLock()
	encKey := p.encKey
	p.encKeyMu.RUnlock()

	storedValue := v.Value
	if v.Secret {
		enc, err := atcrypto.Encrypt(v.Value, encKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt variable value: %w", err)
		}
		storedValue = enc
	}

	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableVariables).Rows(goqu.Record{
		"id":          id,
		"key":         v.Key,
		"value":       storedValue,
		"description": v.Description,
		"secret":      v.Secret,
		"created_at":  now,
		"updated_at":  now,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert variable query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create variable %q: %w", v.Key, err)
	}

	v.ID = id
	v.CreatedAt = now.Format(time.RFC3339)
	v.UpdatedAt = now.Format(time.RFC3339)
	return &v, nil
}

func (p *Postgres) UpdateVariable(ctx context.Context, id string, v llm.Variable) (*llm.Variable, error) {
	p.encKeyMu.RLock()
	encKey := p.encKey
	p.encKeyMu.RUnlock()

	storedValue := v.Value
	if v.Secret {
		enc, err := atcrypto.Encrypt(v.Value, encKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt variable value: %w", err)
		}
		storedValue = enc
	}

	now := time.Now().UTC()

	query, _, err := p.goqu.Update(p.tableVariables).Set(goqu.Record{
		"value":       storedValue,
		"description": v.Description,
		"secret":      v.Secret,
		"updated_at":  now,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update variable query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update variable %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("variable %q not found", id)
	}

	return p.GetVariableByKey(ctx, v.Key)
}

func (p *Postgres) DeleteVariable(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableVariables).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete variable query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete variable %q: %w", id, err)
	}

	return nil
}
