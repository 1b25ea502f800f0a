package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements Store backed by the validation_settings table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settings store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Get(ctx context.Context, key string) (*Setting, error) {
	st := &Setting{}
	err := p.db.QueryRowContext(ctx, `
		SELECT key, value, updated_at FROM validation_settings WHERE key = $1
	`, key).Scan(&st.Key, &st.Value, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get setting: %w", err)
	}
	return st, nil
}

func (p *PostgresStore) Put(ctx context.Context, key, value string) (*Setting, error) {
	st := &Setting{}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO validation_settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()
		RETURNING key, value, updated_at
	`, key, value).Scan(&st.Key, &st.Value, &st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert setting: %w", err)
	}
	return st, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Setting, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT key, value, updated_at FROM validation_settings ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*Setting{}
	for rows.Next() {
		st := &Setting{}
		if err := rows.Scan(&st.Key, &st.Value, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
