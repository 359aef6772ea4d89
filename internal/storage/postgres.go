// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	key        TEXT PRIMARY KEY,
	payload    BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresBackend stores records in a shared Postgres table, letting several
// widget hosts see the same sessions.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend connects and ensures the table exists.
func NewPostgresBackend(ctx context.Context, databaseURL string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM chat_sessions WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return data, err
}

func (p *PostgresBackend) Put(ctx context.Context, key string, data []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO chat_sessions (key, payload, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		key, data)
	return err
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM chat_sessions WHERE key = $1`, key)
	return err
}

func (p *PostgresBackend) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT key FROM chat_sessions ORDER BY key`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}
