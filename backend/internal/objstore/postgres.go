package objstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS collab_objects (
	object_key TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore 是基于 pgxpool 的实现
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create collab_objects: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) GetObject(ctx context.Context, key string, out any) (bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM collab_objects
		WHERE object_key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if err := decode(key, data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) PutObject(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encode(key, value)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO collab_objects (object_key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (object_key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()
	`, key, data, expiry(time.Now(), ttl))
	return err
}

func (s *PostgresStore) DeleteObject(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM collab_objects WHERE object_key = $1`, key)
	return err
}

func (s *PostgresStore) ListObjects(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT object_key, value FROM collab_objects
		WHERE object_key LIKE $1 ESCAPE '\' AND (expires_at IS NULL OR expires_at > now())
		ORDER BY object_key
	`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var data []byte
		if err := rows.Scan(&e.Key, &data); err != nil {
			return nil, err
		}
		e.Value = data
		out = append(out, e)
	}
	return out, rows.Err()
}
