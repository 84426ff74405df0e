package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on Postgres for deployments that already
// run one and do not want a separate Redis.
//
// Schema:
//
//	CREATE TABLE canary_kv (
//	  key VARCHAR(512) PRIMARY KEY,
//	  value BYTEA NOT NULL,
//	  expires_at TIMESTAMPTZ,
//	  updated_at TIMESTAMPTZ DEFAULT NOW()
//	);
//	CREATE INDEX idx_canary_kv_expires ON canary_kv(expires_at);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed store and verifies the
// connection.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	query := `
		SELECT value
		FROM canary_kv
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`

	var value []byte
	err := p.pool.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // not found or expired
		}
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	return value, nil
}

func (p *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	// ON CONFLICT DO UPDATE: last writer wins, matching the registry's
	// optimistic read-modify-write contract.
	query := `
		INSERT INTO canary_kv (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()
	`

	if _, err := p.pool.Exec(ctx, query, key, value, expiresAt); err != nil {
		return fmt.Errorf("postgres upsert failed: %w", err)
	}

	return nil
}

func (p *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	query := `
		SELECT key
		FROM canary_kv
		WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > NOW())
	`

	rows, err := p.pool.Query(ctx, query, likeEscape(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("postgres key scan failed: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("postgres key scan failed: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres key scan failed: %w", err)
	}

	return keys, nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM canary_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// CleanupExpired removes expired entries (for a maintenance cron job).
// Returns the number of deleted rows.
func (p *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := p.pool.Exec(ctx, `DELETE FROM canary_kv WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// likeEscape escapes LIKE metacharacters so key prefixes containing '_'
// (every outcome key does) match literally.
func likeEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
