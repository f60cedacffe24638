package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresKV is a shared-database record backend for deployments where
// several gateway processes coordinate through one PostgreSQL instance.
// It implements the KV contract only; cross-process mutual exclusion for
// the perimeter and signer nonces should use the SQLite or Redis stores,
// which carry the lease primitive.
type PostgresKV struct {
	db *sql.DB
}

// NewPostgresKV wraps an opened database and runs migrations.
func NewPostgresKV(db *sql.DB) (*PostgresKV, error) {
	s := &PostgresKV{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPostgresKV connects using a lib/pq DSN.
func OpenPostgresKV(dsn string) (*PostgresKV, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return NewPostgresKV(db)
}

func (s *PostgresKV) migrate() error {
	_, err := s.db.ExecContext(context.Background(), `
	CREATE TABLE IF NOT EXISTS kv_records (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		version    BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ
	)`)
	return err
}

func (s *PostgresKV) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, version, updated_at, expires_at FROM kv_records
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`, key).
		Scan(&rec.Key, &rec.Value, &rec.Version, &rec.UpdatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	return &rec, nil
}

func (s *PostgresKV) InsertIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, *Record, error) {
	var expires any
	if ttl > 0 {
		expires = time.Now().UTC().Add(ttl)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_records (key, value, version, updated_at, expires_at)
		 VALUES ($1, $2, 1, NOW(), $3)
		 ON CONFLICT (key) DO NOTHING`,
		key, value, expires)
	if err != nil {
		return false, nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if n == 1 {
		rec, err := s.Get(ctx, key)
		return true, rec, err
	}

	existing, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		// Conflicting row was expired; clear it and retry once.
		if _, derr := s.db.ExecContext(ctx,
			`DELETE FROM kv_records WHERE key = $1 AND expires_at IS NOT NULL AND expires_at <= NOW()`,
			key); derr != nil {
			return false, nil, derr
		}
		return s.InsertIfAbsent(ctx, key, value, ttl)
	}
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *PostgresKV) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (bool, *Record, error) {
	if expectedVersion == 0 {
		return s.InsertIfAbsent(ctx, key, value, ttl)
	}

	var expires any
	if ttl > 0 {
		expires = time.Now().UTC().Add(ttl)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE kv_records SET value = $1, version = version + 1, updated_at = NOW(), expires_at = $2
		 WHERE key = $3 AND version = $4`,
		value, expires, key, expectedVersion)
	if err != nil {
		return false, nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	current, gerr := s.Get(ctx, key)
	if n == 0 {
		if errors.Is(gerr, ErrNotFound) {
			return false, nil, ErrNotFound
		}
		return false, current, gerr
	}
	return true, current, gerr
}

func (s *PostgresKV) Delete(ctx context.Context, key string, expectedVersion int64) (bool, error) {
	var res sql.Result
	var err error
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `DELETE FROM kv_records WHERE key = $1`, key)
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM kv_records WHERE key = $1 AND version = $2`, key, expectedVersion)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresKV) PruneExpired(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_records WHERE key LIKE $1 AND expires_at IS NOT NULL AND expires_at <= NOW()`,
		prefix+"%")
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresKV) Close() error { return s.db.Close() }
