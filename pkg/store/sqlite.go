package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable single-node backend. Writes are serialized by
// SQLite itself; multi-statement operations run inside immediate
// transactions so concurrent OS processes sharing the database file observe
// atomic insert-if-absent and compare-and-swap semantics.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteStore wraps an opened database and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// sqliteDSN builds the connection string: immediate transactions so each
// write takes its lock at BEGIN rather than risking a busy upgrade
// mid-transaction, a busy timeout so contending processes wait instead of
// failing, and WAL so readers do not block the writer.
func sqliteDSN(path string) string {
	return path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return NewSQLiteStore(db)
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv_records (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		version    INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		expires_at TEXT
	);
	CREATE TABLE IF NOT EXISTS kv_leases (
		name       TEXT PRIMARY KEY,
		holder     TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const timeLayout = time.RFC3339Nano

func (s *SQLiteStore) now() time.Time { return s.clock().UTC() }

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var updatedAt string
	var expiresAt sql.NullString
	if err := row.Scan(&rec.Key, &rec.Value, &rec.Version, &updatedAt, &expiresAt); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeLayout, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt updated_at for %s: %w", rec.Key, err)
	}
	rec.UpdatedAt = t
	if expiresAt.Valid && expiresAt.String != "" {
		e, err := time.Parse(timeLayout, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt expires_at for %s: %w", rec.Key, err)
		}
		rec.ExpiresAt = e
	}
	return &rec, nil
}

func (s *SQLiteStore) getTx(ctx context.Context, tx *sql.Tx, key string) (*Record, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT key, value, version, updated_at, expires_at FROM kv_records WHERE key = ?`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.now()) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_records WHERE key = ?`, key); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := s.getTx(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	return rec, tx.Commit()
}

func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, *Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := s.getTx(ctx, tx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, nil, err
	}
	if existing != nil {
		return false, existing, tx.Commit()
	}

	rec := s.buildRecord(key, value, 1, ttl)
	if err := s.insertTx(ctx, tx, rec); err != nil {
		return false, nil, err
	}
	return true, rec, tx.Commit()
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (bool, *Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := s.getTx(ctx, tx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, nil, err
	}

	if expectedVersion == 0 {
		if existing != nil {
			return false, existing, tx.Commit()
		}
		rec := s.buildRecord(key, value, 1, ttl)
		if err := s.insertTx(ctx, tx, rec); err != nil {
			return false, nil, err
		}
		return true, rec, tx.Commit()
	}

	if existing == nil {
		return false, nil, ErrNotFound
	}
	if existing.Version != expectedVersion {
		return false, existing, tx.Commit()
	}

	rec := s.buildRecord(key, value, existing.Version+1, ttl)
	var expires any
	if !rec.ExpiresAt.IsZero() {
		expires = rec.ExpiresAt.Format(timeLayout)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE kv_records SET value = ?, version = ?, updated_at = ?, expires_at = ? WHERE key = ?`,
		rec.Value, rec.Version, rec.UpdatedAt.Format(timeLayout), expires, key)
	if err != nil {
		return false, nil, err
	}
	return true, rec, tx.Commit()
}

func (s *SQLiteStore) buildRecord(key string, value []byte, version int64, ttl time.Duration) *Record {
	now := s.now()
	rec := &Record{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   version,
		UpdatedAt: now,
	}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	return rec
}

func (s *SQLiteStore) insertTx(ctx context.Context, tx *sql.Tx, rec *Record) error {
	var expires any
	if !rec.ExpiresAt.IsZero() {
		expires = rec.ExpiresAt.Format(timeLayout)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO kv_records (key, value, version, updated_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		rec.Key, rec.Value, rec.Version, rec.UpdatedAt.Format(timeLayout), expires)
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, key string, expectedVersion int64) (bool, error) {
	var res sql.Result
	var err error
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `DELETE FROM kv_records WHERE key = ?`, key)
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM kv_records WHERE key = ? AND version = ?`, key, expectedVersion)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) PruneExpired(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_records WHERE key LIKE ? AND expires_at IS NOT NULL AND expires_at < ?`,
		prefix+"%", s.now().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Acquire(ctx context.Context, name string, opts LeaseOptions) (*Lease, error) {
	opts = opts.withDefaults()
	deadline := s.now().Add(opts.AcquireTimeout)
	holder := uuid.New().String()

	for {
		acquired, lease, err := s.tryAcquire(ctx, name, holder, opts.StaleAfter)
		if err != nil {
			return nil, err
		}
		if acquired {
			return lease, nil
		}
		if s.now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}
}

func (s *SQLiteStore) tryAcquire(ctx context.Context, name, holder string, staleAfter time.Duration) (bool, *Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	expiresAt := now.Add(staleAfter)

	var currentHolder, currentExpiry string
	err = tx.QueryRowContext(ctx,
		`SELECT holder, expires_at FROM kv_leases WHERE name = ?`, name).
		Scan(&currentHolder, &currentExpiry)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO kv_leases (name, holder, expires_at) VALUES (?, ?, ?)`,
			name, holder, expiresAt.Format(timeLayout))
		if err != nil {
			return false, nil, err
		}
	case err != nil:
		return false, nil, err
	default:
		expiry, perr := time.Parse(timeLayout, currentExpiry)
		if perr != nil {
			return false, nil, fmt.Errorf("corrupt lease expiry for %s: %w", name, perr)
		}
		// Stale leases are presumed abandoned by a crashed holder.
		if now.Before(expiry) {
			return false, nil, tx.Commit()
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE kv_leases SET holder = ?, expires_at = ? WHERE name = ?`,
			holder, expiresAt.Format(timeLayout), name)
		if err != nil {
			return false, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, nil, err
	}
	return true, &Lease{Name: name, Holder: holder, ExpiresAt: expiresAt}, nil
}

func (s *SQLiteStore) Release(ctx context.Context, lease *Lease) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_leases WHERE name = ? AND holder = ?`, lease.Name, lease.Holder)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
