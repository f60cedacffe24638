package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteDSNTakesWriteLockAtBegin(t *testing.T) {
	dsn := sqliteDSN("store.db")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "busy_timeout")
}

func TestSQLiteRoundTrip(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	inserted, rec, err := s.InsertIfAbsent(ctx, "k", []byte(`{"a":1}`), 0)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(1), rec.Version)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), got.Value)
}

func TestSQLiteInsertIfAbsentExisting(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	_, _, err := s.InsertIfAbsent(ctx, "k", []byte("v1"), 0)
	require.NoError(t, err)

	inserted, rec, err := s.InsertIfAbsent(ctx, "k", []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, []byte("v1"), rec.Value)
}

func TestSQLiteCompareAndSwap(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	_, rec, err := s.InsertIfAbsent(ctx, "k", []byte("v1"), 0)
	require.NoError(t, err)

	swapped, rec2, err := s.CompareAndSwap(ctx, "k", rec.Version, []byte("v2"), 0)
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, int64(2), rec2.Version)

	swapped, _, err = s.CompareAndSwap(ctx, "k", rec.Version, []byte("v3"), 0)
	require.NoError(t, err)
	assert.False(t, swapped)
}

func TestSQLiteDelete(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	_, rec, err := s.InsertIfAbsent(ctx, "k", []byte("v"), 0)
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, "k", rec.Version)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteLease(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	opts := LeaseOptions{AcquireTimeout: 50 * time.Millisecond, StaleAfter: time.Minute, RetryInterval: 5 * time.Millisecond}

	lease, err := s.Acquire(ctx, "gate", opts)
	require.NoError(t, err)

	_, err = s.Acquire(ctx, "gate", opts)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, s.Release(ctx, lease))
	assert.ErrorIs(t, s.Release(ctx, lease), ErrNotHeld)
}

func TestSQLitePruneExpired(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	_, _, err := s.InsertIfAbsent(ctx, "p:short", []byte("v"), time.Millisecond)
	require.NoError(t, err)
	_, _, err = s.InsertIfAbsent(ctx, "p:long", []byte("v"), time.Hour)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	n, err := s.PruneExpired(ctx, "p:")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
