package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresKV(t *testing.T) (*PostgresKV, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS kv_records").
		WillReturnResult(sqlmock.NewResult(0, 0))
	kv, err := NewPostgresKV(db)
	require.NoError(t, err)
	return kv, mock
}

func recordRows(key string, value []byte, version int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"key", "value", "version", "updated_at", "expires_at"}).
		AddRow(key, value, version, time.Now().UTC(), nil)
}

func TestPostgresGet(t *testing.T) {
	kv, mock := newPostgresKV(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, value, version, updated_at, expires_at FROM kv_records")).
		WithArgs("idem:k1").
		WillReturnRows(recordRows("idem:k1", []byte(`{"status":"pending"}`), 1))

	rec, err := kv.Get(context.Background(), "idem:k1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.JSONEq(t, `{"status":"pending"}`, string(rec.Value))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	kv, mock := newPostgresKV(t)
	mock.ExpectQuery("SELECT key, value, version").
		WithArgs("idem:missing").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value", "version", "updated_at", "expires_at"}))

	_, err := kv.Get(context.Background(), "idem:missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertIfAbsentWins(t *testing.T) {
	kv, mock := newPostgresKV(t)
	mock.ExpectExec("INSERT INTO kv_records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT key, value, version").
		WithArgs("idem:k1").
		WillReturnRows(recordRows("idem:k1", []byte(`{"a":1}`), 1))

	inserted, rec, err := kv.InsertIfAbsent(context.Background(), "idem:k1", []byte(`{"a":1}`), 0)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(1), rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertIfAbsentLoses(t *testing.T) {
	kv, mock := newPostgresKV(t)
	mock.ExpectExec("INSERT INTO kv_records").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT key, value, version").
		WithArgs("idem:k1").
		WillReturnRows(recordRows("idem:k1", []byte(`{"winner":true}`), 3))

	inserted, rec, err := kv.InsertIfAbsent(context.Background(), "idem:k1", []byte(`{"loser":true}`), 0)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.JSONEq(t, `{"winner":true}`, string(rec.Value), "the loser observes the existing record")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompareAndSwap(t *testing.T) {
	kv, mock := newPostgresKV(t)
	mock.ExpectExec("UPDATE kv_records SET value").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT key, value, version").
		WithArgs("idem:k1").
		WillReturnRows(recordRows("idem:k1", []byte(`{"status":"completed"}`), 2))

	swapped, rec, err := kv.CompareAndSwap(context.Background(), "idem:k1", 1, []byte(`{"status":"completed"}`), time.Hour)
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, int64(2), rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompareAndSwapStaleVersion(t *testing.T) {
	kv, mock := newPostgresKV(t)
	mock.ExpectExec("UPDATE kv_records SET value").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT key, value, version").
		WithArgs("idem:k1").
		WillReturnRows(recordRows("idem:k1", []byte(`{"other":true}`), 5))

	swapped, rec, err := kv.CompareAndSwap(context.Background(), "idem:k1", 1, []byte(`{}`), 0)
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.Equal(t, int64(5), rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDelete(t *testing.T) {
	kv, mock := newPostgresKV(t)
	mock.ExpectExec("DELETE FROM kv_records WHERE key").
		WillReturnResult(sqlmock.NewResult(0, 1))

	deleted, err := kv.Delete(context.Background(), "idem:k1", 1)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPruneExpired(t *testing.T) {
	kv, mock := newPostgresKV(t)
	mock.ExpectExec("DELETE FROM kv_records WHERE key LIKE").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := kv.PruneExpired(context.Background(), "nonce:")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
