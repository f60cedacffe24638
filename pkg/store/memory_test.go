package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryInsertIfAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inserted, rec, err := s.InsertIfAbsent(ctx, "k", []byte("v1"), 0)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(1), rec.Version)

	inserted, rec, err = s.InsertIfAbsent(ctx, "k", []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, []byte("v1"), rec.Value, "existing record must not be overwritten")
}

func TestMemoryInsertIfAbsentConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, _, err := s.InsertIfAbsent(ctx, "contended", []byte("x"), 0)
			assert.NoError(t, err)
			wins <- inserted
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for w := range wins {
		if w {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent caller may insert")
}

func TestMemoryCompareAndSwap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, rec, err := s.InsertIfAbsent(ctx, "k", []byte("v1"), 0)
	require.NoError(t, err)

	swapped, rec2, err := s.CompareAndSwap(ctx, "k", rec.Version, []byte("v2"), 0)
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, int64(2), rec2.Version)

	// Stale version loses.
	swapped, current, err := s.CompareAndSwap(ctx, "k", rec.Version, []byte("v3"), 0)
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.Equal(t, []byte("v2"), current.Value)
}

func TestMemoryCompareAndSwapCreate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	swapped, rec, err := s.CompareAndSwap(ctx, "fresh", 0, []byte("v1"), 0)
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, int64(1), rec.Version)

	swapped, _, err = s.CompareAndSwap(ctx, "fresh", 0, []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, swapped, "version 0 on an existing key must not overwrite")
}

func TestMemoryTTLExpiry(t *testing.T) {
	now := time.Date(2026, 2, 18, 2, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, _, err := s.InsertIfAbsent(ctx, "ephemeral", []byte("v"), time.Minute)
	require.NoError(t, err)

	_, err = s.Get(ctx, "ephemeral")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = s.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, ErrNotFound)

	// An expired record no longer blocks insertion.
	inserted, _, err := s.InsertIfAbsent(ctx, "ephemeral", []byte("v2"), 0)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestMemoryDeleteVersioned(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, rec, err := s.InsertIfAbsent(ctx, "k", []byte("v"), 0)
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, "k", rec.Version+5)
	require.NoError(t, err)
	assert.False(t, deleted, "wrong version must not delete")

	deleted, err = s.Delete(ctx, "k", rec.Version)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryLeaseMutualExclusion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	opts := LeaseOptions{AcquireTimeout: 50 * time.Millisecond, StaleAfter: time.Minute, RetryInterval: 5 * time.Millisecond}

	lease, err := s.Acquire(ctx, "gate", opts)
	require.NoError(t, err)

	_, err = s.Acquire(ctx, "gate", opts)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, s.Release(ctx, lease))

	_, err = s.Acquire(ctx, "gate", opts)
	require.NoError(t, err)
}

func TestMemoryLeaseStaleReclamation(t *testing.T) {
	now := time.Date(2026, 2, 18, 2, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()
	opts := LeaseOptions{AcquireTimeout: 50 * time.Millisecond, StaleAfter: 30 * time.Second, RetryInterval: 5 * time.Millisecond}

	_, err := s.Acquire(ctx, "gate", opts)
	require.NoError(t, err)

	// Holder crashed; past the staleness threshold the lease is reclaimable.
	now = now.Add(time.Minute)
	lease, err := s.Acquire(ctx, "gate", opts)
	require.NoError(t, err)
	assert.Equal(t, "gate", lease.Name)
}

func TestMemoryPruneExpired(t *testing.T) {
	now := time.Date(2026, 2, 18, 2, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, _, err := s.InsertIfAbsent(ctx, "a2a:nonce:1", []byte("v"), time.Minute)
	require.NoError(t, err)
	_, _, err = s.InsertIfAbsent(ctx, "a2a:nonce:2", []byte("v"), time.Hour)
	require.NoError(t, err)
	_, _, err = s.InsertIfAbsent(ctx, "other:1", []byte("v"), time.Minute)
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	n, err := s.PruneExpired(ctx, "a2a:nonce:")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "a2a:nonce:2")
	assert.NoError(t, err)
}
