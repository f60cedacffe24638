package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/core/pkg/connector"
	"github.com/Mindburn-Labs/keel/core/pkg/store"
)

// scriptedQuery returns queued answers in order, then repeats the last one.
type scriptedQuery struct {
	name    string
	answers []string
	errs    []error
	calls   int
}

func (q *scriptedQuery) Name() string { return q.name }

func (q *scriptedQuery) Query(_ context.Context, _ connector.SettlementHandle) (string, json.RawMessage, error) {
	i := q.calls
	if i >= len(q.answers) {
		i = len(q.answers) - 1
	}
	q.calls++
	if len(q.errs) > 0 {
		j := q.calls - 1
		if j >= len(q.errs) {
			j = len(q.errs) - 1
		}
		if q.errs[j] != nil {
			return "", nil, q.errs[j]
		}
	}
	return q.answers[i], json.RawMessage(`{}`), nil
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func handle() connector.SettlementHandle {
	return connector.SettlementHandle{OrderID: "order-1", SourceTxHash: "0xsrc"}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{"fulfilled", "EXECUTED", "Claimed", "completed", "SENT"} {
		assert.True(t, IsTerminal(s), s)
	}
	for _, s := range []string{"pending", "in_flight", "", "failed"} {
		assert.False(t, IsTerminal(s), s)
	}
}

func TestTrackReachesTerminal(t *testing.T) {
	q := &scriptedQuery{name: "order", answers: []string{"pending", "pending", "FULFILLED"}}
	tr := NewTracker(Config{PollAttempts: 5, PollInterval: time.Millisecond}, store.NewMemoryStore(), q).
		WithSleeper(noSleep)

	rec, err := tr.Track(context.Background(), handle())
	require.NoError(t, err)
	assert.True(t, rec.Completed)
	assert.Equal(t, 3, rec.Attempts)
	assert.Len(t, rec.Snapshots, 3)
	assert.Equal(t, "FULFILLED", rec.Snapshots[2].Status)
}

func TestTrackExhaustsAttempts(t *testing.T) {
	q := &scriptedQuery{name: "order", answers: []string{"pending"}}
	tr := NewTracker(Config{PollAttempts: 4, PollInterval: time.Millisecond}, store.NewMemoryStore(), q).
		WithSleeper(noSleep)

	rec, err := tr.Track(context.Background(), handle())
	require.NoError(t, err, "exhausted attempts are a state, not an error")
	assert.False(t, rec.Completed)
	assert.Equal(t, 4, rec.Attempts)
	assert.Len(t, rec.Snapshots, 4)
}

func TestTrackStrategyFallback(t *testing.T) {
	broken := &scriptedQuery{name: "order", answers: []string{""}, errs: []error{errors.New("410 gone")}}
	fallback := &scriptedQuery{name: "tx", answers: []string{"sent"}}
	tr := NewTracker(Config{PollAttempts: 3, PollInterval: time.Millisecond}, store.NewMemoryStore(), broken, fallback).
		WithSleeper(noSleep)

	rec, err := tr.Track(context.Background(), handle())
	require.NoError(t, err)
	assert.True(t, rec.Completed)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 1, fallback.calls, "fallback strategy answers when the first shape fails")
}

func TestTrackResumesFromPersistedRecord(t *testing.T) {
	kv := store.NewMemoryStore()
	q := &scriptedQuery{name: "order", answers: []string{"pending"}}
	tr := NewTracker(Config{PollAttempts: 2, PollInterval: time.Millisecond}, kv, q).WithSleeper(noSleep)

	rec, err := tr.Track(context.Background(), handle())
	require.NoError(t, err)
	require.Equal(t, 2, rec.Attempts)

	// A later invocation continues the same record rather than starting over.
	q2 := &scriptedQuery{name: "order", answers: []string{"completed"}}
	tr2 := NewTracker(Config{PollAttempts: 2, PollInterval: time.Millisecond}, kv, q2).WithSleeper(noSleep)

	rec2, err := tr2.Track(context.Background(), handle())
	require.NoError(t, err)
	assert.True(t, rec2.Completed)
	assert.Equal(t, 3, rec2.Attempts)
	assert.Len(t, rec2.Snapshots, 3)
}

func TestTrackTerminalStaysTerminal(t *testing.T) {
	kv := store.NewMemoryStore()
	q := &scriptedQuery{name: "order", answers: []string{"executed"}}
	tr := NewTracker(Config{PollAttempts: 3, PollInterval: time.Millisecond}, kv, q).WithSleeper(noSleep)

	rec, err := tr.Track(context.Background(), handle())
	require.NoError(t, err)
	require.True(t, rec.Completed)

	// Re-invocation must not poll again, let alone fabricate a regression.
	rec2, err := tr.Track(context.Background(), handle())
	require.NoError(t, err)
	assert.True(t, rec2.Completed)
	assert.Equal(t, 1, q.calls)
}

func TestTrackFailedQueriesStillCountAttempts(t *testing.T) {
	q := &scriptedQuery{name: "order", answers: []string{""}, errs: []error{errors.New("unreachable")}}
	tr := NewTracker(Config{PollAttempts: 3, PollInterval: time.Millisecond}, store.NewMemoryStore(), q).
		WithSleeper(noSleep)

	rec, err := tr.Track(context.Background(), handle())
	require.NoError(t, err)
	assert.False(t, rec.Completed)
	assert.Equal(t, 3, rec.Attempts)
	assert.Empty(t, rec.Snapshots, "failed queries record no snapshot")
}

func TestTrackAbandonedByContext(t *testing.T) {
	kv := store.NewMemoryStore()
	q := &scriptedQuery{name: "order", answers: []string{"pending"}}
	ctx, cancel := context.WithCancel(context.Background())
	tr := NewTracker(Config{PollAttempts: 5, PollInterval: time.Millisecond}, kv, q).
		WithSleeper(func(c context.Context, _ time.Duration) error {
			cancel()
			return c.Err()
		})

	rec, err := tr.Track(ctx, handle())
	require.NoError(t, err, "abandonment is not an error")
	assert.False(t, rec.Completed)

	// The record survived and is resumable.
	stored, err := tr.Lookup(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Attempts, stored.Attempts)
}
