package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
	"github.com/Mindburn-Labs/keel/core/pkg/store"
)

func fixedClock() func() time.Time {
	at := time.Date(2026, 2, 18, 2, 40, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestReserveCompleteReplay(t *testing.T) {
	c := NewCoordinator(store.NewMemoryStore(), 0).WithClock(fixedClock())
	ctx := context.Background()

	res, err := c.Reserve(ctx, "key-1", "hash-a")
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Equal(t, StatusPending, res.Record.Status)

	result := json.RawMessage(`{"txHash":"0xabc"}`)
	require.NoError(t, c.Complete(ctx, res, result))

	// A second caller with the same key observes the terminal result and
	// never wins a fresh reservation.
	res2, err := c.Reserve(ctx, "key-1", "hash-a")
	require.NoError(t, err)
	assert.False(t, res2.IsNew)
	assert.Equal(t, StatusCompleted, res2.Record.Status)
	assert.JSONEq(t, string(result), string(res2.Record.Result))
}

func TestReserveHashMismatch(t *testing.T) {
	c := NewCoordinator(store.NewMemoryStore(), 0).WithClock(fixedClock())
	ctx := context.Background()

	_, err := c.Reserve(ctx, "key-1", "hash-a")
	require.NoError(t, err)

	_, err = c.Reserve(ctx, "key-1", "hash-b")
	require.Error(t, err)
	assert.Equal(t, errcode.CodeSchemaInvalid, errcode.CodeOf(err))
}

func TestFailIsTerminal(t *testing.T) {
	c := NewCoordinator(store.NewMemoryStore(), 0).WithClock(fixedClock())
	ctx := context.Background()

	res, err := c.Reserve(ctx, "key-1", "hash-a")
	require.NoError(t, err)

	execErr := errcode.New(errcode.Code("SWAP_EXECUTION_FAILED"), "slippage exceeded")
	require.NoError(t, c.Fail(ctx, res, execErr))

	res2, err := c.Reserve(ctx, "key-1", "hash-a")
	require.NoError(t, err)
	assert.False(t, res2.IsNew)
	assert.Equal(t, StatusFailed, res2.Record.Status)
	assert.Equal(t, errcode.Code("SWAP_EXECUTION_FAILED"), res2.Record.ErrorCode)
}

func TestReleaseReopensKey(t *testing.T) {
	c := NewCoordinator(store.NewMemoryStore(), 0).WithClock(fixedClock())
	ctx := context.Background()

	res, err := c.Reserve(ctx, "key-1", "hash-a")
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, res))

	// Nothing executed, so a retry must win a fresh reservation.
	res2, err := c.Reserve(ctx, "key-1", "hash-a")
	require.NoError(t, err)
	assert.True(t, res2.IsNew)
}

func TestConcurrentReserveAtMostOnce(t *testing.T) {
	c := NewCoordinator(store.NewMemoryStore(), 0)
	ctx := context.Background()

	const n = 24
	var wg sync.WaitGroup
	winners := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Reserve(ctx, "contended", "hash-a")
			assert.NoError(t, err)
			winners <- res.IsNew
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for w := range winners {
		if w {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDeriveKeyPrefersClientKey(t *testing.T) {
	env := &contracts.ExecutionEnvelope{IdempotencyKey: "client-key", Operation: "transfer"}
	intent := &contracts.TransferIntent{Chain: "ethereum", Asset: "ETH", Amount: "1", Recipient: "0xabc"}

	key, err := DeriveKey(env, intent, "v1")
	require.NoError(t, err)
	assert.Equal(t, "client-key", key)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("semantically identical intents derive the same key", prop.ForAll(
		func(amount string, recipient string) bool {
			env := &contracts.ExecutionEnvelope{Operation: "transfer"}
			a := &contracts.TransferIntent{Chain: "Ethereum", Asset: "eth", Amount: amount, Recipient: recipient}
			b := &contracts.TransferIntent{Chain: "ethereum", Asset: "ETH", Amount: amount, Recipient: recipient}
			ka, err1 := DeriveKey(env, a, "v1")
			kb, err2 := DeriveKey(env, b, "v1")
			return err1 == nil && err2 == nil && ka == kb
		},
		gen.RegexMatch(`[0-9]{1,6}\.[0-9]{1,4}`),
		gen.RegexMatch(`0x[0-9a-f]{8}`),
	))

	properties.Property("different policy versions derive different keys", prop.ForAll(
		func(amount string) bool {
			env := &contracts.ExecutionEnvelope{Operation: "transfer"}
			intent := &contracts.TransferIntent{Chain: "ethereum", Asset: "ETH", Amount: amount, Recipient: "0xabc"}
			ka, err1 := DeriveKey(env, intent, "v1")
			kb, err2 := DeriveKey(env, intent, "v2")
			return err1 == nil && err2 == nil && ka != kb
		},
		gen.RegexMatch(`[0-9]{1,6}`),
	))

	properties.TestingRun(t)
}
