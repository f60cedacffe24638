package perimeter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
	"github.com/Mindburn-Labs/keel/core/pkg/store"
)

var testNow = time.Date(2026, 2, 18, 2, 40, 30, 0, time.UTC)

func testVerifier(t *testing.T, mode Mode) *Verifier {
	t.Helper()
	cfg := Config{
		Mode:        mode,
		MaxSkew:     2 * time.Minute,
		NonceTTL:    10 * time.Minute,
		LockTimeout: time.Second,
		LockStale:   30 * time.Second,
	}
	secrets := NewStaticSecretResolver(map[string][]byte{"bot-a": []byte("topsecret")})
	st := store.NewMemoryStore().WithClock(func() time.Time { return testNow })
	replay := NewAntiReplayStore(st, cfg.NonceTTL, store.LeaseOptions{
		AcquireTimeout: cfg.LockTimeout,
		StaleAfter:     cfg.LockStale,
		RetryInterval:  time.Millisecond,
	})
	return NewVerifier(cfg, secrets, replay).WithClock(func() time.Time { return testNow })
}

func signedEnvelope(t *testing.T, nonce string) *contracts.ExecutionEnvelope {
	t.Helper()
	env := &contracts.ExecutionEnvelope{
		SchemaVersion: contracts.SchemaVersionV1,
		Plane:         contracts.PlaneExecution,
		Operation:     "transfer",
		RequestID:     "req-1",
		Timestamp:     testNow.Format(time.RFC3339),
		Intent:        json.RawMessage(`{"chain":"ethereum","asset":"ETH","amount":"1","recipient":"0xabc"}`),
		Auth: &contracts.AuthStamp{
			Scheme:    contracts.SchemeHMACSHA256,
			KeyID:     "bot-a",
			Nonce:     nonce,
			Timestamp: testNow.Format(time.RFC3339),
		},
	}
	sig, err := SignEnvelope(env, []byte("topsecret"))
	require.NoError(t, err)
	env.Auth.Signature = sig
	return env
}

func TestVerifyValidSignature(t *testing.T) {
	v := testVerifier(t, ModeEnforce)

	verdict, err := v.Verify(context.Background(), signedEnvelope(t, "nonce-1"))
	require.NoError(t, err)
	assert.True(t, verdict.Verified)
	assert.Equal(t, "bot-a", verdict.KeyID)
	assert.Equal(t, ReasonVerified, verdict.Reason)
}

func TestVerifyTamperedEnvelope(t *testing.T) {
	v := testVerifier(t, ModeEnforce)
	env := signedEnvelope(t, "nonce-1")
	env.Intent = json.RawMessage(`{"chain":"ethereum","asset":"ETH","amount":"9999","recipient":"0xabc"}`)

	_, err := v.Verify(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, errcode.CodeSignatureInvalid, errcode.CodeOf(err))
}

func TestVerifyNonceReplay(t *testing.T) {
	v := testVerifier(t, ModeEnforce)
	ctx := context.Background()

	_, err := v.Verify(ctx, signedEnvelope(t, "nonce-1"))
	require.NoError(t, err)

	_, err = v.Verify(ctx, signedEnvelope(t, "nonce-1"))
	require.Error(t, err)
	assert.Equal(t, errcode.CodeNonceReplay, errcode.CodeOf(err))

	// A fresh nonce from the same key still passes.
	_, err = v.Verify(ctx, signedEnvelope(t, "nonce-2"))
	assert.NoError(t, err)
}

func TestVerifyTimestampWindow(t *testing.T) {
	v := testVerifier(t, ModeEnforce)
	env := signedEnvelope(t, "nonce-1")

	stale := testNow.Add(-5 * time.Minute).Format(time.RFC3339)
	env.Timestamp = stale
	env.Auth.Timestamp = stale
	sig, err := SignEnvelope(env, []byte("topsecret"))
	require.NoError(t, err)
	env.Auth.Signature = sig

	_, err = v.Verify(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, errcode.CodeTimestampWindow, errcode.CodeOf(err))
}

func TestVerifyTimestampDrift(t *testing.T) {
	// Auth stamped at 02:47:00Z over an envelope stamped 02:40:00Z with a
	// 120000ms window: the verifier clock accepts the auth stamp, but the
	// seven-minute drift between the two timestamps must reject.
	driftNow := time.Date(2026, 2, 18, 2, 47, 0, 0, time.UTC)
	cfg := Config{
		Mode:        ModeEnforce,
		MaxSkew:     120000 * time.Millisecond,
		NonceTTL:    10 * time.Minute,
		LockTimeout: time.Second,
		LockStale:   30 * time.Second,
	}
	secrets := NewStaticSecretResolver(map[string][]byte{"bot-a": []byte("topsecret")})
	st := store.NewMemoryStore()
	replay := NewAntiReplayStore(st, cfg.NonceTTL, store.LeaseOptions{AcquireTimeout: time.Second})
	v := NewVerifier(cfg, secrets, replay).WithClock(func() time.Time { return driftNow })

	env := &contracts.ExecutionEnvelope{
		SchemaVersion: contracts.SchemaVersionV1,
		Plane:         contracts.PlaneExecution,
		Operation:     "transfer",
		RequestID:     "req-1",
		Timestamp:     "2026-02-18T02:40:00Z",
		Intent:        json.RawMessage(`{"chain":"ethereum","asset":"ETH","amount":"1","recipient":"0xabc"}`),
		Auth: &contracts.AuthStamp{
			Scheme:    contracts.SchemeHMACSHA256,
			KeyID:     "bot-a",
			Nonce:     "nonce-1",
			Timestamp: "2026-02-18T02:47:00Z",
		},
	}
	sig, err := SignEnvelope(env, []byte("topsecret"))
	require.NoError(t, err)
	env.Auth.Signature = sig

	_, err = v.Verify(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, errcode.CodeTimestampDrift, errcode.CodeOf(err))
}

func TestVerifyDisabledMode(t *testing.T) {
	v := testVerifier(t, ModeDisabled)

	verdict, err := v.Verify(context.Background(), &contracts.ExecutionEnvelope{})
	require.NoError(t, err)
	assert.False(t, verdict.Verified)
	assert.Equal(t, ReasonDisabled, verdict.Reason)
}

func TestVerifyUnsignedDryRun(t *testing.T) {
	v := testVerifier(t, ModeEnforce)
	env := &contracts.ExecutionEnvelope{
		SchemaVersion: contracts.SchemaVersionV1,
		Plane:         contracts.PlaneExecution,
		Operation:     "transfer",
		DryRun:        true,
		Timestamp:     testNow.Format(time.RFC3339),
	}

	verdict, err := v.Verify(context.Background(), env)
	require.NoError(t, err)
	assert.False(t, verdict.Verified)
	assert.Equal(t, ReasonNoAuth, verdict.Reason)
}

func TestVerifyUnsignedLiveRejected(t *testing.T) {
	v := testVerifier(t, ModeEnforce)
	env := &contracts.ExecutionEnvelope{
		SchemaVersion: contracts.SchemaVersionV1,
		Plane:         contracts.PlaneExecution,
		Operation:     "transfer",
		Timestamp:     testNow.Format(time.RFC3339),
	}

	_, err := v.Verify(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, errcode.CodeAuthRequired, errcode.CodeOf(err))
}

func TestVerifyUnsignedLiveOverride(t *testing.T) {
	cfg := Config{
		Mode:              ModePermissive,
		MaxSkew:           2 * time.Minute,
		NonceTTL:          10 * time.Minute,
		AllowUnsignedLive: true,
	}
	v := NewVerifier(cfg, NewStaticSecretResolver(nil), nil).
		WithClock(func() time.Time { return testNow })

	verdict, err := v.Verify(context.Background(), &contracts.ExecutionEnvelope{
		SchemaVersion: contracts.SchemaVersionV1,
		Timestamp:     testNow.Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.False(t, verdict.Verified)
	assert.Equal(t, ReasonUnsignedLive, verdict.Reason)
}

func TestVerifyUnknownKey(t *testing.T) {
	v := testVerifier(t, ModeEnforce)
	env := signedEnvelope(t, "nonce-1")
	env.Auth.KeyID = "bot-unknown"

	_, err := v.Verify(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, errcode.CodeKeyUnknown, errcode.CodeOf(err))
}

func TestVerifyUnsupportedScheme(t *testing.T) {
	v := testVerifier(t, ModeEnforce)
	env := signedEnvelope(t, "nonce-1")
	env.Auth.Scheme = "ed25519"

	_, err := v.Verify(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, errcode.CodeSchemeUnsupported, errcode.CodeOf(err))
}
