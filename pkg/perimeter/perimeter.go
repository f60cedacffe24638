// Package perimeter implements the bot-to-bot (A2A) security boundary of the
// execution gateway: authentication, freshness, and anti-replay checks that
// run before any policy, idempotency, or connector code. A request that
// fails here produces no side effects anywhere in the system.
package perimeter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/Mindburn-Labs/keel/core/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
)

// Mode controls how strictly the perimeter is enforced.
type Mode string

const (
	// ModeDisabled performs no checks; every envelope passes unverified.
	ModeDisabled Mode = "disabled"
	// ModePermissive allows unauthenticated dry runs; unauthenticated live
	// execution additionally requires the AllowUnsignedLive override.
	ModePermissive Mode = "permissive"
	// ModeEnforce requires valid authentication for live execution.
	ModeEnforce Mode = "enforce"
)

// Verdict is the perimeter outcome for an accepted envelope.
type Verdict struct {
	Verified bool
	KeyID    string
	Reason   string
}

// Unverified pass-through reasons.
const (
	ReasonDisabled     = "disabled"
	ReasonNoAuth       = "no_auth"
	ReasonUnsignedLive = "unsigned_live_override"
	ReasonKeyUnknown   = "key_unknown"
	ReasonVerified     = "verified"
)

// Config holds the perimeter thresholds, all config-surface driven.
type Config struct {
	Mode              Mode
	MaxSkew           time.Duration // MAX_SKEW_MS
	NonceTTL          time.Duration // NONCE_TTL_MS
	AllowUnsignedLive bool          // ALLOW_UNSIGNED_LIVE
	LockTimeout       time.Duration // LOCK_TIMEOUT_MS
	LockStale         time.Duration // LOCK_STALE_MS
}

// DefaultConfig returns conservative defaults: enforce mode, two-minute
// freshness windows, ten-minute anti-replay retention.
func DefaultConfig() Config {
	return Config{
		Mode:        ModeEnforce,
		MaxSkew:     2 * time.Minute,
		NonceTTL:    10 * time.Minute,
		LockTimeout: 5 * time.Second,
		LockStale:   30 * time.Second,
	}
}

// Verifier checks envelopes against the perimeter rules. It never mutates
// the envelope it is given.
type Verifier struct {
	cfg     Config
	secrets SecretResolver
	replay  *AntiReplayStore
	clock   func() time.Time
}

// NewVerifier builds a verifier. The replay store may be nil only in
// disabled mode.
func NewVerifier(cfg Config, secrets SecretResolver, replay *AntiReplayStore) *Verifier {
	return &Verifier{cfg: cfg, secrets: secrets, replay: replay, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify runs the full perimeter check sequence. A nil error means the
// envelope is admitted; the verdict reports whether it was cryptographically
// verified or passed under a permissive-mode exemption.
func (v *Verifier) Verify(ctx context.Context, env *contracts.ExecutionEnvelope) (Verdict, error) {
	if v.cfg.Mode == ModeDisabled {
		return Verdict{Verified: false, Reason: ReasonDisabled}, nil
	}

	live := !env.DryRun

	if env.Auth == nil {
		switch {
		case !live:
			// Dry runs without auth remain possible in both permissive and
			// enforce modes; auth is mandatory for live execution only.
			return Verdict{Verified: false, Reason: ReasonNoAuth}, nil
		case v.cfg.Mode == ModePermissive && v.cfg.AllowUnsignedLive:
			return Verdict{Verified: false, Reason: ReasonUnsignedLive}, nil
		default:
			return Verdict{}, errcode.New(errcode.CodeAuthRequired,
				"live execution requires an authenticated envelope")
		}
	}

	auth := env.Auth

	if auth.Scheme != contracts.SchemeHMACSHA256 {
		return Verdict{}, errcode.Newf(errcode.CodeSchemeUnsupported,
			"unsupported auth scheme %q", auth.Scheme).
			WithDetail("supported", contracts.SchemeHMACSHA256)
	}

	secret, found := v.secrets.Resolve(auth.KeyID)
	if !found {
		if v.cfg.Mode == ModeEnforce || live {
			return Verdict{}, errcode.Newf(errcode.CodeKeyUnknown,
				"no secret registered for key %q", auth.KeyID)
		}
		// Permissive dry run with an unknown key degrades to unverified.
		return Verdict{Verified: false, KeyID: auth.KeyID, Reason: ReasonKeyUnknown}, nil
	}

	if err := v.checkFreshness(env, auth); err != nil {
		return Verdict{}, err
	}

	if err := v.checkSignature(env, auth, secret); err != nil {
		return Verdict{}, err
	}

	if err := v.replay.Insert(ctx, auth.KeyID, auth.Nonce, auth.Timestamp); err != nil {
		return Verdict{}, err
	}

	return Verdict{Verified: true, KeyID: auth.KeyID, Reason: ReasonVerified}, nil
}

// checkFreshness applies the two independent timestamp windows: clock skew
// between the verifier and the auth stamp, and drift between the auth stamp
// and the envelope itself (tamper/staleness detection).
func (v *Verifier) checkFreshness(env *contracts.ExecutionEnvelope, auth *contracts.AuthStamp) error {
	authTS, err := time.Parse(time.RFC3339, auth.Timestamp)
	if err != nil {
		return errcode.Wrap(errcode.CodeSchemaInvalid, err, "auth timestamp is not RFC 3339")
	}
	envTS, err := env.ParsedTimestamp()
	if err != nil {
		return errcode.Wrap(errcode.CodeSchemaInvalid, err, "envelope timestamp is not RFC 3339")
	}

	now := v.clock()
	if absDuration(now.Sub(authTS)) > v.cfg.MaxSkew {
		return errcode.New(errcode.CodeTimestampWindow,
			"auth timestamp outside the acceptance window").
			WithDetail("maxSkewMs", v.cfg.MaxSkew.Milliseconds()).
			WithDetail("authTimestamp", auth.Timestamp)
	}
	if absDuration(authTS.Sub(envTS)) > v.cfg.MaxSkew {
		return errcode.New(errcode.CodeTimestampDrift,
			"auth and envelope timestamps drift beyond the acceptance window").
			WithDetail("maxSkewMs", v.cfg.MaxSkew.Milliseconds()).
			WithDetail("authTimestamp", auth.Timestamp).
			WithDetail("envelopeTimestamp", env.Timestamp)
	}
	return nil
}

// checkSignature recomputes the HMAC over the canonical envelope (signature
// removed, keys sorted) and compares in constant time. The provided
// signature may be hex or base64 encoded.
func (v *Verifier) checkSignature(env *contracts.ExecutionEnvelope, auth *contracts.AuthStamp, secret []byte) error {
	expected, err := ComputeSignature(env, secret)
	if err != nil {
		return errcode.Wrap(errcode.CodeSignatureInvalid, err, "envelope canonicalization failed")
	}

	provided, ok := decodeSignature(auth.Signature)
	if !ok {
		return errcode.New(errcode.CodeSignatureInvalid,
			"signature is neither valid hex nor base64")
	}
	if !hmac.Equal(provided, expected) {
		return errcode.New(errcode.CodeSignatureInvalid, "signature mismatch")
	}
	return nil
}

// ComputeSignature returns the HMAC-SHA256 digest over the canonical form of
// the envelope with auth.signature removed. Shared by the verifier and by
// clients signing outbound envelopes.
func ComputeSignature(env *contracts.ExecutionEnvelope, secret []byte) ([]byte, error) {
	canonical, err := canonicalize.JCS(env.WithoutSignature())
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return mac.Sum(nil), nil
}

// SignEnvelope computes and hex-encodes the signature for an envelope whose
// auth stamp is already populated (scheme, keyId, nonce, timestamp).
func SignEnvelope(env *contracts.ExecutionEnvelope, secret []byte) (string, error) {
	sig, err := ComputeSignature(env, secret)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

func decodeSignature(s string) ([]byte, bool) {
	if b, err := hex.DecodeString(s); err == nil {
		return b, true
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, true
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, true
	}
	return nil, false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
