// Package idempotency maps a canonical intent (plus policy version) to a
// single execution outcome. For any key, at most one caller wins the
// reservation and proceeds to execute; everyone else observes the existing
// record, whatever its status, and never re-invokes a connector.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Mindburn-Labs/keel/core/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
	"github.com/Mindburn-Labs/keel/core/pkg/store"
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the persisted idempotency state for one key.
type Record struct {
	Key           string          `json:"key"`
	CanonicalHash string          `json:"canonicalHash"`
	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorCode     errcode.Code    `json:"errorCode,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Reservation is the outcome of Reserve. When IsNew is true the caller owns
// the execution and must eventually call Complete, Fail, or Release.
type Reservation struct {
	IsNew   bool
	Record  Record
	version int64
}

const keyPrefix = "idem:"

// Coordinator enforces at-most-one live execution per key over any KV
// backend with atomic insert-if-absent and compare-and-swap semantics.
type Coordinator struct {
	kv    store.KV
	ttl   time.Duration // retention of terminal records; zero keeps forever
	clock func() time.Time
}

// NewCoordinator builds a coordinator. ttl bounds how long terminal records
// are replayed before the key becomes reusable.
func NewCoordinator(kv store.KV, ttl time.Duration) *Coordinator {
	return &Coordinator{kv: kv, ttl: ttl, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// DeriveKey computes the idempotency key for an envelope: the caller's key
// when supplied, otherwise a deterministic hash of the canonical intent and
// policy version so semantically identical retries collapse onto one key.
func DeriveKey(env *contracts.ExecutionEnvelope, intent contracts.Intent, policyVersion string) (string, error) {
	if env.IdempotencyKey != "" {
		return env.IdempotencyKey, nil
	}
	hash, err := canonicalize.CanonicalHash(map[string]any{
		"intent":        intent.Canonical(),
		"operation":     env.Operation,
		"policyVersion": policyVersion,
	})
	if err != nil {
		return "", errcode.Wrap(errcode.CodeSchemaInvalid, err, "intent canonicalization failed")
	}
	return hash, nil
}

// Reserve atomically claims the key. Exactly one concurrent caller receives
// IsNew=true; the rest observe the existing record. A client-supplied key
// reused with a different canonical intent is rejected outright; one key
// must always describe one economic action.
func (c *Coordinator) Reserve(ctx context.Context, key, canonicalHash string) (*Reservation, error) {
	pending := Record{
		Key:           key,
		CanonicalHash: canonicalHash,
		Status:        StatusPending,
		CreatedAt:     c.clock().UTC(),
	}
	value, err := json.Marshal(pending)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeStoreFailure, err, "idempotency record serialization failed")
	}

	inserted, rec, err := c.kv.InsertIfAbsent(ctx, keyPrefix+key, value, 0)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeStoreFailure, err, "idempotency reservation failed")
	}

	var stored Record
	if err := json.Unmarshal(rec.Value, &stored); err != nil {
		return nil, errcode.Wrap(errcode.CodeStoreFailure, err, "corrupt idempotency record")
	}

	if !inserted && stored.CanonicalHash != canonicalHash {
		return nil, errcode.New(errcode.CodeSchemaInvalid,
			"idempotency key reused with a different canonical intent").
			WithDetail("key", key)
	}

	return &Reservation{IsNew: inserted, Record: stored, version: rec.Version}, nil
}

// Complete transitions the reservation to completed with the result that
// will be replayed byte-for-byte to later callers.
func (c *Coordinator) Complete(ctx context.Context, res *Reservation, result json.RawMessage) error {
	rec := res.Record
	rec.Status = StatusCompleted
	rec.Result = result
	return c.swapTerminal(ctx, res, rec)
}

// Fail transitions the reservation to failed. The failure is terminal: later
// callers with the same key observe the same error rather than re-executing.
func (c *Coordinator) Fail(ctx context.Context, res *Reservation, execErr *errcode.Error) error {
	rec := res.Record
	rec.Status = StatusFailed
	rec.ErrorCode = execErr.Code
	rec.ErrorMessage = execErr.Message
	return c.swapTerminal(ctx, res, rec)
}

// Release abandons a pending reservation without recording an outcome. Used
// when execution was never attempted (admission rejections such as an open
// circuit breaker), so a later retry may execute.
func (c *Coordinator) Release(ctx context.Context, res *Reservation) error {
	if !res.IsNew {
		return nil
	}
	if _, err := c.kv.Delete(ctx, keyPrefix+res.Record.Key, res.version); err != nil {
		return errcode.Wrap(errcode.CodeStoreFailure, err, "idempotency release failed")
	}
	return nil
}

func (c *Coordinator) swapTerminal(ctx context.Context, res *Reservation, rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return errcode.Wrap(errcode.CodeStoreFailure, err, "idempotency record serialization failed")
	}
	swapped, _, err := c.kv.CompareAndSwap(ctx, keyPrefix+rec.Key, res.version, value, c.ttl)
	if err != nil {
		return errcode.Wrap(errcode.CodeStoreFailure, err, "idempotency completion failed")
	}
	if !swapped {
		// Only the reservation owner may complete; a lost swap means the
		// record advanced elsewhere, which violates single ownership.
		return errcode.New(errcode.CodeStoreFailure, "idempotency record was modified concurrently")
	}
	return nil
}

// Get returns the current record for key, or store.ErrNotFound.
func (c *Coordinator) Get(ctx context.Context, key string) (*Record, error) {
	rec, err := c.kv.Get(ctx, keyPrefix+key)
	if err != nil {
		return nil, err
	}
	var stored Record
	if err := json.Unmarshal(rec.Value, &stored); err != nil {
		return nil, errcode.Wrap(errcode.CodeStoreFailure, err, "corrupt idempotency record")
	}
	return &stored, nil
}
