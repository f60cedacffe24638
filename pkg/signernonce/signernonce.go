// Package signernonce issues strictly increasing signing nonces per signer
// identity. It is purely a sequencing primitive: it never talks to a chain.
// Concurrent callers for the same signer are serialized so no two in-flight
// requests receive the same nonce, and the last-issued value is persisted so
// a restart never reissues a stale nonce.
package signernonce

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
	"github.com/Mindburn-Labs/keel/core/pkg/store"
)

const leasePrefix = "signer:nonce:"

// Lease is the persisted per-signer state.
type Lease struct {
	Signer    string `json:"signer"`
	NextNonce uint64 `json:"nextNonce"`
}

// Coordinator hands out nonces. The per-signer mutex serializes callers in
// this process; the store CAS makes issuance safe when several processes
// share a durable backend.
type Coordinator struct {
	kv  store.KV
	mu  sync.Mutex
	per map[string]*sync.Mutex
}

// NewCoordinator builds a coordinator over the given backend.
func NewCoordinator(kv store.KV) *Coordinator {
	return &Coordinator{kv: kv, per: make(map[string]*sync.Mutex)}
}

func (c *Coordinator) signerMutex(signer string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.per[signer]
	if !ok {
		m = &sync.Mutex{}
		c.per[signer] = m
	}
	return m
}

// Next returns the next nonce for signer. Issued values are strictly
// increasing with no duplicates, even under concurrent callers.
func (c *Coordinator) Next(ctx context.Context, signer string) (uint64, error) {
	m := c.signerMutex(signer)
	m.Lock()
	defer m.Unlock()

	key := leasePrefix + signer

	// CAS loop: under the per-signer mutex this normally succeeds first
	// try; the loop covers contention from other processes on a shared
	// backend.
	for attempt := 0; attempt < 10; attempt++ {
		rec, err := c.kv.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			lease := Lease{Signer: signer, NextNonce: 1}
			value, merr := json.Marshal(lease)
			if merr != nil {
				return 0, errcode.Wrap(errcode.CodeStoreFailure, merr, "nonce lease serialization failed")
			}
			created, _, cerr := c.kv.CompareAndSwap(ctx, key, 0, value, 0)
			if cerr != nil {
				return 0, errcode.Wrap(errcode.CodeStoreFailure, cerr, "nonce lease creation failed")
			}
			if created {
				return 1, nil
			}
			continue // lost the create race; re-read
		}
		if err != nil {
			return 0, errcode.Wrap(errcode.CodeStoreFailure, err, "nonce lease read failed")
		}

		var lease Lease
		if err := json.Unmarshal(rec.Value, &lease); err != nil {
			return 0, errcode.Wrap(errcode.CodeStoreFailure, err, "corrupt nonce lease")
		}
		next := lease.NextNonce + 1
		lease.NextNonce = next
		value, err := json.Marshal(lease)
		if err != nil {
			return 0, errcode.Wrap(errcode.CodeStoreFailure, err, "nonce lease serialization failed")
		}
		swapped, _, err := c.kv.CompareAndSwap(ctx, key, rec.Version, value, 0)
		if err != nil {
			return 0, errcode.Wrap(errcode.CodeStoreFailure, err, "nonce lease update failed")
		}
		if swapped {
			return next, nil
		}
	}
	return 0, errcode.New(errcode.CodeStoreFailure, "nonce lease contention exhausted retries")
}

// Sync fast-forwards the signer's lease to at least observed. Used when an
// external source (a chain account, an exchange session) reports a floor
// the coordinator must not fall below. The lease never moves backwards.
func (c *Coordinator) Sync(ctx context.Context, signer string, observed uint64) error {
	m := c.signerMutex(signer)
	m.Lock()
	defer m.Unlock()

	key := leasePrefix + signer

	for attempt := 0; attempt < 10; attempt++ {
		rec, err := c.kv.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			lease := Lease{Signer: signer, NextNonce: observed}
			value, merr := json.Marshal(lease)
			if merr != nil {
				return errcode.Wrap(errcode.CodeStoreFailure, merr, "nonce lease serialization failed")
			}
			created, _, cerr := c.kv.CompareAndSwap(ctx, key, 0, value, 0)
			if cerr != nil {
				return errcode.Wrap(errcode.CodeStoreFailure, cerr, "nonce lease creation failed")
			}
			if created {
				return nil
			}
			continue
		}
		if err != nil {
			return errcode.Wrap(errcode.CodeStoreFailure, err, "nonce lease read failed")
		}

		var lease Lease
		if err := json.Unmarshal(rec.Value, &lease); err != nil {
			return errcode.Wrap(errcode.CodeStoreFailure, err, "corrupt nonce lease")
		}
		if lease.NextNonce >= observed {
			return nil
		}
		lease.NextNonce = observed
		value, err := json.Marshal(lease)
		if err != nil {
			return errcode.Wrap(errcode.CodeStoreFailure, err, "nonce lease serialization failed")
		}
		swapped, _, err := c.kv.CompareAndSwap(ctx, key, rec.Version, value, 0)
		if err != nil {
			return errcode.Wrap(errcode.CodeStoreFailure, err, "nonce lease update failed")
		}
		if swapped {
			return nil
		}
	}
	return errcode.New(errcode.CodeStoreFailure, "nonce lease contention exhausted retries")
}

// Current returns the last issued nonce for signer (0 when none issued).
func (c *Coordinator) Current(ctx context.Context, signer string) (uint64, error) {
	rec, err := c.kv.Get(ctx, leasePrefix+signer)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errcode.Wrap(errcode.CodeStoreFailure, err, "nonce lease read failed")
	}
	var lease Lease
	if err := json.Unmarshal(rec.Value, &lease); err != nil {
		return 0, errcode.Wrap(errcode.CodeStoreFailure, err, "corrupt nonce lease")
	}
	return lease.NextNonce, nil
}
