package perimeter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
	"github.com/Mindburn-Labs/keel/core/pkg/store"
)

const (
	antiReplayPrefix = "a2a:nonce:"
	antiReplayLease  = "a2a:nonce"
)

// AntiReplayEntry records the first acceptance of a (keyId, nonce) pair.
// Entries are insert-only and pruned solely by TTL expiry.
type AntiReplayEntry struct {
	KeyID         string    `json:"keyId"`
	Nonce         string    `json:"nonce"`
	AuthTimestamp string    `json:"authTimestamp"`
	FirstSeenAt   time.Time `json:"firstSeenAt"`
}

// AntiReplayStore tracks seen (keyId, nonce) pairs over a store.Store. The
// store's lease primitive gives mutual exclusion across OS processes, with
// staleness reclamation so a crashed holder cannot wedge the perimeter.
type AntiReplayStore struct {
	store store.Store
	ttl   time.Duration
	lease store.LeaseOptions
}

// NewAntiReplayStore builds the tracker. ttl bounds retention (NONCE_TTL_MS).
func NewAntiReplayStore(s store.Store, ttl time.Duration, lease store.LeaseOptions) *AntiReplayStore {
	return &AntiReplayStore{store: s, ttl: ttl, lease: lease}
}

func replayKey(keyID, nonce string) string {
	return antiReplayPrefix + keyID + ":" + nonce
}

// Insert records (keyId, nonce) exactly once. A second insertion of the same
// pair before TTL expiry fails with A2A_NONCE_REPLAY. Expired entries are
// pruned opportunistically while the lease is held, before insertion, to
// bound storage growth.
func (s *AntiReplayStore) Insert(ctx context.Context, keyID, nonce, authTimestamp string) error {
	lease, err := s.store.Acquire(ctx, antiReplayLease, s.lease)
	if err != nil {
		if errors.Is(err, store.ErrLockTimeout) {
			return errcode.Wrap(errcode.CodeLockTimeout, err, "anti-replay lock acquisition timed out")
		}
		return errcode.Wrap(errcode.CodeStoreFailure, err, "anti-replay lock failed")
	}
	defer func() { _ = s.store.Release(ctx, lease) }()

	if _, err := s.store.PruneExpired(ctx, antiReplayPrefix); err != nil {
		return errcode.Wrap(errcode.CodeStoreFailure, err, "anti-replay pruning failed")
	}

	entry := AntiReplayEntry{
		KeyID:         keyID,
		Nonce:         nonce,
		AuthTimestamp: authTimestamp,
		FirstSeenAt:   time.Now().UTC(),
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return errcode.Wrap(errcode.CodeStoreFailure, err, "anti-replay entry serialization failed")
	}

	inserted, _, err := s.store.InsertIfAbsent(ctx, replayKey(keyID, nonce), value, s.ttl)
	if err != nil {
		return errcode.Wrap(errcode.CodeStoreFailure, err, "anti-replay insertion failed")
	}
	if !inserted {
		return errcode.Newf(errcode.CodeNonceReplay,
			"nonce %q was already accepted for key %q", nonce, keyID)
	}
	return nil
}

// Seen reports whether (keyId, nonce) is currently tracked. Exposed for
// diagnostics; admission control goes through Insert.
func (s *AntiReplayStore) Seen(ctx context.Context, keyID, nonce string) (bool, error) {
	_, err := s.store.Get(ctx, replayKey(keyID, nonce))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
