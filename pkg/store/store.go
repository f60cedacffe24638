// Package store provides the durable key-value primitives shared by the
// gateway's coordination components: atomic insert-if-absent and
// compare-and-swap records, plus named leases with staleness reclamation.
//
// Three backends are provided: an in-memory store for single-process
// deployments and tests, a SQLite store for durable single-node deployments,
// and a Redis store for multi-process deployments. All three honor the same
// contract so the coordinators above them are backend-agnostic.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key has no live record.
	ErrNotFound = errors.New("store: record not found")
	// ErrLockTimeout is returned when a lease cannot be acquired within the
	// caller's acquisition budget.
	ErrLockTimeout = errors.New("store: lease acquisition timed out")
	// ErrNotHeld is returned when releasing a lease that is no longer held.
	ErrNotHeld = errors.New("store: lease not held")
)

// Record is a versioned value. Version starts at 1 and increments on every
// successful CompareAndSwap, giving coordinators optimistic concurrency
// regardless of backing store.
type Record struct {
	Key       string
	Value     []byte
	Version   int64
	UpdatedAt time.Time
	ExpiresAt time.Time // zero means the record never expires
}

// Expired reports whether the record's TTL has elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// KV is the atomic key-value contract. Implementations must make
// InsertIfAbsent and CompareAndSwap atomic with respect to concurrent
// callers, across processes for the durable backends.
type KV interface {
	// Get returns the live record for key, or ErrNotFound. Expired records
	// are treated as absent.
	Get(ctx context.Context, key string) (*Record, error)

	// InsertIfAbsent atomically creates a record if no live record exists.
	// It returns (true, new record) on insertion, or (false, existing
	// record) when the key is already present. ttl of zero means no expiry.
	// Insertion is the only mutation for anti-replay entries; existing
	// records are never overwritten by this call.
	InsertIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, *Record, error)

	// CompareAndSwap atomically replaces the value when the live record's
	// version equals expectedVersion. expectedVersion of 0 means "create;
	// fail if present". It returns (true, updated record) on success, or
	// (false, current record) on a version conflict.
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (bool, *Record, error)

	// Delete removes the record for key if its version matches
	// expectedVersion (0 deletes unconditionally). Returns true when a
	// record was removed.
	Delete(ctx context.Context, key string, expectedVersion int64) (bool, error)

	// PruneExpired removes expired records under the given key prefix and
	// returns the number removed. Used for opportunistic TTL cleanup.
	PruneExpired(ctx context.Context, prefix string) (int, error)

	Close() error
}

// Lease is a named mutual-exclusion grant. A lease held past its expiry is
// considered abandoned and may be reclaimed by another acquirer, so a
// crashed holder can never deadlock the system.
type Lease struct {
	Name      string
	Holder    string
	ExpiresAt time.Time
}

// LeaseOptions bounds acquisition and staleness.
type LeaseOptions struct {
	// AcquireTimeout is the total budget for obtaining the lease
	// (LOCK_TIMEOUT_MS). Zero falls back to DefaultAcquireTimeout.
	AcquireTimeout time.Duration
	// StaleAfter is the hold duration after which the lease is presumed
	// abandoned and reclaimable (LOCK_STALE_MS). Zero falls back to
	// DefaultStaleAfter.
	StaleAfter time.Duration
	// RetryInterval is the poll interval while contending.
	RetryInterval time.Duration
}

// Default lease thresholds; callers normally supply config-derived values.
const (
	DefaultAcquireTimeout = 5 * time.Second
	DefaultStaleAfter     = 30 * time.Second
	DefaultRetryInterval  = 25 * time.Millisecond
)

func (o LeaseOptions) withDefaults() LeaseOptions {
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	return o
}

// Locker grants named leases. Acquire blocks up to the acquisition budget,
// reclaiming stale leases along the way; it never blocks indefinitely.
type Locker interface {
	Acquire(ctx context.Context, name string, opts LeaseOptions) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
}

// Store couples the two primitives; all provided backends implement both.
type Store interface {
	KV
	Locker
}
