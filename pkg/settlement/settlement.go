// Package settlement tracks multi-step operations to a terminal state.
// Completion of a cross-chain transfer is observed by polling the
// provider's status surface; because that surface is not shape-stable, the
// tracker tries an ordered list of typed query strategies and accepts the
// first that answers. Progress is persisted per order id so an abandoned
// poll can be resumed later without losing history.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Mindburn-Labs/keel/core/pkg/connector"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
	"github.com/Mindburn-Labs/keel/core/pkg/store"
)

// terminalStatuses is the closed set of provider statuses that mean the
// destination credit landed. Matching is case-insensitive.
var terminalStatuses = map[string]bool{
	"fulfilled": true,
	"executed":  true,
	"claimed":   true,
	"completed": true,
	"sent":      true,
}

// IsTerminal classifies a provider status string.
func IsTerminal(status string) bool {
	return terminalStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// Snapshot is one observed provider status.
type Snapshot struct {
	At     time.Time       `json:"at"`
	Status string          `json:"status"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// TrackingRecord is the persisted progression of one order. Completed
// false after exhausting attempts is not a failure; it means check again
// later.
type TrackingRecord struct {
	OrderID      string     `json:"orderId"`
	SourceTxHash string     `json:"sourceTxHash"`
	Attempts     int        `json:"attempts"`
	Snapshots    []Snapshot `json:"snapshots"`
	Completed    bool       `json:"completed"`
}

// StatusQuery is one typed way of asking the provider about an order.
// Strategies are tried in order until one answers; an error means "this
// shape did not work", not "the order failed".
type StatusQuery interface {
	Name() string
	Query(ctx context.Context, handle connector.SettlementHandle) (status string, raw json.RawMessage, err error)
}

// Config bounds one Track invocation (POLL_ATTEMPTS, POLL_INTERVAL_MS on
// the config surface).
type Config struct {
	PollAttempts int
	PollInterval time.Duration
}

// DefaultConfig polls ten times, three seconds apart.
func DefaultConfig() Config {
	return Config{PollAttempts: 10, PollInterval: 3 * time.Second}
}

const recordPrefix = "settle:"

// Tracker drives the polling loop. All durable state lives in the KV
// store; the tracker itself is stateless and safe to share.
type Tracker struct {
	cfg     Config
	queries []StatusQuery
	kv      store.KV
	clock   func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewTracker builds a tracker over the given strategies, tried in order.
func NewTracker(cfg Config, kv store.KV, queries ...StatusQuery) *Tracker {
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultConfig().PollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Tracker{
		cfg:     cfg,
		queries: queries,
		kv:      kv,
		clock:   time.Now,
		sleep:   sleepCtx,
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// WithSleeper overrides the inter-attempt delay (tests).
func (t *Tracker) WithSleeper(sleep func(ctx context.Context, d time.Duration) error) *Tracker {
	t.sleep = sleep
	return t
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Track polls the order until a terminal status or the attempt budget runs
// out. A record already terminal returns immediately; re-invocation with
// the same order id resumes from the persisted history. Cancelling the
// context mid-poll leaves the record valid and resumable.
func (t *Tracker) Track(ctx context.Context, handle connector.SettlementHandle) (*TrackingRecord, error) {
	rec, version, err := t.load(ctx, handle)
	if err != nil {
		return nil, err
	}
	if rec.Completed {
		return rec, nil
	}

	for i := 0; i < t.cfg.PollAttempts; i++ {
		if i > 0 {
			if err := t.sleep(ctx, t.cfg.PollInterval); err != nil {
				return rec, nil // abandoned, not corrupted; resumable later
			}
		}

		status, raw, qerr := t.poll(ctx, handle)
		rec.Attempts++
		if qerr == nil {
			rec.Snapshots = append(rec.Snapshots, Snapshot{
				At:     t.clock().UTC(),
				Status: status,
				Raw:    raw,
			})
			if IsTerminal(status) {
				rec.Completed = true
			}
		}

		version, err = t.persist(ctx, rec, version)
		if err != nil {
			return nil, err
		}
		if rec.Completed {
			return rec, nil
		}
	}
	return rec, nil
}

// Lookup returns the persisted record without polling.
func (t *Tracker) Lookup(ctx context.Context, orderID string) (*TrackingRecord, error) {
	stored, err := t.kv.Get(ctx, recordPrefix+orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeStoreFailure, err, "settlement record read failed")
	}
	var rec TrackingRecord
	if err := json.Unmarshal(stored.Value, &rec); err != nil {
		return nil, errcode.Wrap(errcode.CodeStoreFailure, err, "corrupt settlement record")
	}
	return &rec, nil
}

// poll tries each query strategy in order, returning the first answer.
func (t *Tracker) poll(ctx context.Context, handle connector.SettlementHandle) (string, json.RawMessage, error) {
	var lastErr error
	for _, q := range t.queries {
		status, raw, err := q.Query(ctx, handle)
		if err == nil {
			return status, raw, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errcode.New(errcode.CodeUnknown, "no status query strategies configured")
	}
	return "", nil, lastErr
}

func (t *Tracker) load(ctx context.Context, handle connector.SettlementHandle) (*TrackingRecord, int64, error) {
	key := recordPrefix + handle.OrderID
	stored, err := t.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		rec := &TrackingRecord{OrderID: handle.OrderID, SourceTxHash: handle.SourceTxHash}
		value, merr := json.Marshal(rec)
		if merr != nil {
			return nil, 0, errcode.Wrap(errcode.CodeStoreFailure, merr, "settlement record serialization failed")
		}
		_, created, ierr := t.kv.InsertIfAbsent(ctx, key, value, 0)
		if ierr != nil {
			return nil, 0, errcode.Wrap(errcode.CodeStoreFailure, ierr, "settlement record creation failed")
		}
		var current TrackingRecord
		if uerr := json.Unmarshal(created.Value, &current); uerr != nil {
			return nil, 0, errcode.Wrap(errcode.CodeStoreFailure, uerr, "corrupt settlement record")
		}
		return &current, created.Version, nil
	}
	if err != nil {
		return nil, 0, errcode.Wrap(errcode.CodeStoreFailure, err, "settlement record read failed")
	}
	var rec TrackingRecord
	if err := json.Unmarshal(stored.Value, &rec); err != nil {
		return nil, 0, errcode.Wrap(errcode.CodeStoreFailure, err, "corrupt settlement record")
	}
	return &rec, stored.Version, nil
}

func (t *Tracker) persist(ctx context.Context, rec *TrackingRecord, version int64) (int64, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return 0, errcode.Wrap(errcode.CodeStoreFailure, err, "settlement record serialization failed")
	}
	swapped, current, err := t.kv.CompareAndSwap(ctx, recordPrefix+rec.OrderID, version, value, 0)
	if err != nil {
		return 0, errcode.Wrap(errcode.CodeStoreFailure, err, "settlement record update failed")
	}
	if !swapped {
		// Another tracker progressed the record concurrently. A terminal
		// status observed once must stay terminal, so adopt the stored
		// state when it is further along.
		var stored TrackingRecord
		if uerr := json.Unmarshal(current.Value, &stored); uerr != nil {
			return 0, errcode.Wrap(errcode.CodeStoreFailure, uerr, "corrupt settlement record")
		}
		if stored.Completed {
			*rec = stored
		}
		return current.Version, nil
	}
	return current.Version, nil
}
