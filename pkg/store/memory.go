package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process backend. It honors the full Store contract
// (including lease staleness) and is the default for tests and
// single-process deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	leases  map[string]*Lease
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		leases:  make(map[string]*Lease),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) live(key string) *Record {
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	if rec.Expired(s.clock()) {
		delete(s.records, key)
		return nil
	}
	return rec
}

func copyRecord(r *Record) *Record {
	c := *r
	c.Value = append([]byte(nil), r.Value...)
	return &c
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.live(key)
	if rec == nil {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) InsertIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.live(key); existing != nil {
		return false, copyRecord(existing), nil
	}

	now := s.clock()
	rec := &Record{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   1,
		UpdatedAt: now,
	}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	s.records[key] = rec
	return true, copyRecord(rec), nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	existing := s.live(key)

	if expectedVersion == 0 {
		if existing != nil {
			return false, copyRecord(existing), nil
		}
		rec := &Record{Key: key, Value: append([]byte(nil), value...), Version: 1, UpdatedAt: now}
		if ttl > 0 {
			rec.ExpiresAt = now.Add(ttl)
		}
		s.records[key] = rec
		return true, copyRecord(rec), nil
	}

	if existing == nil {
		return false, nil, ErrNotFound
	}
	if existing.Version != expectedVersion {
		return false, copyRecord(existing), nil
	}

	existing.Value = append([]byte(nil), value...)
	existing.Version++
	existing.UpdatedAt = now
	if ttl > 0 {
		existing.ExpiresAt = now.Add(ttl)
	}
	return true, copyRecord(existing), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.live(key)
	if rec == nil {
		return false, nil
	}
	if expectedVersion != 0 && rec.Version != expectedVersion {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *MemoryStore) PruneExpired(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	pruned := 0
	for key, rec := range s.records {
		if strings.HasPrefix(key, prefix) && rec.Expired(now) {
			delete(s.records, key)
			pruned++
		}
	}
	return pruned, nil
}

func (s *MemoryStore) Acquire(ctx context.Context, name string, opts LeaseOptions) (*Lease, error) {
	opts = opts.withDefaults()
	deadline := s.clock().Add(opts.AcquireTimeout)

	for {
		s.mu.Lock()
		now := s.clock()
		current, held := s.leases[name]
		// A lease held past its expiry is presumed abandoned and reclaimed.
		if !held || now.After(current.ExpiresAt) {
			lease := &Lease{
				Name:      name,
				Holder:    uuid.New().String(),
				ExpiresAt: now.Add(opts.StaleAfter),
			}
			s.leases[name] = lease
			s.mu.Unlock()
			return lease, nil
		}
		s.mu.Unlock()

		if s.clock().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}
}

func (s *MemoryStore) Release(ctx context.Context, lease *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, held := s.leases[lease.Name]
	if !held || current.Holder != lease.Holder {
		return ErrNotHeld
	}
	delete(s.leases, lease.Name)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
