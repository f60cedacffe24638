package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// insertIfAbsentScript creates the record hash only when absent, returning
// the resulting state either way. TTL is applied at creation only; existing
// records are never overwritten.
// KEYS[1] = record key, ARGV[1] = value, ARGV[2] = now (unix ms), ARGV[3] = ttl ms (0 = none)
var insertIfAbsentScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 then
	local state = redis.call("HMGET", key, "value", "version", "updated_at")
	return {0, state[1], state[2], state[3]}
end
redis.call("HSET", key, "value", ARGV[1], "version", 1, "updated_at", ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call("PEXPIRE", key, ttl)
end
return {1, ARGV[1], "1", ARGV[2]}
`)

// casScript swaps the value when the stored version matches. Version 0 means
// create-if-absent.
// KEYS[1] = record key, ARGV[1] = expected version, ARGV[2] = new value,
// ARGV[3] = now (unix ms), ARGV[4] = ttl ms (0 = none)
var casScript = redis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[1])
local exists = redis.call("EXISTS", key) == 1
if expected == 0 then
	if exists then
		local state = redis.call("HMGET", key, "value", "version", "updated_at")
		return {0, state[1], state[2], state[3]}
	end
	redis.call("HSET", key, "value", ARGV[2], "version", 1, "updated_at", ARGV[3])
	if tonumber(ARGV[4]) > 0 then
		redis.call("PEXPIRE", key, tonumber(ARGV[4]))
	end
	return {1, ARGV[2], "1", ARGV[3]}
end
if not exists then
	return {-1}
end
local version = tonumber(redis.call("HGET", key, "version"))
if version ~= expected then
	local state = redis.call("HMGET", key, "value", "version", "updated_at")
	return {0, state[1], state[2], state[3]}
end
local next = version + 1
redis.call("HSET", key, "value", ARGV[2], "version", next, "updated_at", ARGV[3])
if tonumber(ARGV[4]) > 0 then
	redis.call("PEXPIRE", key, tonumber(ARGV[4]))
end
return {1, ARGV[2], tostring(next), ARGV[3]}
`)

// deleteScript removes the record when the version matches (0 matches any).
var deleteScript = redis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[1])
if redis.call("EXISTS", key) == 0 then
	return 0
end
if expected ~= 0 then
	local version = tonumber(redis.call("HGET", key, "version"))
	if version ~= expected then
		return 0
	end
end
return redis.call("DEL", key)
`)

// releaseLeaseScript deletes the lease only if still held by the caller.
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore is the multi-process backend. Record mutations run as Lua
// scripts so they are atomic server-side; leases map onto SET NX PX, where
// the PX expiry is the staleness-reclamation contract (a crashed holder's
// lease simply times out).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// OpenRedisStore dials addr and returns a store.
func OpenRedisStore(addr, password string, db int) *RedisStore {
	return NewRedisStore(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func (s *RedisStore) recordKey(key string) string { return "keel:kv:" + key }
func (s *RedisStore) leaseKey(name string) string { return "keel:lease:" + name }

func parseRecordReply(key string, reply any) (inserted bool, rec *Record, err error) {
	fields, ok := reply.([]any)
	if !ok || len(fields) == 0 {
		return false, nil, fmt.Errorf("redis store: malformed script reply for %s", key)
	}
	outcome, _ := fields[0].(int64)
	if outcome == -1 {
		return false, nil, ErrNotFound
	}
	if len(fields) != 4 {
		return false, nil, fmt.Errorf("redis store: malformed script reply for %s", key)
	}
	value, _ := fields[1].(string)
	versionStr, _ := fields[2].(string)
	updatedStr, _ := fields[3].(string)

	var version, updatedMs int64
	if _, err := fmt.Sscanf(versionStr, "%d", &version); err != nil {
		return false, nil, fmt.Errorf("redis store: corrupt version for %s: %w", key, err)
	}
	if _, err := fmt.Sscanf(updatedStr, "%d", &updatedMs); err != nil {
		return false, nil, fmt.Errorf("redis store: corrupt updated_at for %s: %w", key, err)
	}
	return outcome == 1, &Record{
		Key:       key,
		Value:     []byte(value),
		Version:   version,
		UpdatedAt: time.UnixMilli(updatedMs).UTC(),
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	fields, err := s.client.HMGet(ctx, s.recordKey(key), "value", "version", "updated_at").Result()
	if err != nil {
		return nil, fmt.Errorf("redis store get: %w", err)
	}
	if fields[0] == nil {
		return nil, ErrNotFound
	}
	reply := []any{int64(0), fields[0], fields[1], fields[2]}
	_, rec, err := parseRecordReply(key, reply)
	return rec, err
}

func (s *RedisStore) InsertIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, *Record, error) {
	reply, err := insertIfAbsentScript.Run(ctx, s.client,
		[]string{s.recordKey(key)}, value, time.Now().UnixMilli(), ttl.Milliseconds()).Result()
	if err != nil {
		return false, nil, fmt.Errorf("redis store insert: %w", err)
	}
	return parseRecordReply(key, reply)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (bool, *Record, error) {
	reply, err := casScript.Run(ctx, s.client,
		[]string{s.recordKey(key)}, expectedVersion, value, time.Now().UnixMilli(), ttl.Milliseconds()).Result()
	if err != nil {
		return false, nil, fmt.Errorf("redis store cas: %w", err)
	}
	return parseRecordReply(key, reply)
}

func (s *RedisStore) Delete(ctx context.Context, key string, expectedVersion int64) (bool, error) {
	reply, err := deleteScript.Run(ctx, s.client, []string{s.recordKey(key)}, expectedVersion).Int()
	if err != nil {
		return false, fmt.Errorf("redis store delete: %w", err)
	}
	return reply == 1, nil
}

func (s *RedisStore) PruneExpired(ctx context.Context, prefix string) (int, error) {
	// Redis expires records server-side via PEXPIRE; nothing to prune here.
	return 0, nil
}

func (s *RedisStore) Acquire(ctx context.Context, name string, opts LeaseOptions) (*Lease, error) {
	opts = opts.withDefaults()
	deadline := time.Now().Add(opts.AcquireTimeout)
	holder := fmt.Sprintf("%d-%d", time.Now().UnixNano(), opts.StaleAfter.Milliseconds())

	for {
		ok, err := s.client.SetNX(ctx, s.leaseKey(name), holder, opts.StaleAfter).Result()
		if err != nil {
			return nil, fmt.Errorf("redis store acquire: %w", err)
		}
		if ok {
			return &Lease{Name: name, Holder: holder, ExpiresAt: time.Now().Add(opts.StaleAfter)}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}
}

func (s *RedisStore) Release(ctx context.Context, lease *Lease) error {
	n, err := releaseLeaseScript.Run(ctx, s.client, []string{s.leaseKey(lease.Name)}, lease.Holder).Int()
	if err != nil {
		return fmt.Errorf("redis store release: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
