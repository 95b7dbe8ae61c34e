package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyPrefix = "notify:idempotency:"

	pendingPrefix   = "pending:"
	committedPrefix = "committed:"

	// DefaultPendingTTL bounds how long a crashed submit can hold a key
	DefaultPendingTTL = time.Minute
)

// commitScript promotes our own pending reservation, or claims a key whose
// reservation expired during a slow publish. Another holder is left alone.
var commitScript = goredis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false or v == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
  return 1
end
return 0
`)

// releaseScript deletes the key only while it still holds our pending reservation
var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisIdempotency stores key to job id bindings in Redis. A binding is
// "pending:<id>" while the submit is in flight and "committed:<id>" once
// the broker confirmed the message.
type RedisIdempotency struct {
	rdb        *goredis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewRedisIdempotency creates a Redis backed IdempotencyStore. Committed
// keys live for ttl.
func NewRedisIdempotency(rdb *goredis.Client, ttl time.Duration) *RedisIdempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotency{
		rdb:        rdb,
		ttl:        ttl,
		pendingTTL: min(DefaultPendingTTL, ttl),
	}
}

// Reserve implements IdempotencyStore
func (r *RedisIdempotency) Reserve(ctx context.Context, key, jobID string) (Reservation, bool, error) {
	redisKey := idempotencyKeyPrefix + key

	// a second round covers the key expiring between SETNX and GET
	for range 2 {
		ok, err := r.rdb.SetNX(ctx, redisKey, pendingPrefix+jobID, r.pendingTTL).Result()
		if err != nil {
			return Reservation{}, false, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return Reservation{}, true, nil
		}

		value, err := r.rdb.Get(ctx, redisKey).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return Reservation{}, false, fmt.Errorf("redis get: %w", err)
		}
		return parseReservation(value), false, nil
	}

	return Reservation{}, false, fmt.Errorf("idempotency key %q is contended", key)
}

// Commit implements IdempotencyStore
func (r *RedisIdempotency) Commit(ctx context.Context, key, jobID string) error {
	err := commitScript.Run(ctx, r.rdb,
		[]string{idempotencyKeyPrefix + key},
		pendingPrefix+jobID, committedPrefix+jobID, r.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	return nil
}

// Release implements IdempotencyStore
func (r *RedisIdempotency) Release(ctx context.Context, key, jobID string) error {
	err := releaseScript.Run(ctx, r.rdb,
		[]string{idempotencyKeyPrefix + key},
		pendingPrefix+jobID,
	).Err()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

func parseReservation(value string) Reservation {
	if id, ok := strings.CutPrefix(value, pendingPrefix); ok {
		return Reservation{JobID: id}
	}
	return Reservation{
		JobID:     strings.TrimPrefix(value, committedPrefix),
		Committed: true,
	}
}
