package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "mdflow:ratelimit"

// takeTokenScript mirrors bucket.take inside redis so concurrent replicas
// see one balance per subject. Returns {allowed, remaining, retry_after_ms}.
var takeTokenScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - last) * rate)

local allowed, wait = 0, 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) / rate)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

if allowed == 1 then
  return {1, math.floor(tokens), 0}
end
return {0, 0, wait}
`)

// RedisTokenBucket keeps bucket state in redis so every API replica shares it.
type RedisTokenBucket struct {
	bucket

	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	b, err := newBucket(capacity, window)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = DefaultKeyPrefix
	}

	return &RedisTokenBucket{
		bucket:    b,
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	reply, err := takeTokenScript.Run(ctx, l.client,
		[]string{l.key(normalizeSubject(subject))},
		l.capacity,
		l.refillPerMS,
		l.now().UTC().UnixMilli(),
		l.idleTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take token: %w", err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("take token: unexpected reply %v", reply)
	}

	return Decision{
		Allowed:    reply[0] == 1,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

func (l *RedisTokenBucket) key(subject string) string {
	return l.keyPrefix + ":" + subject
}
