package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketTake(t *testing.T) {
	b, err := newBucket(4, 4*time.Second)
	require.NoError(t, err)

	tokens, d := b.take(b.capacity, 0)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(3), d.Remaining)
	assert.Equal(t, 3.0, tokens)

	tokens, d = b.take(0.5, 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0.5, tokens)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)

	tokens, d = b.take(0, 60_000)
	assert.True(t, d.Allowed, "refill is capped at capacity")
	assert.Equal(t, 3.0, tokens)

	_, d = b.take(0, -100)
	assert.False(t, d.Allowed, "clock skew never refills")
}

func TestNewRedisTokenBucketValidation(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	_, err := NewRedisTokenBucket(nil, 10, time.Minute, "")
	assert.Error(t, err)
	_, err = NewRedisTokenBucket(client, 0, time.Minute, "")
	assert.Error(t, err)
	_, err = NewRedisTokenBucket(client, 10, 0, "")
	assert.Error(t, err)

	limiter, err := NewRedisTokenBucket(client, 30, time.Minute, " ")
	require.NoError(t, err)
	assert.Equal(t, "mdflow:ratelimit:anonymous:POST /convert", limiter.key("anonymous:POST /convert"))
	assert.InDelta(t, 30.0/60000.0, limiter.refillPerMS, 1e-12)
}

// Runs against a real redis when REDIS_TEST_ADDR is set.
func TestRedisTokenBucketAgainstRedis(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	limiter, err := NewRedisTokenBucket(client, 2, time.Second, "mdflow:test:"+uuid.NewString())
	require.NoError(t, err)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	d, err := limiter.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)

	d, err = limiter.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)
}
