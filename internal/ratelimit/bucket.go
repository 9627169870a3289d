// Package ratelimit implements per-subject token buckets for the submission route.
package ratelimit

import (
	"errors"
	"math"
	"strings"
	"time"
)

// Decision is the outcome of taking one token for a subject.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// bucket holds the shape shared by every backend: capacity tokens refilled
// evenly over one window, idle state forgotten after two windows.
type bucket struct {
	capacity    float64
	refillPerMS float64
	idleTTL     time.Duration
}

func newBucket(capacity int, window time.Duration) (bucket, error) {
	if capacity <= 0 {
		return bucket{}, errors.New("capacity must be positive")
	}
	if window <= 0 {
		return bucket{}, errors.New("window must be positive")
	}
	windowMS := max(window.Milliseconds(), 1)

	return bucket{
		capacity:    float64(capacity),
		refillPerMS: float64(capacity) / float64(windowMS),
		idleTTL:     2 * window,
	}, nil
}

// take refills tokens for elapsedMS and tries to spend one.
func (b bucket) take(tokens float64, elapsedMS int64) (float64, Decision) {
	tokens = math.Min(b.capacity, tokens+float64(max(elapsedMS, 0))*b.refillPerMS)
	if tokens >= 1 {
		tokens--
		return tokens, Decision{Allowed: true, Remaining: int64(math.Floor(tokens))}
	}
	wait := math.Ceil((1 - tokens) / b.refillPerMS)
	return tokens, Decision{RetryAfter: time.Duration(wait) * time.Millisecond}
}

func normalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "anonymous"
	}
	return subject
}
