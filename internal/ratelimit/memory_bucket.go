package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryTokenBucket keeps buckets in process memory. It serves a single API
// replica running without redis.
type MemoryTokenBucket struct {
	bucket

	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	tokens float64
	seen   time.Time
}

func NewMemoryTokenBucket(capacity int, window time.Duration) (*MemoryTokenBucket, error) {
	b, err := newBucket(capacity, window)
	if err != nil {
		return nil, err
	}
	return &MemoryTokenBucket{
		bucket:  b,
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}, nil
}

func (l *MemoryTokenBucket) Allow(_ context.Context, subject string) (Decision, error) {
	subject = normalizeSubject(subject)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, e := range l.entries {
		if now.Sub(e.seen) > l.idleTTL {
			delete(l.entries, key)
		}
	}

	e, ok := l.entries[subject]
	if !ok {
		e = &memoryEntry{tokens: l.capacity, seen: now}
		l.entries[subject] = e
	}

	var d Decision
	e.tokens, d = l.take(e.tokens, now.Sub(e.seen).Milliseconds())
	e.seen = now
	return d, nil
}
