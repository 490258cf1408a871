package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryTracker persists per-job retry bookkeeping outside the orchestrator
// process, so restarts do not reset backoff state. Keys carry a TTL of
// retention plus one day so tracking never outlives the jobs it describes.
type RetryTracker interface {
	// Count returns the number of retries attempted for jobID (0 if none).
	Count(ctx context.Context, jobID string) (int, error)
	// Increment bumps the retry count, records the retry time, and
	// refreshes the TTL.
	Increment(ctx context.Context, jobID string, ttl time.Duration) (int, error)
	// LastRetryAt returns the most recent retry time, zero if never retried.
	LastRetryAt(ctx context.Context, jobID string) (time.Time, error)
	// Forget drops all bookkeeping for jobID.
	Forget(ctx context.Context, jobID string) error
}

type trackerEntry struct {
	count     int
	lastRetry time.Time
	expiresAt time.Time
}

// MemoryTracker is the in-memory RetryTracker used by tests and
// single-process deployments.
type MemoryTracker struct {
	mu      sync.Mutex
	entries map[string]trackerEntry
}

// NewMemoryTracker creates an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{entries: make(map[string]trackerEntry)}
}

func (t *MemoryTracker) get(jobID string) (trackerEntry, bool) {
	e, ok := t.entries[jobID]
	if ok && !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(t.entries, jobID)
		return trackerEntry{}, false
	}
	return e, ok
}

func (t *MemoryTracker) Count(_ context.Context, jobID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, _ := t.get(jobID)
	return e.count, nil
}

func (t *MemoryTracker) Increment(_ context.Context, jobID string, ttl time.Duration) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, _ := t.get(jobID)
	e.count++
	e.lastRetry = time.Now().UTC()
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	t.entries[jobID] = e
	return e.count, nil
}

func (t *MemoryTracker) LastRetryAt(_ context.Context, jobID string) (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, _ := t.get(jobID)
	return e.lastRetry, nil
}

func (t *MemoryTracker) Forget(_ context.Context, jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, jobID)
	return nil
}

// RedisTracker stores retry bookkeeping in Redis, shared across
// orchestrator instances and restarts.
type RedisTracker struct {
	client *redis.Client
	prefix string
}

// NewRedisTracker wraps an existing client. Keys are namespaced under
// prefix (default "dlq:retry").
func NewRedisTracker(client *redis.Client, prefix string) *RedisTracker {
	if prefix == "" {
		prefix = "dlq:retry"
	}
	return &RedisTracker{client: client, prefix: prefix}
}

func (t *RedisTracker) countKey(jobID string) string { return t.prefix + ":count:" + jobID }
func (t *RedisTracker) lastKey(jobID string) string  { return t.prefix + ":last:" + jobID }

func (t *RedisTracker) Count(ctx context.Context, jobID string) (int, error) {
	n, err := t.client.Get(ctx, t.countKey(jobID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("recovery: reading retry count failed: %w", err)
	}
	return n, nil
}

func (t *RedisTracker) Increment(ctx context.Context, jobID string, ttl time.Duration) (int, error) {
	now := time.Now().UTC()
	pipe := t.client.TxPipeline()
	incr := pipe.Incr(ctx, t.countKey(jobID))
	pipe.Set(ctx, t.lastKey(jobID), now.Format(time.RFC3339Nano), ttl)
	if ttl > 0 {
		pipe.PExpire(ctx, t.countKey(jobID), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("recovery: incrementing retry count failed: %w", err)
	}
	return int(incr.Val()), nil
}

func (t *RedisTracker) LastRetryAt(ctx context.Context, jobID string) (time.Time, error) {
	raw, err := t.client.Get(ctx, t.lastKey(jobID)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("recovery: reading last retry time failed: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("recovery: corrupt last retry time for %s: %w", jobID, err)
	}
	return ts, nil
}

func (t *RedisTracker) Forget(ctx context.Context, jobID string) error {
	if err := t.client.Del(ctx, t.countKey(jobID), t.lastKey(jobID)).Err(); err != nil {
		return fmt.Errorf("recovery: forgetting retry keys failed: %w", err)
	}
	return nil
}
