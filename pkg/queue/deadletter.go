package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DeadLetterEntry wraps a failed job while it waits for retry or permanent
// disposition.
type DeadLetterEntry struct {
	OriginalJobID     string    `json:"original_job_id"`
	Job               Job       `json:"job"`
	Reason            string    `json:"reason"`
	AttemptsMade      int       `json:"attempts_made"`
	MovedToDLQAt      time.Time `json:"moved_to_dlq_at"`
	OriginalTimestamp time.Time `json:"original_timestamp"`
}

// DeadLetterStore holds dead-lettered jobs. The recovery orchestrator is
// the sole mutator.
type DeadLetterStore interface {
	Push(ctx context.Context, entry DeadLetterEntry) error
	// List returns up to limit entries, oldest first.
	List(ctx context.Context, limit int) ([]DeadLetterEntry, error)
	Remove(ctx context.Context, originalJobID string) error
	// PurgeBefore removes entries dead-lettered before cutoff and returns
	// both the count and the removed job IDs, so callers can clean retry
	// bookkeeping.
	PurgeBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Len(ctx context.Context) (int, error)
	// OldestAge returns the age of the oldest entry, zero when empty.
	OldestAge(ctx context.Context) (time.Duration, error)
}

// MemoryDLQ is the in-memory DeadLetterStore.
type MemoryDLQ struct {
	mu      sync.Mutex
	entries map[string]DeadLetterEntry
}

// NewMemoryDLQ creates an empty dead-letter store.
func NewMemoryDLQ() *MemoryDLQ {
	return &MemoryDLQ{entries: make(map[string]DeadLetterEntry)}
}

func (s *MemoryDLQ) Push(_ context.Context, entry DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.OriginalJobID] = entry
	return nil
}

func (s *MemoryDLQ) List(_ context.Context, limit int) ([]DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetterEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MovedToDLQAt.Before(out[j].MovedToDLQAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryDLQ) Remove(_ context.Context, originalJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, originalJobID)
	return nil
}

func (s *MemoryDLQ) PurgeBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, e := range s.entries {
		if e.MovedToDLQAt.Before(cutoff) {
			removed = append(removed, id)
			delete(s.entries, id)
		}
	}
	return removed, nil
}

func (s *MemoryDLQ) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (s *MemoryDLQ) OldestAge(_ context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest time.Time
	for _, e := range s.entries {
		if oldest.IsZero() || e.MovedToDLQAt.Before(oldest) {
			oldest = e.MovedToDLQAt
		}
	}
	if oldest.IsZero() {
		return 0, nil
	}
	return time.Since(oldest), nil
}
