package proof

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("proof: record not found")

// ErrPositionConflict is returned when an append would reuse an occupied
// chain position. Two concurrent writers computing the same position is a
// correctness violation, not merely a race; stores must refuse it.
var ErrPositionConflict = errors.New("proof: chain position already occupied")

// Filter selects records for audit queries. Zero-valued fields match all.
type Filter struct {
	EntityID string
	TenantID string
	Actor    string
	Action   string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// Store persists provenance records. Append for a given (entity, tenant)
// must be atomic with respect to Last for the same pair; the Tracker
// serializes single-entity writers, and durable stores additionally enforce
// a uniqueness constraint on (entity, tenant, position).
type Store interface {
	// Last returns the most recent record for (entityID, tenantID), or
	// ErrNotFound when the chain is empty.
	Last(ctx context.Context, entityID, tenantID string) (*Record, error)
	// Append persists a finalized record.
	Append(ctx context.Context, rec *Record) error
	// Chain returns every record for (entityID, tenantID) in position order.
	Chain(ctx context.Context, entityID, tenantID string) ([]Record, error)
	// Query returns records matching the filter, in creation order.
	Query(ctx context.Context, f Filter) ([]Record, error)
	// PurgeBefore removes records created before cutoff for the given
	// chain and returns how many were removed. Purging is the sole
	// destructive operation; callers must audit it.
	PurgeBefore(ctx context.Context, entityID, tenantID string, cutoff time.Time) (int, error)
}

type chainKey struct{ entity, tenant string }

// MemoryStore is the in-memory Store used by tests and single-process
// deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[chainKey][]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[chainKey][]Record)}
}

func (s *MemoryStore) Last(_ context.Context, entityID, tenantID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[chainKey{entityID, tenantID}]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	last := chain[len(chain)-1]
	return &last, nil
}

func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chainKey{rec.EntityID, rec.TenantID}
	chain := s.chains[key]
	if int64(len(chain))+1 != rec.ChainPosition {
		return ErrPositionConflict
	}
	s.chains[key] = append(chain, *rec)
	return nil
}

func (s *MemoryStore) Chain(_ context.Context, entityID, tenantID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[chainKey{entityID, tenantID}]
	out := make([]Record, len(chain))
	copy(out, chain)
	return out, nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for key, chain := range s.chains {
		if f.EntityID != "" && key.entity != f.EntityID {
			continue
		}
		if f.TenantID != "" && key.tenant != f.TenantID {
			continue
		}
		for _, rec := range chain {
			if matches(rec, f) {
				out = append(out, rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(rec Record, f Filter) bool {
	if f.Actor != "" && rec.Actor != f.Actor {
		return false
	}
	if f.Action != "" && rec.Action != f.Action {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.CreatedAt.After(f.To) {
		return false
	}
	return true
}

func (s *MemoryStore) PurgeBefore(_ context.Context, entityID, tenantID string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chainKey{entityID, tenantID}
	chain := s.chains[key]
	kept := chain[:0]
	purged := 0
	for _, rec := range chain {
		if rec.CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, rec)
	}
	s.chains[key] = kept
	return purged, nil
}
