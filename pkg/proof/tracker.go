package proof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrChainHalted is returned when writes for an entity are refused because
// a prior verification found an integrity violation. Only an explicit
// administrative reset re-enables writes.
var ErrChainHalted = errors.New("proof: writes halted for entity after integrity violation")

// Tracker creates the next record for an entity's chain. The
// read-last-then-write-next critical section is serialized per
// (entity, tenant) by striped locks, so appends to distinct entities
// proceed fully in parallel.
type Tracker struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	locks  map[chainKey]*sync.Mutex
	halted map[chainKey]bool
}

// NewTracker creates a tracker over the given store.
func NewTracker(store Store) *Tracker {
	return &Tracker{
		store:  store,
		logger: slog.Default().With("component", "proof"),
		locks:  make(map[chainKey]*sync.Mutex),
		halted: make(map[chainKey]bool),
	}
}

func (t *Tracker) lockFor(key chainKey) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	return l
}

// Track appends the next record for (entityID, tenantID). The data payload
// is serialized as JSON; the same timestamp is used for hashing and
// storage so the record remains verifiable.
func (t *Tracker) Track(ctx context.Context, entityID, entityType, action string, data any, actor, tenantID string) (*Record, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("proof: payload serialization failed: %w", err)
	}

	key := chainKey{entityID, tenantID}
	lock := t.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if t.isHalted(key) {
		return nil, fmt.Errorf("%w: entity=%s tenant=%s", ErrChainHalted, entityID, tenantID)
	}

	previousHash := ""
	var position int64 = 1
	last, err := t.store.Last(ctx, entityID, tenantID)
	switch {
	case err == nil:
		previousHash = last.Hash
		position = last.ChainPosition + 1
	case errors.Is(err, ErrNotFound):
		// genesis record
	default:
		return nil, fmt.Errorf("proof: reading chain head failed: %w", err)
	}

	// Truncated to microseconds so the timestamp survives a round trip
	// through TIMESTAMPTZ columns without invalidating the hash.
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := &Record{
		ID:            uuid.New().String(),
		EntityID:      entityID,
		EntityType:    entityType,
		Action:        action,
		Data:          payload,
		Actor:         actor,
		PreviousHash:  previousHash,
		ChainPosition: position,
		TenantID:      tenantID,
		CreatedAt:     now,
	}
	hash, err := rec.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("proof: hash computation failed: %w", err)
	}
	rec.Hash = hash

	if err := t.store.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("proof: append failed: %w", err)
	}
	return rec, nil
}

// VerifyEntity verifies the full chain for (entityID, tenantID). A failed
// verification halts further writes for that entity and is logged as a
// security incident.
func (t *Tracker) VerifyEntity(ctx context.Context, entityID, tenantID string) (VerificationResult, error) {
	chain, err := t.store.Chain(ctx, entityID, tenantID)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("proof: loading chain failed: %w", err)
	}
	result := Verify(chain)
	if !result.Valid {
		t.halt(chainKey{entityID, tenantID})
		t.logger.Error("chain integrity violation, halting writes",
			"entity_id", entityID,
			"tenant_id", tenantID,
			"invalid_at_position", result.InvalidAtPosition,
			"error", result.Error,
		)
	}
	return result, nil
}

// AnalyzeEntity runs full tamper analysis for (entityID, tenantID).
func (t *Tracker) AnalyzeEntity(ctx context.Context, entityID, tenantID string) (TamperReport, error) {
	chain, err := t.store.Chain(ctx, entityID, tenantID)
	if err != nil {
		return TamperReport{}, fmt.Errorf("proof: loading chain failed: %w", err)
	}
	report := DetectTampering(chain)
	if report.Tampered {
		t.halt(chainKey{entityID, tenantID})
	}
	return report, nil
}

// PurgeBefore removes records older than cutoff for the chain and records
// the purge itself in the log. It is the only sanctioned destructive
// operation.
func (t *Tracker) PurgeBefore(ctx context.Context, entityID, tenantID string, cutoff time.Time) (int, error) {
	lock := t.lockFor(chainKey{entityID, tenantID})
	lock.Lock()
	defer lock.Unlock()

	purged, err := t.store.PurgeBefore(ctx, entityID, tenantID, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		t.logger.Warn("provenance records purged",
			"entity_id", entityID,
			"tenant_id", tenantID,
			"cutoff", cutoff,
			"purged", purged,
		)
	}
	return purged, nil
}

// ResetHalt re-enables writes for an entity after an operator has resolved
// the incident.
func (t *Tracker) ResetHalt(entityID, tenantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.halted, chainKey{entityID, tenantID})
}

func (t *Tracker) isHalted(key chainKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.halted[key]
}

func (t *Tracker) halt(key chainKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.halted[key] = true
}
