// Package proof implements the tamper-evident provenance chain. Every
// governance decision and execution outcome is appended as a hash-linked
// record; verification detects any post-hoc mutation, insertion, or
// reordering. Chains are scoped per (entity, tenant) and append-only: the
// only destructive lifecycle event is an explicit, audited purge.
package proof

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Record is one link in an entity's provenance chain. ChainPosition starts
// at 1 and increments by exactly 1; the first record's PreviousHash is the
// empty string.
type Record struct {
	ID            string          `json:"id"`
	EntityID      string          `json:"entity_id"`
	EntityType    string          `json:"entity_type"`
	Action        string          `json:"action"`
	Data          json.RawMessage `json:"data"`
	Actor         string          `json:"actor"`
	Hash          string          `json:"hash"`
	PreviousHash  string          `json:"previous_hash"`
	ChainPosition int64           `json:"chain_position"`
	TenantID      string          `json:"tenant_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// hashInput is the canonical form fed to the hash. The record's own Hash
// and ID are excluded; the timestamp is the same one stored on the record,
// otherwise the record could never be re-verified.
type hashInput struct {
	EntityID      string          `json:"entity_id"`
	EntityType    string          `json:"entity_type"`
	Action        string          `json:"action"`
	Data          json.RawMessage `json:"data"`
	Actor         string          `json:"actor"`
	TenantID      string          `json:"tenant_id"`
	PreviousHash  string          `json:"previous_hash"`
	ChainPosition int64           `json:"chain_position"`
	CreatedAt     string          `json:"created_at"`
}

// ComputeHash recomputes the record's hash from its stored fields.
func (r *Record) ComputeHash() (string, error) {
	return computeHash(hashInput{
		EntityID:      r.EntityID,
		EntityType:    r.EntityType,
		Action:        r.Action,
		Data:          r.Data,
		Actor:         r.Actor,
		TenantID:      r.TenantID,
		PreviousHash:  r.PreviousHash,
		ChainPosition: r.ChainPosition,
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// VerificationResult reports how far a chain was intact. It is returned,
// never thrown, so callers can report the exact break position.
type VerificationResult struct {
	Valid             bool   `json:"valid"`
	RecordsVerified   int    `json:"records_verified"`
	InvalidAtPosition int64  `json:"invalid_at_position,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Anomaly is a single integrity defect found during tamper analysis.
type Anomaly struct {
	Position int64  `json:"position"`
	Kind     string `json:"kind"` // hash_mismatch, broken_linkage, malformed_genesis, position_gap, duplicate_position
	Detail   string `json:"detail"`
}

// TamperReport lists every anomaly in a chain. Tamper analysis needs the
// full picture, not a fail-fast boolean.
type TamperReport struct {
	Tampered  bool      `json:"tampered"`
	Anomalies []Anomaly `json:"anomalies,omitempty"`
	Records   int       `json:"records"`
}

// ErrChainIntegrity marks a chain integrity violation. It is a security
// incident, not a transient fault: writes for the affected entity halt and
// no automatic repair is attempted.
var ErrChainIntegrity = errors.New("proof: chain integrity violation")

// Verify walks a chain in position order and stops at the first defect.
func Verify(chain []Record) VerificationResult {
	if len(chain) == 0 {
		return VerificationResult{Valid: true}
	}

	sorted := sortedByPosition(chain)

	if sorted[0].ChainPosition != 1 {
		return invalidAt(sorted[0].ChainPosition, 0, "chain does not start at position 1")
	}
	if sorted[0].PreviousHash != "" {
		return invalidAt(1, 0, "first record has non-empty previous_hash")
	}

	verified := 0
	for i, rec := range sorted {
		if int64(i+1) != rec.ChainPosition {
			return invalidAt(rec.ChainPosition, verified, fmt.Sprintf("position gap: expected %d, found %d", i+1, rec.ChainPosition))
		}
		computed, err := rec.ComputeHash()
		if err != nil {
			return invalidAt(rec.ChainPosition, verified, fmt.Sprintf("hash computation failed: %v", err))
		}
		if computed != rec.Hash {
			return invalidAt(rec.ChainPosition, verified, "stored hash does not match recomputed hash")
		}
		if i > 0 && rec.PreviousHash != sorted[i-1].Hash {
			return invalidAt(rec.ChainPosition, verified, "previous_hash does not match prior record's hash")
		}
		verified++
	}
	return VerificationResult{Valid: true, RecordsVerified: verified}
}

func invalidAt(pos int64, verified int, msg string) VerificationResult {
	return VerificationResult{
		Valid:             false,
		RecordsVerified:   verified,
		InvalidAtPosition: pos,
		Error:             msg,
	}
}

// DetectTampering performs the same walk as Verify but collects every
// anomaly instead of stopping at the first.
func DetectTampering(chain []Record) TamperReport {
	report := TamperReport{Records: len(chain)}
	if len(chain) == 0 {
		return report
	}

	sorted := sortedByPosition(chain)

	if sorted[0].ChainPosition != 1 || sorted[0].PreviousHash != "" {
		report.Anomalies = append(report.Anomalies, Anomaly{
			Position: sorted[0].ChainPosition,
			Kind:     "malformed_genesis",
			Detail:   "first record must sit at position 1 with empty previous_hash",
		})
	}

	for i, rec := range sorted {
		if i > 0 {
			switch gap := rec.ChainPosition - sorted[i-1].ChainPosition; {
			case gap == 0:
				report.Anomalies = append(report.Anomalies, Anomaly{
					Position: rec.ChainPosition,
					Kind:     "duplicate_position",
					Detail:   fmt.Sprintf("two records claim position %d", rec.ChainPosition),
				})
			case gap > 1:
				report.Anomalies = append(report.Anomalies, Anomaly{
					Position: rec.ChainPosition,
					Kind:     "position_gap",
					Detail:   fmt.Sprintf("positions jump from %d to %d", sorted[i-1].ChainPosition, rec.ChainPosition),
				})
			}
			if rec.PreviousHash != sorted[i-1].Hash {
				report.Anomalies = append(report.Anomalies, Anomaly{
					Position: rec.ChainPosition,
					Kind:     "broken_linkage",
					Detail:   "previous_hash does not match prior record's hash",
				})
			}
		}

		computed, err := rec.ComputeHash()
		if err != nil || computed != rec.Hash {
			report.Anomalies = append(report.Anomalies, Anomaly{
				Position: rec.ChainPosition,
				Kind:     "hash_mismatch",
				Detail:   "stored hash does not match recomputed hash",
			})
		}
	}

	report.Tampered = len(report.Anomalies) > 0
	return report
}

func sortedByPosition(chain []Record) []Record {
	sorted := make([]Record, len(chain))
	copy(sorted, chain)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChainPosition < sorted[j].ChainPosition })
	return sorted
}
