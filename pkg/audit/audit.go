// Package audit exposes provenance records to compliance reviews: filtered
// queries, JSON/CSV export, and on-demand chain verification.
package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/vorion-labs/cognigate/pkg/proof"
)

// Query returns provenance records matching the filter, oldest first.
func Query(ctx context.Context, store proof.Store, f proof.Filter) ([]proof.Record, error) {
	records, err := store.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit: query failed: %w", err)
	}
	return records, nil
}

// VerifyEntity runs chain verification over an entity's full history.
func VerifyEntity(ctx context.Context, store proof.Store, entityID, tenantID string) (proof.VerificationResult, error) {
	chain, err := store.Chain(ctx, entityID, tenantID)
	if err != nil {
		return proof.VerificationResult{}, fmt.Errorf("audit: loading chain failed: %w", err)
	}
	return proof.Verify(chain), nil
}

// ExportJSON writes records as a JSON array.
func ExportJSON(w io.Writer, records []proof.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("audit: JSON export failed: %w", err)
	}
	return nil
}

// csvHeader is the fixed CSV column order. Reordering breaks downstream
// compliance tooling.
var csvHeader = []string{
	"id", "entity_id", "entity_type", "action", "actor", "tenant_id",
	"chain_position", "hash", "previous_hash", "created_at", "data",
}

// ExportCSV writes records in the fixed column order of csvHeader, RFC 3339
// timestamps, raw JSON in the data column.
func ExportCSV(w io.Writer, records []proof.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("audit: CSV export failed: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.ID,
			r.EntityID,
			r.EntityType,
			r.Action,
			r.Actor,
			r.TenantID,
			strconv.FormatInt(r.ChainPosition, 10),
			r.Hash,
			r.PreviousHash,
			r.CreatedAt.Format("2006-01-02T15:04:05.000000Z07:00"),
			string(r.Data),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("audit: CSV export failed: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("audit: CSV export failed: %w", err)
	}
	return nil
}
