package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vorion-labs/cognigate/pkg/canonical"
	"github.com/vorion-labs/cognigate/pkg/proof"
)

var (
	// ErrEmptyTenantID is returned when tenant ID is empty.
	ErrEmptyTenantID = errors.New("audit: tenant_id must not be empty")
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
)

// ExportRequest defines what an evidence pack covers.
type ExportRequest struct {
	TenantID  string    `json:"tenant_id"`
	EntityID  string    `json:"entity_id,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Exporter builds downloadable evidence packs for compliance reviews.
type Exporter struct {
	store proof.Store
}

// NewExporter wraps the provenance store.
func NewExporter(s proof.Store) *Exporter {
	return &Exporter{store: s}
}

// GeneratePack creates a zip holding the matching provenance records and a
// manifest, and returns the zip bytes with their SHA-256 checksum so the
// pack itself is verifiable after download.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.TenantID == "" {
		return nil, "", ErrEmptyTenantID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}

	records, err := e.store.Query(ctx, proof.Filter{
		TenantID: req.TenantID,
		EntityID: req.EntityID,
		From:     req.StartTime,
		To:       req.EndTime,
	})
	if err != nil {
		return nil, "", fmt.Errorf("audit: querying records for pack failed: %w", err)
	}

	recordsJSON, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, "", err
	}

	manifest := map[string]any{
		"tenant_id":    req.TenantID,
		"entity_id":    req.EntityID,
		"generated_at": time.Now().UTC(),
		"record_count": len(records),
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshaling manifest failed: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("records.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(recordsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Provenance evidence pack for tenant %s\nGenerated at %s\nVerify records with the chain-verification endpoint.\n",
		req.TenantID, time.Now().UTC().Format(time.RFC3339))

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	return zipBytes, canonical.HashBytes(zipBytes), nil
}
