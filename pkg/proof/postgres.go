package proof

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the durable Store. Append-side serialization relies on
// row locking of the chain head plus a UNIQUE(entity_id, tenant_id,
// chain_position) constraint, so even two processes racing past the
// Tracker's in-process lock cannot both claim a position.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the provenance table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS provenance_records (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		action TEXT NOT NULL,
		data JSONB NOT NULL,
		actor TEXT NOT NULL,
		hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL DEFAULT '',
		chain_position BIGINT NOT NULL,
		tenant_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (entity_id, tenant_id, chain_position)
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("proof: migration failed: %w", err)
	}
	return nil
}

const recordColumns = "id, entity_id, entity_type, action, data, actor, hash, previous_hash, chain_position, tenant_id, created_at"

func (s *PostgresStore) Last(ctx context.Context, entityID, tenantID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM provenance_records WHERE entity_id = $1 AND tenant_id = $2 ORDER BY chain_position DESC LIMIT 1",
		entityID, tenantID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("proof: reading chain head failed: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("proof: begin append tx failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the current head so a concurrent appender serializes here
	// rather than computing the same position.
	var headPos sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT chain_position FROM provenance_records WHERE entity_id = $1 AND tenant_id = $2 ORDER BY chain_position DESC LIMIT 1 FOR UPDATE",
		rec.EntityID, rec.TenantID).Scan(&headPos)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("proof: locking chain head failed: %w", err)
	}
	if headPos.Valid && headPos.Int64+1 != rec.ChainPosition {
		return ErrPositionConflict
	}
	if !headPos.Valid && rec.ChainPosition != 1 {
		return ErrPositionConflict
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO provenance_records ("+recordColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		rec.ID, rec.EntityID, rec.EntityType, rec.Action, []byte(rec.Data), rec.Actor,
		rec.Hash, rec.PreviousHash, rec.ChainPosition, rec.TenantID, rec.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrPositionConflict
		}
		return fmt.Errorf("proof: insert failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("proof: commit failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Chain(ctx context.Context, entityID, tenantID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM provenance_records WHERE entity_id = $1 AND tenant_id = $2 ORDER BY chain_position ASC",
		entityID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("proof: chain query failed: %w", err)
	}
	return collectRecords(rows)
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	query := "SELECT " + recordColumns + " FROM provenance_records"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("proof: query failed: %w", err)
	}
	return collectRecords(rows)
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, entityID, tenantID string, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM provenance_records WHERE entity_id = $1 AND tenant_id = $2 AND created_at < $3",
		entityID, tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("proof: purge failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var data []byte
	err := row.Scan(&rec.ID, &rec.EntityID, &rec.EntityType, &rec.Action, &data, &rec.Actor,
		&rec.Hash, &rec.PreviousHash, &rec.ChainPosition, &rec.TenantID, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Data = data
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
