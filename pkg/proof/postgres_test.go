package proof

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func recordRows(recs ...Record) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "entity_id", "entity_type", "action", "data", "actor",
		"hash", "previous_hash", "chain_position", "tenant_id", "created_at",
	})
	for _, r := range recs {
		rows.AddRow(r.ID, r.EntityID, r.EntityType, r.Action, []byte(r.Data), r.Actor,
			r.Hash, r.PreviousHash, r.ChainPosition, r.TenantID, r.CreatedAt)
	}
	return rows
}

func TestPostgresStore_LastEmptyChain(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + recordColumns + " FROM provenance_records WHERE entity_id = $1 AND tenant_id = $2 ORDER BY chain_position DESC LIMIT 1")).
		WithArgs("e1", "t1").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Last(context.Background(), "e1", "t1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendGenesis(t *testing.T) {
	store, mock := newMockStore(t)
	rec := &Record{
		ID: "r1", EntityID: "e1", EntityType: "order", Action: "create",
		Data: []byte(`{"amount":10}`), Actor: "agent", Hash: "h1",
		ChainPosition: 1, TenantID: "t1", CreatedAt: time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT chain_position FROM provenance_records .* FOR UPDATE").
		WithArgs("e1", "t1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO provenance_records").
		WithArgs(rec.ID, rec.EntityID, rec.EntityType, rec.Action, []byte(rec.Data), rec.Actor,
			rec.Hash, rec.PreviousHash, rec.ChainPosition, rec.TenantID, rec.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Append(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendPositionConflict(t *testing.T) {
	store, mock := newMockStore(t)
	rec := &Record{
		ID: "r2", EntityID: "e1", ChainPosition: 2, TenantID: "t1",
		Data: []byte(`{}`), CreatedAt: time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT chain_position FROM provenance_records .* FOR UPDATE").
		WithArgs("e1", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"chain_position"}).AddRow(int64(2)))
	mock.ExpectRollback()

	err := store.Append(context.Background(), rec)
	assert.ErrorIs(t, err, ErrPositionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Chain(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	r1 := Record{ID: "r1", EntityID: "e1", EntityType: "order", Action: "create", Data: []byte(`{}`),
		Actor: "agent", Hash: "h1", ChainPosition: 1, TenantID: "t1", CreatedAt: now}
	r2 := Record{ID: "r2", EntityID: "e1", EntityType: "order", Action: "update", Data: []byte(`{}`),
		Actor: "agent", Hash: "h2", PreviousHash: "h1", ChainPosition: 2, TenantID: "t1", CreatedAt: now}

	mock.ExpectQuery("SELECT .* FROM provenance_records WHERE entity_id = .* ORDER BY chain_position ASC").
		WithArgs("e1", "t1").
		WillReturnRows(recordRows(r1, r2))

	chain, err := store.Chain(context.Background(), "e1", "t1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "h1", chain[1].PreviousHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PurgeBefore(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Now().UTC()

	mock.ExpectExec("DELETE FROM provenance_records").
		WithArgs("e1", "t1", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.PurgeBefore(context.Background(), "e1", "t1", cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
