package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/cognigate/pkg/audit"
	"github.com/vorion-labs/cognigate/pkg/enforce"
	"github.com/vorion-labs/cognigate/pkg/proof"
	"github.com/vorion-labs/cognigate/pkg/resiliency"
	"github.com/vorion-labs/cognigate/pkg/trust"
)

func newTestServer(t *testing.T) (*apiServer, proof.Store) {
	t.Helper()

	store := proof.NewMemoryStore()
	provider := &trust.StaticProvider{Scores: map[string]int{"agent-1": 900}}
	engine, err := enforce.NewEngine(nil, enforce.WithTrustProvider(provider))
	require.NoError(t, err)

	return &apiServer{
		engine:   engine,
		tracker:  proof.NewTracker(store),
		store:    store,
		exporter: audit.NewExporter(store),
		breakers: resiliency.NewRegistry(resiliency.Config{}),
		bundle: &enforce.PolicyBundle{
			ID: "test-bundle", Version: "1",
			MinimumTrustTier: 2,
			Constraints: []enforce.Constraint{
				{ID: "no-evil", Kind: enforce.KindEgressBlacklist, Action: enforce.ActBlock,
					Severity: enforce.SeverityCritical, Hosts: []string{"evil.example.com"}},
			},
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, store
}

func postDecision(t *testing.T, mux *http.ServeMux, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/decisions", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestDecisionEndpoint_AllowAndProofRecorded(t *testing.T) {
	srv, store := newTestServer(t)
	mux := srv.routes()

	rec := postDecision(t, mux, map[string]any{
		"agent_id":  "agent-1",
		"intent_id": "intent-1",
		"tenant_id": "t1",
		"level":     1,
		"context":   map[string]any{"destination": "api.example.com"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var decision enforce.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, enforce.ActionAllow, decision.Action)
	assert.NotEmpty(t, decision.DecisionHash)

	chain, err := store.Chain(context.Background(), "intent-1", "t1")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "decision", chain[0].EntityType)
	assert.Equal(t, "ALLOW", chain[0].Action)
}

func TestDecisionEndpoint_DenyUnknownAgent(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.routes()

	rec := postDecision(t, mux, map[string]any{
		"agent_id":  "stranger",
		"intent_id": "intent-2",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var decision enforce.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, enforce.ActionDeny, decision.Action)
	assert.Equal(t, enforce.ReasonGovernanceUnavailable, decision.Reason)
}

func TestDecisionEndpoint_RejectsMissingIDs(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := postDecision(t, srv.routes(), map[string]any{"agent_id": "agent-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.routes()

	postDecision(t, mux, map[string]any{
		"agent_id": "agent-1", "intent_id": "intent-3", "tenant_id": "t1",
	})

	httpReq := httptest.NewRequest(http.MethodGet, "/v1/audit/verify?entity_id=intent-3&tenant_id=t1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httpReq)

	require.Equal(t, http.StatusOK, rec.Code)
	var result proof.VerificationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Valid)
	assert.Equal(t, 1, result.RecordsVerified)
}

func TestVerifyEndpoint_HaltsWritesOnTamperedChain(t *testing.T) {
	srv, store := newTestServer(t)
	mux := srv.routes()

	postDecision(t, mux, map[string]any{
		"agent_id": "agent-1", "intent_id": "intent-5", "tenant_id": "t1",
	})

	// Forge a second record whose hash does not cover its contents.
	forged := &proof.Record{
		ID: "forged", EntityID: "intent-5", TenantID: "t1",
		EntityType: "decision", Action: "ALLOW",
		Data: []byte(`{}`), PreviousHash: "bogus", ChainPosition: 2,
		Hash: "0000", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Append(context.Background(), forged))

	httpReq := httptest.NewRequest(http.MethodGet, "/v1/audit/verify?entity_id=intent-5&tenant_id=t1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httpReq)

	require.Equal(t, http.StatusOK, rec.Code)
	var result proof.VerificationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Valid)

	// Further writes for the tampered entity must be refused.
	rec = postDecision(t, mux, map[string]any{
		"agent_id": "agent-1", "intent_id": "intent-5", "tenant_id": "t1",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var apiErr apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "proof_append_failed", apiErr.ErrorCode)

	// Other entities are unaffected.
	rec = postDecision(t, mux, map[string]any{
		"agent_id": "agent-1", "intent_id": "intent-6", "tenant_id": "t1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResetHaltEndpoint_ReenablesWrites(t *testing.T) {
	srv, store := newTestServer(t)
	mux := srv.routes()

	postDecision(t, mux, map[string]any{
		"agent_id": "agent-1", "intent_id": "intent-7", "tenant_id": "t1",
	})
	forged := &proof.Record{
		ID: "forged", EntityID: "intent-7", TenantID: "t1",
		EntityType: "decision", Action: "ALLOW",
		Data: []byte(`{}`), PreviousHash: "bogus", ChainPosition: 2,
		Hash: "0000", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Append(context.Background(), forged))

	httpReq := httptest.NewRequest(http.MethodGet, "/v1/audit/verify?entity_id=intent-7&tenant_id=t1", nil)
	mux.ServeHTTP(httptest.NewRecorder(), httpReq)

	rec := postDecision(t, mux, map[string]any{
		"agent_id": "agent-1", "intent_id": "intent-7", "tenant_id": "t1",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	httpReq = httptest.NewRequest(http.MethodPost, "/v1/audit/reset-halt?entity_id=intent-7&tenant_id=t1", nil)
	resetRec := httptest.NewRecorder()
	mux.ServeHTTP(resetRec, httpReq)
	require.Equal(t, http.StatusNoContent, resetRec.Code)

	rec = postDecision(t, mux, map[string]any{
		"agent_id": "agent-1", "intent_id": "intent-7", "tenant_id": "t1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuditRecordsEndpoint_CSV(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.routes()

	postDecision(t, mux, map[string]any{
		"agent_id": "agent-1", "intent_id": "intent-4", "tenant_id": "t1",
	})

	httpReq := httptest.NewRequest(http.MethodGet, "/v1/audit/records?tenant_id=t1&format=csv", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httpReq)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "intent-4")
}
