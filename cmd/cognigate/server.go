package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/vorion-labs/cognigate/pkg/audit"
	"github.com/vorion-labs/cognigate/pkg/enforce"
	"github.com/vorion-labs/cognigate/pkg/observability"
	"github.com/vorion-labs/cognigate/pkg/proof"
	"github.com/vorion-labs/cognigate/pkg/resiliency"
)

// apiServer exposes the decision API and the audit surface over HTTP.
type apiServer struct {
	engine   *enforce.Engine
	tracker  *proof.Tracker
	store    proof.Store
	exporter *audit.Exporter
	breakers *resiliency.Registry
	bundle   *enforce.PolicyBundle
	metrics  *observability.GovernanceMetrics
	logger   *slog.Logger
}

func (s *apiServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/decisions", s.handleDecide)
	mux.HandleFunc("GET /v1/audit/records", s.handleAuditRecords)
	mux.HandleFunc("GET /v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("GET /v1/audit/analysis", s.handleAuditAnalysis)
	mux.HandleFunc("POST /v1/audit/reset-halt", s.handleResetHalt)
	mux.HandleFunc("GET /v1/audit/pack", s.handleAuditPack)
	mux.HandleFunc("GET /v1/breakers", s.handleBreakers)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

type decisionRequest struct {
	AgentID  string         `json:"agent_id"`
	IntentID string         `json:"intent_id"`
	TenantID string         `json:"tenant_id"`
	Domains  uint32         `json:"domains"`
	Level    int            `json:"level"`
	Purpose  string         `json:"purpose"`
	Source   string         `json:"source"`
	Context  map[string]any `json:"context"`
}

type apiError struct {
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	RetryAfter string `json:"retry_after,omitempty"`
}

func (s *apiServer) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{ErrorCode: "bad_request", Message: err.Error()})
		return
	}
	if req.AgentID == "" || req.IntentID == "" {
		writeJSON(w, http.StatusBadRequest, apiError{ErrorCode: "bad_request", Message: "agent_id and intent_id are required"})
		return
	}

	capReq := enforce.CapabilityRequest{
		IntentID: req.IntentID,
		AgentID:  req.AgentID,
		Domains:  enforce.Domain(req.Domains),
		Level:    req.Level,
		Purpose:  req.Purpose,
		Source:   req.Source,
		Payload:  req.Context,
	}

	decision := s.engine.EvaluateForAgent(r.Context(), capReq, s.bundle)
	s.metrics.RecordDecision(r.Context(), string(decision.Action), decision.Reason)

	// Every verdict enters the proof chain before it leaves the boundary.
	if _, err := s.tracker.Track(r.Context(), req.IntentID, "decision",
		string(decision.Action), decision, req.AgentID, req.TenantID); err != nil {
		s.metrics.RecordProofAppendFailure(r.Context(), "decision")
		s.logger.Error("recording decision to proof chain failed",
			"intent_id", req.IntentID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, apiError{
			ErrorCode: "proof_append_failed",
			Message:   "decision could not be recorded",
			Retryable: true,
		})
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

func (s *apiServer) handleAuditRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := proof.Filter{
		EntityID: q.Get("entity_id"),
		TenantID: q.Get("tenant_id"),
		Actor:    q.Get("actor"),
		Action:   q.Get("action"),
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{ErrorCode: "bad_request", Message: "from must be RFC 3339"})
			return
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{ErrorCode: "bad_request", Message: "to must be RFC 3339"})
			return
		}
		filter.To = t
	}

	records, err := audit.Query(r.Context(), s.store, filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{ErrorCode: "query_failed", Message: err.Error(), Retryable: true})
		return
	}

	if q.Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		if err := audit.ExportCSV(w, records); err != nil {
			s.logger.Error("CSV export failed", "error", err)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := audit.ExportJSON(w, records); err != nil {
		s.logger.Error("JSON export failed", "error", err)
	}
}

func (s *apiServer) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	entityID := r.URL.Query().Get("entity_id")
	tenantID := r.URL.Query().Get("tenant_id")
	if entityID == "" {
		writeJSON(w, http.StatusBadRequest, apiError{ErrorCode: "bad_request", Message: "entity_id is required"})
		return
	}

	// Verification goes through the tracker so a detected integrity
	// violation halts further writes for the entity.
	result, err := s.tracker.VerifyEntity(r.Context(), entityID, tenantID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{ErrorCode: "verify_failed", Message: err.Error(), Retryable: true})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) handleAuditAnalysis(w http.ResponseWriter, r *http.Request) {
	entityID := r.URL.Query().Get("entity_id")
	tenantID := r.URL.Query().Get("tenant_id")
	if entityID == "" {
		writeJSON(w, http.StatusBadRequest, apiError{ErrorCode: "bad_request", Message: "entity_id is required"})
		return
	}

	report, err := s.tracker.AnalyzeEntity(r.Context(), entityID, tenantID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{ErrorCode: "analysis_failed", Message: err.Error(), Retryable: true})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleResetHalt re-enables writes for an entity after an operator has
// resolved an integrity incident.
func (s *apiServer) handleResetHalt(w http.ResponseWriter, r *http.Request) {
	entityID := r.URL.Query().Get("entity_id")
	tenantID := r.URL.Query().Get("tenant_id")
	if entityID == "" {
		writeJSON(w, http.StatusBadRequest, apiError{ErrorCode: "bad_request", Message: "entity_id is required"})
		return
	}

	s.tracker.ResetHalt(entityID, tenantID)
	s.logger.Warn("write halt reset by operator", "entity_id", entityID, "tenant_id", tenantID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleAuditPack(w http.ResponseWriter, r *http.Request) {
	pack, checksum, err := s.exporter.GeneratePack(r.Context(), audit.ExportRequest{
		TenantID: r.URL.Query().Get("tenant_id"),
		EntityID: r.URL.Query().Get("entity_id"),
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{ErrorCode: "export_failed", Message: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("X-Checksum-SHA256", checksum)
	_, _ = w.Write(pack)
}

func (s *apiServer) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.States())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
