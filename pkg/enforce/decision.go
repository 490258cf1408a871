package enforce

import (
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/cognigate/pkg/canonical"
	"github.com/vorion-labs/cognigate/pkg/trust"
)

// Action is the engine's verdict on a capability request.
type Action string

const (
	ActionAllow    Action = "ALLOW"
	ActionDeny     Action = "DENY"
	ActionEscalate Action = "ESCALATE"
	// ActionPending marks a decision parked until a human-gating obligation
	// (approval, MFA, attestation) is satisfied out of band.
	ActionPending Action = "PENDING"
)

// restrictiveness orders verdicts for the most-restrictive merge:
// DENY > ESCALATE/PENDING > ALLOW.
func restrictiveness(a Action) int {
	switch a {
	case ActionDeny:
		return 3
	case ActionEscalate, ActionPending:
		return 2
	default:
		return 1
	}
}

// MostRestrictive returns the stricter of two verdicts.
func MostRestrictive(a, b Action) Action {
	if restrictiveness(b) > restrictiveness(a) {
		return b
	}
	return a
}

// Machine-readable denial reasons.
const (
	ReasonInsufficientTrust     = "insufficient_trust"
	ReasonConstraintBlocked     = "constraint_blocked"
	ReasonGovernanceUnavailable = "governance_unavailable"
	ReasonObligationPending     = "obligation_pending"
)

// ConstraintOutcome records how one constraint evaluated.
type ConstraintOutcome struct {
	ConstraintID string           `json:"constraint_id"`
	Kind         ConstraintKind   `json:"kind"`
	Severity     Severity         `json:"severity"`
	Matched      bool             `json:"matched"`
	ActionTaken  ConstraintAction `json:"action_taken,omitempty"`
	Detail       string           `json:"detail,omitempty"`
}

// ObligationOutcome records one triggered obligation.
type ObligationOutcome struct {
	ObligationID string           `json:"obligation_id"`
	Action       ObligationAction `json:"action"`
	Target       string           `json:"target,omitempty"`
	Priority     int              `json:"priority"`
}

// Decision is the immutable result of one evaluation. It is created once
// per intent and persisted to the proof chain by the caller.
type Decision struct {
	ID                   string              `json:"id"`
	IntentID             string              `json:"intent_id"`
	Action               Action              `json:"action"`
	Reason               string              `json:"reason,omitempty"`
	Retryable            bool                `json:"retryable,omitempty"`
	RetryAfter           time.Duration       `json:"retry_after,omitempty"`
	PolicyID             string              `json:"policy_id,omitempty"`
	ConstraintsEvaluated []ConstraintOutcome `json:"constraints_evaluated"`
	ObligationsTriggered []ObligationOutcome `json:"obligations_triggered"`
	TrustScore           int                 `json:"trust_score"`
	TrustTier            trust.Tier          `json:"trust_tier"`
	EscalationTarget     string              `json:"escalation_target,omitempty"`
	DecidedAt            time.Time           `json:"decided_at"`
	DecisionHash         string              `json:"decision_hash,omitempty"`
}

// seal assigns identity and the content hash. The hash covers every field
// except ID and DecisionHash, so two evaluations with identical inputs and
// timestamps hash identically.
func (d *Decision) seal() {
	d.ID = uuid.NewString()
	body := *d
	body.ID = ""
	body.DecisionHash = ""
	h, err := canonical.Hash(body)
	if err != nil {
		// canonical.Hash only fails on unserializable values, which Decision
		// never contains; leave the hash empty rather than abort the verdict.
		return
	}
	d.DecisionHash = h
}
