// Package enforce is the policy decision engine. It evaluates a capability
// request against a trust snapshot and a policy bundle and produces an
// immutable Decision. Failures inside the engine never escape as panics or
// errors across the API boundary; they resolve to a DENY with a
// machine-readable reason.
package enforce

import "time"

// Domain is a capability domain bitmask. A request may span several domains.
type Domain uint32

const (
	DomainCompute Domain = 1 << iota
	DomainNetwork
	DomainStorage
	DomainData
	DomainFinancial
	DomainCommunication
	DomainIdentity
)

// Has reports whether d covers all domains in other.
func (d Domain) Has(other Domain) bool { return d&other == other }

// CapabilityRequest describes the action an agent wants authorized.
// Requests are immutable once submitted: the engine works on a deep copy of
// the payload, so redact/mask/truncate rewrites never leak back to the
// caller.
type CapabilityRequest struct {
	IntentID string         `json:"intent_id"`
	AgentID  string         `json:"agent_id"`
	Domains  Domain         `json:"domains"`
	Level    int            `json:"level"` // 0..5, must not exceed trust tier grants
	Purpose  string         `json:"purpose"`
	Source   string         `json:"source"`
	TTL      time.Duration  `json:"ttl"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// clonePayload deep-copies the JSON-shaped payload tree.
func clonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
