package enforce

import (
	"fmt"
	"strings"
)

// ObligationAction is what a triggered obligation demands.
type ObligationAction string

const (
	ObligateHumanApproval ObligationAction = "require_human_approval"
	ObligateMFA           ObligationAction = "require_mfa"
	ObligateAttestation   ObligationAction = "require_attestation"
	ObligateNotify        ObligationAction = "notify"
	ObligateEscalate      ObligationAction = "escalate"
	ObligateDelay         ObligationAction = "delay"
	ObligateCheckpoint    ObligationAction = "checkpoint"
)

// gating reports whether the action parks or escalates the decision instead
// of letting it through.
func (a ObligationAction) gating() bool {
	switch a {
	case ObligateHumanApproval, ObligateMFA, ObligateAttestation:
		return true
	}
	return false
}

// Predicate is the trigger condition of an obligation. A leaf carries
// Field/Op/Value; And and Or compose sub-predicates. And clauses bind
// tighter than Or: the node holds when the leaf (if any) and every And
// clause hold, or failing that when any Or clause holds.
type Predicate struct {
	Field string      `json:"field,omitempty" yaml:"field,omitempty"`
	Op    string      `json:"op,omitempty" yaml:"op,omitempty"`
	Value any         `json:"value,omitempty" yaml:"value,omitempty"`
	And   []Predicate `json:"and,omitempty" yaml:"and,omitempty"`
	Or    []Predicate `json:"or,omitempty" yaml:"or,omitempty"`
}

// Obligation attaches a follow-up demand to matching requests.
type Obligation struct {
	ID       string           `json:"id" yaml:"id"`
	Trigger  Predicate        `json:"trigger" yaml:"trigger"`
	Action   ObligationAction `json:"action" yaml:"action"`
	Target   string           `json:"target,omitempty" yaml:"target,omitempty"`
	Priority int              `json:"priority" yaml:"priority"`
}

// holds evaluates the predicate against the evaluation facts.
func (p Predicate) holds(e *evaluation) (bool, error) {
	base := true
	if p.Field != "" {
		var err error
		base, err = p.leafHolds(e)
		if err != nil {
			return false, err
		}
	}
	if base {
		for _, sub := range p.And {
			ok, err := sub.holds(e)
			if err != nil {
				return false, err
			}
			if !ok {
				base = false
				break
			}
		}
	}
	if base {
		return true, nil
	}
	for _, sub := range p.Or {
		ok, err := sub.holds(e)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (p Predicate) leafHolds(e *evaluation) (bool, error) {
	actual, ok := e.fact(p.Field)
	switch p.Op {
	case "exists":
		return ok, nil
	case "absent":
		return !ok, nil
	}
	if !ok {
		return false, nil
	}

	switch p.Op {
	case "eq":
		return fmt.Sprint(actual) == fmt.Sprint(p.Value), nil
	case "ne":
		return fmt.Sprint(actual) != fmt.Sprint(p.Value), nil
	case "contains":
		s, sok := actual.(string)
		sub, vok := p.Value.(string)
		return sok && vok && strings.Contains(s, sub), nil
	case "in":
		list, vok := p.Value.([]any)
		if !vok {
			return false, fmt.Errorf("obligation %s: 'in' needs a list value", p.Field)
		}
		for _, candidate := range list {
			if fmt.Sprint(actual) == fmt.Sprint(candidate) {
				return true, nil
			}
		}
		return false, nil
	case "gt", "gte", "lt", "lte":
		a, aok := toFloat(actual)
		b, bok := toFloat(p.Value)
		if !aok || !bok {
			return false, nil
		}
		switch p.Op {
		case "gt":
			return a > b, nil
		case "gte":
			return a >= b, nil
		case "lt":
			return a < b, nil
		default:
			return a <= b, nil
		}
	default:
		return false, fmt.Errorf("unknown predicate op %q", p.Op)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}
