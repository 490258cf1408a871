package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vorion-labs/cognigate/pkg/resiliency"
	"github.com/vorion-labs/cognigate/pkg/trust"
)

// Engine evaluates capability requests against policy bundles.
type Engine struct {
	cel      *celEvaluator
	logger   *slog.Logger
	provider trust.Provider

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithTrustProvider sets the provider used by EvaluateForAgent.
func WithTrustProvider(p trust.Provider) Option {
	return func(e *Engine) { e.provider = p }
}

// NewEngine constructs the decision engine.
func NewEngine(logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ce, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cel:      ce,
		logger:   logger.With("component", "enforce"),
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// evaluation carries the mutable working state of one Evaluate call.
type evaluation struct {
	engine   *Engine
	req      CapabilityRequest
	payload  map[string]any
	snapshot trust.Snapshot
	now      time.Time
}

// fact resolves a predicate field to a value. "request.*" and "trust.*"
// address the request and snapshot; anything else addresses the in-flight
// payload, with dots walking nested maps.
func (e *evaluation) fact(field string) (any, bool) {
	switch field {
	case "request.level":
		return e.req.Level, true
	case "request.source":
		return e.req.Source, true
	case "request.purpose":
		return e.req.Purpose, true
	case "request.agent_id":
		return e.req.AgentID, true
	case "request.domains":
		return int(e.req.Domains), true
	case "trust.score":
		return e.snapshot.Score, true
	case "trust.tier":
		return int(e.snapshot.Tier), true
	}
	path := strings.TrimPrefix(field, "payload.")
	var cur any = e.payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func (e *evaluation) celInput() map[string]any {
	return map[string]any{
		"request": map[string]any{
			"intent_id": e.req.IntentID,
			"agent_id":  e.req.AgentID,
			"domains":   int64(e.req.Domains),
			"level":     int64(e.req.Level),
			"purpose":   e.req.Purpose,
			"source":    e.req.Source,
		},
		"payload": e.payload,
		"trust": map[string]any{
			"score": int64(e.snapshot.Score),
			"tier":  int64(e.snapshot.Tier),
		},
	}
}

// EvaluateForAgent looks up the agent's trust snapshot through the
// configured provider (normally breaker-guarded) and evaluates. An
// unreachable trust store fails secure.
func (e *Engine) EvaluateForAgent(ctx context.Context, req CapabilityRequest, bundle *PolicyBundle) Decision {
	if e.provider == nil {
		return e.failSecure(req, trust.Snapshot{}, bundle, errors.New("no trust provider configured"))
	}
	snapshot, err := e.provider.Snapshot(ctx, req.AgentID)
	if err != nil {
		return e.failSecure(req, trust.Snapshot{}, bundle, err)
	}
	return e.Evaluate(ctx, req, snapshot, bundle)
}

// Evaluate produces the verdict for one request. It never panics and never
// returns an error: every internal failure resolves to a DENY carrying
// reason governance_unavailable.
func (e *Engine) Evaluate(_ context.Context, req CapabilityRequest, snapshot trust.Snapshot, bundle *PolicyBundle) Decision {
	if bundle == nil {
		return e.failSecure(req, snapshot, nil, errors.New("nil policy bundle"))
	}

	ev := &evaluation{
		engine:   e,
		req:      req,
		payload:  clonePayload(req.Payload),
		snapshot: snapshot,
		now:      e.now().UTC(),
	}
	d := Decision{
		IntentID:             req.IntentID,
		Action:               ActionAllow,
		PolicyID:             bundle.ID,
		ConstraintsEvaluated: []ConstraintOutcome{},
		ObligationsTriggered: []ObligationOutcome{},
		TrustScore:           snapshot.Score,
		TrustTier:            snapshot.Tier,
		DecidedAt:            ev.now,
	}

	// Trust gate. A failed gate short-circuits: the bundle is not applied.
	if snapshot.Tier < bundle.MinimumTrustTier || snapshot.Score < bundle.MinimumTrustScore {
		d.Action = ActionDeny
		d.Reason = ReasonInsufficientTrust
		d.seal()
		e.logger.Info("request denied at trust gate",
			"intent_id", req.IntentID, "agent_id", req.AgentID,
			"tier", snapshot.Tier, "required_tier", bundle.MinimumTrustTier)
		return d
	}

	blocked := false
	blockedBy := ""
	for _, c := range bundle.orderedConstraints() {
		outcome := ConstraintOutcome{ConstraintID: c.ID, Kind: c.Kind, Severity: c.Severity}

		if bundle.exempted(req, c) {
			outcome.Detail = "exempted by grant"
			d.ConstraintsEvaluated = append(d.ConstraintsEvaluated, outcome)
			continue
		}
		// Once a block has fired, only side-effecting constraints still run;
		// rewrites and further blocks are moot.
		if blocked && c.Action != ActWarn && c.Action != ActLog {
			outcome.Detail = "not evaluated: request already blocked"
			d.ConstraintsEvaluated = append(d.ConstraintsEvaluated, outcome)
			continue
		}

		matched, detail, err := c.matches(ev)
		if err != nil {
			return e.failSecure(req, snapshot, bundle, fmt.Errorf("constraint %s: %w", c.ID, err))
		}
		outcome.Matched = matched
		outcome.Detail = detail
		if matched {
			outcome.ActionTaken = c.Action
			switch c.Action {
			case ActBlock:
				blocked = true
				blockedBy = c.ID
			case ActRedact, ActMask, ActTruncate:
				c.rewrite(ev.payload)
			case ActWarn:
				e.logger.Warn("constraint warning",
					"constraint_id", c.ID, "intent_id", req.IntentID, "detail", detail)
			case ActLog:
				e.logger.Info("constraint matched",
					"constraint_id", c.ID, "intent_id", req.IntentID, "detail", detail)
			}
		}
		d.ConstraintsEvaluated = append(d.ConstraintsEvaluated, outcome)
	}

	if blocked {
		d.Action = ActionDeny
		d.Reason = ReasonConstraintBlocked
		d.seal()
		e.logger.Info("request blocked by constraint",
			"intent_id", req.IntentID, "constraint_id", blockedBy)
		return d
	}

	obligationVerdict := ActionAllow
	for _, o := range bundle.orderedObligations() {
		hit, err := o.Trigger.holds(ev)
		if err != nil {
			return e.failSecure(req, snapshot, bundle, fmt.Errorf("obligation %s: %w", o.ID, err))
		}
		if !hit {
			continue
		}
		d.ObligationsTriggered = append(d.ObligationsTriggered, ObligationOutcome{
			ObligationID: o.ID,
			Action:       o.Action,
			Target:       o.Target,
			Priority:     o.Priority,
		})
		if o.Action.gating() {
			obligationVerdict = MostRestrictive(obligationVerdict, ActionEscalate)
			if d.EscalationTarget == "" {
				d.EscalationTarget = o.Target
			}
		} else {
			e.logger.Info("obligation triggered",
				"obligation_id", o.ID, "action", o.Action, "intent_id", req.IntentID)
		}
	}

	d.Action = MostRestrictive(d.Action, obligationVerdict)
	if d.Action == ActionEscalate {
		d.Reason = ReasonObligationPending
	}
	d.seal()
	return d
}

// failSecure translates any internal failure into a DENY the caller can
// retry, instead of letting the error escape the decision boundary.
func (e *Engine) failSecure(req CapabilityRequest, snapshot trust.Snapshot, bundle *PolicyBundle, err error) Decision {
	d := Decision{
		IntentID:             req.IntentID,
		Action:               ActionDeny,
		Reason:               ReasonGovernanceUnavailable,
		Retryable:            true,
		ConstraintsEvaluated: []ConstraintOutcome{},
		ObligationsTriggered: []ObligationOutcome{},
		TrustScore:           snapshot.Score,
		TrustTier:            snapshot.Tier,
		DecidedAt:            e.now().UTC(),
	}
	if bundle != nil {
		d.PolicyID = bundle.ID
	}
	var open *resiliency.ErrOpen
	if errors.As(err, &open) {
		d.RetryAfter = open.RetryAfter
	}
	d.seal()
	e.logger.Error("decision failed secure", "intent_id", req.IntentID, "error", err)
	return d
}

// allowRate consults (creating on first use) the limiter for one rate_limit
// constraint and source.
func (e *Engine) allowRate(c Constraint, source string) bool {
	key := c.ID + "|" + source
	e.mu.Lock()
	lim, ok := e.limiters[key]
	if !ok {
		burst := c.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(c.PerSecond), burst)
		e.limiters[key] = lim
	}
	e.mu.Unlock()
	return lim.Allow()
}
