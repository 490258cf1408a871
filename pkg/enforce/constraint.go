package enforce

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ConstraintKind is the closed set of constraint variants. Unknown policy
// behavior belongs in KindCustom with a CEL expression, never in a new
// stringly-typed kind.
type ConstraintKind string

const (
	KindEgressWhitelist ConstraintKind = "egress_whitelist"
	KindEgressBlacklist ConstraintKind = "egress_blacklist"
	KindDataProtection  ConstraintKind = "data_protection"
	KindToolRestriction ConstraintKind = "tool_restriction"
	KindResourceLimit   ConstraintKind = "resource_limit"
	KindTimeWindow      ConstraintKind = "time_window"
	KindRateLimit       ConstraintKind = "rate_limit"
	KindContentFilter   ConstraintKind = "content_filter"
	KindScopeBoundary   ConstraintKind = "scope_boundary"
	KindCustom          ConstraintKind = "custom"
)

// ConstraintAction is what a matching constraint does to the request.
type ConstraintAction string

const (
	ActBlock    ConstraintAction = "block"
	ActRedact   ConstraintAction = "redact"
	ActMask     ConstraintAction = "mask"
	ActTruncate ConstraintAction = "truncate"
	ActWarn     ConstraintAction = "warn"
	ActLog      ConstraintAction = "log"
)

// Severity orders constraint evaluation: critical first, low last.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

// Constraint is one policy rule. Exactly the parameter block matching Kind
// is consulted; the rest stay zero.
type Constraint struct {
	ID       string           `json:"id" yaml:"id"`
	Kind     ConstraintKind   `json:"kind" yaml:"kind"`
	Action   ConstraintAction `json:"action" yaml:"action"`
	Severity Severity         `json:"severity" yaml:"severity"`

	// Egress whitelist/blacklist: hosts checked against payload "destination".
	Hosts []string `json:"hosts,omitempty" yaml:"hosts,omitempty"`
	// Data protection / content rewrites: payload fields to inspect.
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty"`
	// Tool restriction: tool names forbidden at this policy's level.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	// Resource limit: payload field holding the requested amount, and its cap.
	Resource string  `json:"resource,omitempty" yaml:"resource,omitempty"`
	Max      float64 `json:"max,omitempty" yaml:"max,omitempty"`
	// Time window: permitted interval, "HH:MM" in UTC.
	WindowStart string `json:"window_start,omitempty" yaml:"window_start,omitempty"`
	WindowEnd   string `json:"window_end,omitempty" yaml:"window_end,omitempty"`
	// Rate limit: sustained requests per second and burst, keyed by source.
	PerSecond float64 `json:"per_second,omitempty" yaml:"per_second,omitempty"`
	Burst     int     `json:"burst,omitempty" yaml:"burst,omitempty"`
	// Content filter: regexes applied to string payload values.
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	// Scope boundary: scopes the request payload "scope" must stay within.
	Scopes []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	// Custom: CEL expression over {request, payload, trust}; true = matched.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
	// Truncate rewrites cap strings at this many bytes (default 256).
	MaxLength int `json:"max_length,omitempty" yaml:"max_length,omitempty"`
}

// matches reports whether the constraint's predicate holds against the
// in-flight payload. Rewriting actions are applied by the engine afterwards.
func (c Constraint) matches(e *evaluation) (bool, string, error) {
	switch c.Kind {
	case KindEgressWhitelist:
		dest, ok := e.payload["destination"].(string)
		if !ok || dest == "" {
			return false, "", nil
		}
		if !containsHost(c.Hosts, dest) {
			return true, fmt.Sprintf("destination %q not in whitelist", dest), nil
		}
		return false, "", nil

	case KindEgressBlacklist:
		dest, ok := e.payload["destination"].(string)
		if !ok {
			return false, "", nil
		}
		if containsHost(c.Hosts, dest) {
			return true, fmt.Sprintf("destination %q is blacklisted", dest), nil
		}
		return false, "", nil

	case KindDataProtection:
		for _, f := range c.Fields {
			if _, ok := e.payload[f]; ok {
				return true, "protected field " + f + " present", nil
			}
		}
		return false, "", nil

	case KindToolRestriction:
		tool, ok := e.payload["tool"].(string)
		if !ok {
			return false, "", nil
		}
		for _, t := range c.Tools {
			if t == tool {
				return true, "restricted tool " + tool, nil
			}
		}
		return false, "", nil

	case KindResourceLimit:
		v, ok := numericField(e.payload, c.Resource)
		if !ok {
			return false, "", nil
		}
		if v > c.Max {
			return true, fmt.Sprintf("%s=%v exceeds limit %v", c.Resource, v, c.Max), nil
		}
		return false, "", nil

	case KindTimeWindow:
		inside, err := withinWindow(e.now, c.WindowStart, c.WindowEnd)
		if err != nil {
			return false, "", err
		}
		if !inside {
			return true, fmt.Sprintf("outside permitted window %s-%s", c.WindowStart, c.WindowEnd), nil
		}
		return false, "", nil

	case KindRateLimit:
		if !e.engine.allowRate(c, e.req.Source) {
			return true, "rate limit exceeded for source " + e.req.Source, nil
		}
		return false, "", nil

	case KindContentFilter:
		for _, p := range c.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return false, "", fmt.Errorf("bad content pattern %q: %w", p, err)
			}
			if field, hit := matchAnyString(e.payload, re); hit {
				return true, "content filter hit on field " + field, nil
			}
		}
		return false, "", nil

	case KindScopeBoundary:
		scope, ok := e.payload["scope"].(string)
		if !ok || scope == "" {
			return false, "", nil
		}
		for _, s := range c.Scopes {
			if scope == s || strings.HasPrefix(scope, s+".") {
				return false, "", nil
			}
		}
		return true, fmt.Sprintf("scope %q outside boundary", scope), nil

	case KindCustom:
		hit, err := e.engine.cel.matches(c.Expression, e.celInput())
		if err != nil {
			return false, "", err
		}
		if hit {
			return true, "custom expression matched", nil
		}
		return false, "", nil

	default:
		return false, "", fmt.Errorf("unknown constraint kind %q", c.Kind)
	}
}

func containsHost(hosts []string, dest string) bool {
	for _, h := range hosts {
		if h == dest || strings.HasSuffix(dest, "."+h) {
			return true
		}
	}
	return false
}

func numericField(payload map[string]any, field string) (float64, bool) {
	switch v := payload[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func withinWindow(now time.Time, start, end string) (bool, error) {
	s, err := time.Parse("15:04", start)
	if err != nil {
		return false, fmt.Errorf("bad window start %q: %w", start, err)
	}
	e, err := time.Parse("15:04", end)
	if err != nil {
		return false, fmt.Errorf("bad window end %q: %w", end, err)
	}
	now = now.UTC()
	minutes := now.Hour()*60 + now.Minute()
	sm := s.Hour()*60 + s.Minute()
	em := e.Hour()*60 + e.Minute()
	if sm <= em {
		return minutes >= sm && minutes < em, nil
	}
	// Window crosses midnight.
	return minutes >= sm || minutes < em, nil
}

func matchAnyString(payload map[string]any, re *regexp.Regexp) (string, bool) {
	for k, v := range payload {
		switch t := v.(type) {
		case string:
			if re.MatchString(t) {
				return k, true
			}
		case map[string]any:
			if f, hit := matchAnyString(t, re); hit {
				return k + "." + f, true
			}
		}
	}
	return "", false
}

// rewrite applies redact/mask/truncate to the in-flight payload copy.
func (c Constraint) rewrite(payload map[string]any) {
	fields := c.Fields
	if len(fields) == 0 {
		return
	}
	for _, f := range fields {
		v, ok := payload[f]
		if !ok {
			continue
		}
		switch c.Action {
		case ActRedact:
			payload[f] = "[REDACTED]"
		case ActMask:
			if s, ok := v.(string); ok {
				payload[f] = maskString(s)
			} else {
				payload[f] = "****"
			}
		case ActTruncate:
			max := c.MaxLength
			if max <= 0 {
				max = 256
			}
			if s, ok := v.(string); ok && len(s) > max {
				payload[f] = s[:max]
			}
		}
	}
}

// maskString keeps the last four characters visible.
func maskString(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
