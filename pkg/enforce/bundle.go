package enforce

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/vorion-labs/cognigate/pkg/trust"
)

//go:embed schema.json
var bundleSchemaJSON string

var bundleSchema = mustCompileBundleSchema()

func mustCompileBundleSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://cognigate.schemas.local/policy-bundle.schema.json"
	if err := c.AddResource(url, strings.NewReader(bundleSchemaJSON)); err != nil {
		panic(fmt.Sprintf("enforce: loading embedded bundle schema: %v", err))
	}
	return c.MustCompile(url)
}

// Grant exempts matching requests from the listed constraint kinds. Grants
// never raise privilege: a grant whose MaxLevel is below the request level
// does not apply.
type Grant struct {
	ID       string   `json:"id" yaml:"id"`
	Kinds    []string `json:"kinds,omitempty" yaml:"kinds,omitempty"`
	Domains  Domain   `json:"domains,omitempty" yaml:"domains,omitempty"`
	MaxLevel int      `json:"max_level" yaml:"max_level"`
}

// covers reports whether the grant exempts req from constraints of kind k.
func (g Grant) covers(req CapabilityRequest, k ConstraintKind) bool {
	if req.Level > g.MaxLevel {
		return false
	}
	if g.Domains != 0 && !g.Domains.Has(req.Domains) {
		return false
	}
	for _, kind := range g.Kinds {
		if ConstraintKind(kind) == k {
			return true
		}
	}
	return false
}

// PolicyBundle is one versioned policy document.
type PolicyBundle struct {
	ID                string       `json:"id" yaml:"id"`
	Version           string       `json:"version" yaml:"version"`
	MinimumTrustTier  trust.Tier   `json:"minimum_trust_tier" yaml:"minimum_trust_tier"`
	MinimumTrustScore int          `json:"minimum_trust_score" yaml:"minimum_trust_score"`
	Constraints       []Constraint `json:"constraints" yaml:"constraints"`
	Obligations       []Obligation `json:"obligations" yaml:"obligations"`
	Grants            []Grant      `json:"grants" yaml:"grants"`
}

// LoadBundle parses and schema-validates a YAML policy bundle. A bundle
// that fails here must resolve to DENY governance_unavailable at decision
// time, never to a partially applied policy.
func LoadBundle(data []byte) (*PolicyBundle, error) {
	// Validate the generic document shape first, so schema errors name the
	// offending path instead of surfacing as Go type mismatches.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("enforce: parsing policy bundle failed: %w", err)
	}
	doc = normalizeYAML(doc)
	if err := bundleSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("enforce: policy bundle rejected by schema: %w", err)
	}

	var bundle PolicyBundle
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&bundle); err != nil {
		return nil, fmt.Errorf("enforce: decoding policy bundle failed: %w", err)
	}
	return &bundle, nil
}

// LoadBundleFile reads and parses the bundle at path.
func LoadBundleFile(path string) (*PolicyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("enforce: reading policy bundle failed: %w", err)
	}
	return LoadBundle(data)
}

// normalizeYAML converts yaml.Unmarshal's map[string]any/any tree into the
// JSON-shaped tree jsonschema validates (numbers as json.Number-compatible
// values, string keys throughout).
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeYAML(e)
		}
		return out
	case int:
		return json.Number(fmt.Sprint(t))
	case int64:
		return json.Number(fmt.Sprint(t))
	case float64:
		b, _ := json.Marshal(t)
		return json.Number(b)
	default:
		return v
	}
}

// orderedConstraints returns the bundle's constraints sorted critical-first,
// preserving document order within each severity band.
func (b *PolicyBundle) orderedConstraints() []Constraint {
	out := make([]Constraint, len(b.Constraints))
	copy(out, b.Constraints)
	sort.SliceStable(out, func(i, j int) bool {
		return severityRank[out[i].Severity] < severityRank[out[j].Severity]
	})
	return out
}

// orderedObligations returns obligations sorted by descending priority,
// preserving document order on ties.
func (b *PolicyBundle) orderedObligations() []Obligation {
	out := make([]Obligation, len(b.Obligations))
	copy(out, b.Obligations)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// exempted reports whether any grant exempts the request from constraint c.
func (b *PolicyBundle) exempted(req CapabilityRequest, c Constraint) bool {
	for _, g := range b.Grants {
		if g.covers(req, c.Kind) {
			return true
		}
	}
	return false
}
