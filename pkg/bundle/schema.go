// Package bundle loads, validates, and fingerprints regulatory bundles.
// A bundle is a versioned catalog of obligations and datapoints for one
// regime and jurisdiction. Bundles are immutable after load; the compiler
// composes them into fresh plans and never mutates shared objects.
package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/regtrace/regtrace/pkg/applicability"
	"github.com/regtrace/regtrace/pkg/canonicalize"
	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
)

// PhaseInRule gates a datapoint on the company context, typically the
// reporting year. Rules compose with AND.
type PhaseInRule struct {
	Key      string `json:"key"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Expression renders the rule as an applicability expression. Bare keys are
// qualified into the company context.
func (r PhaseInRule) Expression() string {
	path := r.Key
	if !strings.Contains(path, ".") {
		path = "company." + path
	}
	return fmt.Sprintf("%s %s %s", path, r.Operator, literal(r.Value))
}

func literal(v any) string {
	switch t := v.(type) {
	case string:
		return fmt.Sprintf("%q", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case int:
		return fmt.Sprintf("%d", t)
	default:
		raw, _ := json.Marshal(v)
		return string(raw)
	}
}

// Datapoint is one disclosure item under an obligation.
type Datapoint struct {
	DatapointKey        string                  `json:"datapoint_key"`
	Title               string                  `json:"title"`
	DisclosureReference string                  `json:"disclosure_reference"`
	DatapointType       contracts.DatapointType `json:"datapoint_type"`
	Unit                string                  `json:"unit,omitempty"`
	RequiresBaseline    bool                    `json:"requires_baseline"`
	Mandatory           bool                    `json:"mandatory"`
	Query               string                  `json:"query,omitempty"`
	PhaseIn             []PhaseInRule           `json:"phase_in,omitempty"`
}

// Obligation is one disclosure obligation with its datapoints.
type Obligation struct {
	ObligationCode      string      `json:"obligation_code"`
	Title               string      `json:"title"`
	Topic               string      `json:"topic"`
	DisclosureReference string      `json:"disclosure_reference"`
	AppliesIf           string      `json:"applies_if,omitempty"`
	Datapoints          []Datapoint `json:"datapoints"`
}

// OverlayOp is one jurisdiction-scoped operation against an obligation.
// Overlays may target obligations from other bundles; targets are resolved
// as an apply-list at compile time, not at load time.
type OverlayOp struct {
	Op             string         `json:"op"` // add | modify | disable
	ObligationCode string         `json:"obligation_code"`
	Obligation     *Obligation    `json:"obligation,omitempty"` // add payload
	Fields         map[string]any `json:"fields,omitempty"`     // modify payload
	Reason         string         `json:"reason,omitempty"`
}

// Overlay is a jurisdiction-scoped modification layer.
type Overlay struct {
	Jurisdiction string      `json:"jurisdiction"`
	Operations   []OverlayOp `json:"operations"`
}

// Bundle is one parsed regulatory bundle plus its content fingerprint.
type Bundle struct {
	Regime          string       `json:"regime"`
	BundleID        string       `json:"bundle_id"`
	Version         string       `json:"version"`
	Jurisdiction    string       `json:"jurisdiction"`
	SourceRecordIDs []string     `json:"source_record_ids,omitempty"`
	Obligations     []Obligation `json:"obligations"`
	Overlays        []Overlay    `json:"overlays,omitempty"`

	// Checksum is SHA-256 over the canonical payload bytes. Derived on
	// parse, never read from the file.
	Checksum string `json:"-"`
}

// Ref identifies a bundle version by content.
type Ref struct {
	BundleID string `json:"bundle_id"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
}

// Ref returns the bundle's content reference.
func (b *Bundle) Ref() Ref {
	return Ref{BundleID: b.BundleID, Version: b.Version, Checksum: b.Checksum}
}

const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["regime", "bundle_id", "version", "jurisdiction", "obligations"],
	"properties": {
		"regime": {"type": "string", "minLength": 1},
		"bundle_id": {"type": "string", "minLength": 1},
		"version": {"type": "string", "minLength": 1},
		"jurisdiction": {"type": "string", "minLength": 1},
		"source_record_ids": {"type": "array", "items": {"type": "string"}},
		"obligations": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["obligation_code", "title", "disclosure_reference"],
				"properties": {
					"obligation_code": {"type": "string", "minLength": 1},
					"title": {"type": "string", "minLength": 1},
					"topic": {"type": "string"},
					"disclosure_reference": {"type": "string", "minLength": 1},
					"applies_if": {"type": "string"},
					"datapoints": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["datapoint_key", "title", "datapoint_type"],
							"properties": {
								"datapoint_key": {"type": "string", "minLength": 1},
								"title": {"type": "string", "minLength": 1},
								"disclosure_reference": {"type": "string"},
								"datapoint_type": {"enum": ["narrative", "metric"]},
								"unit": {"type": "string"},
								"requires_baseline": {"type": "boolean"},
								"mandatory": {"type": "boolean"},
								"query": {"type": "string"},
								"phase_in": {
									"type": "array",
									"items": {
										"type": "object",
										"required": ["key", "operator", "value"],
										"properties": {
											"key": {"type": "string", "minLength": 1},
											"operator": {"enum": ["==", "!=", ">", ">=", "<", "<=", "in"]}
										}
									}
								}
							}
						}
					}
				}
			}
		},
		"overlays": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["jurisdiction", "operations"],
				"properties": {
					"jurisdiction": {"type": "string", "minLength": 1},
					"operations": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["op", "obligation_code"],
							"properties": {
								"op": {"enum": ["add", "modify", "disable"]},
								"obligation_code": {"type": "string", "minLength": 1}
							}
						}
					}
				}
			}
		}
	}
}`

var bundleSchema = jsonschema.MustCompileString("bundle.schema.json", schemaJSON)

// Parse validates raw bundle bytes and returns the parsed bundle with its
// checksum. Validation covers the JSON schema, overlay payload shape, and
// every embedded applicability and phase-in expression.
func Parse(raw []byte, evaluator *applicability.Evaluator) (*Bundle, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "bundle is not valid JSON")
	}
	if err := bundleSchema.Validate(plain(doc)); err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "bundle schema")
	}

	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "decode bundle")
	}

	if err := b.checkExpressions(evaluator); err != nil {
		return nil, err
	}
	if err := b.checkOverlays(); err != nil {
		return nil, err
	}

	canonical, err := canonicalize.CanonicalBytes(raw)
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "canonicalize bundle")
	}
	b.Checksum = canonicalize.HashBytes(canonical)
	return &b, nil
}

func (b *Bundle) checkExpressions(evaluator *applicability.Evaluator) error {
	if evaluator == nil {
		return nil
	}
	for _, ob := range b.Obligations {
		if ob.AppliesIf != "" {
			if err := evaluator.Check(ob.AppliesIf); err != nil {
				return errkind.Wrap(errkind.Validation, err,
					"obligation %s applicability", ob.ObligationCode)
			}
		}
		for _, dp := range ob.Datapoints {
			for _, rule := range dp.PhaseIn {
				if err := evaluator.Check(rule.Expression()); err != nil {
					return errkind.Wrap(errkind.Validation, err,
						"datapoint %s phase-in", dp.DatapointKey)
				}
			}
		}
	}
	return nil
}

func (b *Bundle) checkOverlays() error {
	for _, overlay := range b.Overlays {
		for i, op := range overlay.Operations {
			switch op.Op {
			case "add":
				if op.Obligation == nil {
					return errkind.E(errkind.Validation,
						"overlay %s op %d: add without obligation payload", overlay.Jurisdiction, i)
				}
			case "modify":
				if len(op.Fields) == 0 {
					return errkind.E(errkind.Validation,
						"overlay %s op %d: modify without fields", overlay.Jurisdiction, i)
				}
			case "disable":
				// No payload required.
			default:
				return errkind.E(errkind.Validation,
					"overlay %s op %d: unknown op %q", overlay.Jurisdiction, i, op.Op)
			}
		}
	}
	return nil
}

// plain strips json.Number down to the plain-interface form the schema
// validator expects.
func plain(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plain(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plain(val)
		}
		return out
	default:
		return v
	}
}
