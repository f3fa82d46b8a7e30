package capreg

import "encoding/json"

// Schema is the subset of JSON Schema the capability registry and
// strict validator need to reason about: enough to derive a TypeClass
// and to carry the `x-decision-gate` vendor extension that opts
// individual predicates into lex/deep comparators.
//
// This is deliberately not a full JSON Schema implementation — the
// bespoke type-class/comparator-allowance logic in strictval is domain
// logic of its own, not something a generic schema validator library
// expresses. Full request/response payload schemas
// exchanged over MCP still go through the SDK's own
// `github.com/google/jsonschema-go` compilation via struct tags.
type Schema struct {
	Type     json.RawMessage `json:"type,omitempty"` // string or []string
	Nullable bool            `json:"nullable,omitempty"`
	Format   string          `json:"format,omitempty"`
	Items    *Schema         `json:"items,omitempty"`
	OneOf    []Schema        `json:"oneOf,omitempty"`
	AnyOf    []Schema        `json:"anyOf,omitempty"`

	DecisionGateExt *VendorExtension `json:"x-decision-gate,omitempty"`
}

// VendorExtension carries per-schema opt-ins, e.g. enabling lex
// comparators for a string predicate without a global config flag.
type VendorExtension struct {
	AllowedComparators []string `json:"allowed_comparators,omitempty"`
}

// TypeClass is the type classification the strict validator's
// comparator-allowance matrix keys off of.
type TypeClass string

const (
	ClassNumeric TypeClass = "numeric"
	ClassString  TypeClass = "string"
	// ClassStringDate is a string schema whose format is "date" or
	// "date-time" (RFC 3339) — the only strings the comparator
	// allowance matrix permits ordering comparators on.
	ClassStringDate TypeClass = "string_date"
	ClassBoolean    TypeClass = "boolean"
	ClassArray      TypeClass = "array"
	ClassObject     TypeClass = "object"
	ClassNull       TypeClass = "null"
	ClassDynamic    TypeClass = "dynamic"
)

// Classes derives the set of type classes a schema allows. Unions
// (oneOf/anyOf/multi-type) intersect variant allowances via set union
// of classes; a nullable union permits null without widening the rest
// of the comparator set (null is tracked as its own class and checked
// separately by the validator).
func (s Schema) Classes() map[TypeClass]bool {
	out := map[TypeClass]bool{}
	s.collectClasses(out)
	if len(out) == 0 {
		out[ClassDynamic] = true
	}
	return out
}

func (s Schema) collectClasses(out map[TypeClass]bool) {
	if s.Nullable {
		out[ClassNull] = true
	}
	for _, name := range s.typeNames() {
		out[s.classFromTypeName(name)] = true
	}
	for _, sub := range s.OneOf {
		sub.collectClasses(out)
	}
	for _, sub := range s.AnyOf {
		sub.collectClasses(out)
	}
}

func (s Schema) typeNames() []string {
	if len(s.Type) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(s.Type, &single); err == nil {
		return []string{single}
	}
	var multi []string
	if err := json.Unmarshal(s.Type, &multi); err == nil {
		return multi
	}
	return nil
}

// isDateFormat reports whether a schema's format tags it as an RFC
// 3339 date or date-time string, the only strings comparable with
// ordering comparators.
func isDateFormat(format string) bool {
	return format == "date" || format == "date-time"
}

func (s Schema) classFromTypeName(name string) TypeClass {
	switch name {
	case "integer", "number":
		return ClassNumeric
	case "string":
		if isDateFormat(s.Format) {
			return ClassStringDate
		}
		return ClassString
	case "boolean":
		return ClassBoolean
	case "array":
		return ClassArray
	case "object":
		return ClassObject
	case "null":
		return ClassNull
	default:
		return ClassDynamic
	}
}
