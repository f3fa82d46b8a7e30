// Package strictval implements the Strict Validator (C4): the
// authoring-time comparator/type/expected-value compatibility engine
// that runs before any scenario spec registration or precheck.
//
// Grounded on the fail-closed, precisely-reported validation style of
// internal/skill/validate.go (required fields, enum checks, duplicate
// detection, aggregated error list).
package strictval

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/marcus-qen/decisiongate/internal/capreg"
	"github.com/marcus-qen/decisiongate/internal/dgerr"
	"github.com/marcus-qen/decisiongate/internal/dgmodel"
)

// Options configures opt-in comparator families.
type Options struct {
	AllowLexComparators  bool
	AllowDeepComparators bool
}

// allowanceMatrix maps each comparator to the type classes it accepts
// unconditionally. lex_* and deep_* are handled separately since their
// availability depends on Options or a schema's vendor extension.
var allowanceMatrix = map[dgmodel.Comparator]map[capreg.TypeClass]bool{
	dgmodel.CmpEquals:    allAny(),
	dgmodel.CmpNotEquals: allAny(),
	dgmodel.CmpExists:    allAny(),
	dgmodel.CmpNotExists: allAny(),

	// Ordering comparators on strings apply only to RFC 3339
	// date/date-time-formatted strings (capreg.ClassStringDate), not
	// to arbitrary strings (capreg.ClassString) — lexicographic
	// ordering of arbitrary strings goes through lex_greater_than/
	// lex_less_than instead, which carry their own opt-in gate.
	dgmodel.CmpGreaterThan:     {capreg.ClassNumeric: true, capreg.ClassStringDate: true},
	dgmodel.CmpGreaterThanOrEq: {capreg.ClassNumeric: true, capreg.ClassStringDate: true},
	dgmodel.CmpLessThan:        {capreg.ClassNumeric: true, capreg.ClassStringDate: true},
	dgmodel.CmpLessThanOrEq:    {capreg.ClassNumeric: true, capreg.ClassStringDate: true},

	dgmodel.CmpContains: {capreg.ClassString: true, capreg.ClassStringDate: true, capreg.ClassArray: true},
	dgmodel.CmpInSet:     {capreg.ClassNumeric: true, capreg.ClassString: true, capreg.ClassStringDate: true, capreg.ClassBoolean: true, capreg.ClassNull: true},
}

func allAny() map[capreg.TypeClass]bool {
	return map[capreg.TypeClass]bool{
		capreg.ClassNumeric: true, capreg.ClassString: true, capreg.ClassStringDate: true, capreg.ClassBoolean: true,
		capreg.ClassArray: true, capreg.ClassObject: true, capreg.ClassNull: true, capreg.ClassDynamic: true,
	}
}

func isLex(c dgmodel.Comparator) bool {
	return c == dgmodel.CmpLexGreaterThan || c == dgmodel.CmpLexLessThan
}

func isDeep(c dgmodel.Comparator) bool {
	return c == dgmodel.CmpDeepEquals || c == dgmodel.CmpDeepNotEquals
}

// Validate checks a predicate definition's (comparator, expected_value)
// against its evidence schema under the comparator allowance matrix.
// It never widens a comparator's allowance based on a predicate's
// specific expected_value — only the declared schema's type classes
// and opt-in flags matter.
func Validate(pred dgmodel.PredicateDef, schema capreg.Schema, opts Options) error {
	classes := schema.Classes()
	cmp := pred.Comparator

	switch {
	case isLex(cmp):
		if !classes[capreg.ClassString] && !classes[capreg.ClassStringDate] && !classes[capreg.ClassDynamic] {
			return rejectf(pred.Name, cmp, classes, "lex comparators apply only to strings")
		}
		if !lexOptedIn(schema, opts) {
			return rejectf(pred.Name, cmp, classes, "lex comparators are not enabled (set validation.enable_lex_comparators or x-decision-gate.allowed_comparators)")
		}

	case isDeep(cmp):
		if !opts.AllowDeepComparators && !deepOptedIn(schema) {
			return rejectf(pred.Name, cmp, classes, "deep comparators are not enabled (set validation.enable_deep_comparators)")
		}

	default:
		allowed, known := allowanceMatrix[cmp]
		if !known {
			return rejectf(pred.Name, cmp, classes, "unknown comparator")
		}
		if !classAllowed(classes, allowed) {
			return rejectf(pred.Name, cmp, classes, "comparator is not valid for this type class")
		}
	}

	return validateExpectedValue(pred, classes)
}

func classAllowed(have map[capreg.TypeClass]bool, allowed map[capreg.TypeClass]bool) bool {
	if have[capreg.ClassDynamic] {
		return true
	}
	for class := range have {
		if class == capreg.ClassNull {
			continue // nullable unions don't widen/narrow the base comparator set
		}
		if !allowed[class] {
			return false
		}
	}
	return true
}

func lexOptedIn(schema capreg.Schema, opts Options) bool {
	if opts.AllowLexComparators {
		return true
	}
	if schema.DecisionGateExt == nil {
		return false
	}
	for _, c := range schema.DecisionGateExt.AllowedComparators {
		if c == "lex_greater_than" || c == "lex_less_than" || c == "lex_*" {
			return true
		}
	}
	return false
}

func deepOptedIn(schema capreg.Schema) bool {
	if schema.DecisionGateExt == nil {
		return false
	}
	for _, c := range schema.DecisionGateExt.AllowedComparators {
		if c == "deep_equals" || c == "deep_not_equals" || c == "deep_*" {
			return true
		}
	}
	return false
}

// validateExpectedValue checks that a predicate's expected_value is
// present/absent and shaped as the comparator requires: exists/
// not_exists consume no expected value, in_set expects an array of
// scalars, and every other comparator requires a non-null
// expected_value to be present; the shape of that value is not checked
// against the declared type classes.
func validateExpectedValue(pred dgmodel.PredicateDef, classes map[capreg.TypeClass]bool) error {
	cmp := pred.Comparator
	hasValue := len(pred.ExpectedValue) > 0 && string(pred.ExpectedValue) != "null"

	switch cmp {
	case dgmodel.CmpExists, dgmodel.CmpNotExists:
		return nil // expected_value is not consumed
	case dgmodel.CmpInSet:
		var items []json.RawMessage
		if !hasValue || json.Unmarshal(pred.ExpectedValue, &items) != nil {
			return rejectf(pred.Name, cmp, classes, "in_set requires an expected_value array of scalars")
		}
		for _, item := range items {
			if t := bytes.TrimSpace(item); len(t) > 0 && (t[0] == '[' || t[0] == '{') {
				return rejectf(pred.Name, cmp, classes, "in_set requires an expected_value array of scalars")
			}
		}
		return nil
	default:
		if !hasValue {
			return rejectf(pred.Name, cmp, classes, "comparator requires an expected_value")
		}
		return nil
	}
}

func rejectf(predicateName string, cmp dgmodel.Comparator, classes map[capreg.TypeClass]bool, reason string) error {
	return dgerr.NewInvalidParams(fmt.Sprintf(
		"predicate %q: comparator %q incompatible with type class(es) %v: %s",
		predicateName, cmp, classKeys(classes), reason,
	))
}

func classKeys(m map[capreg.TypeClass]bool) []capreg.TypeClass {
	out := make([]capreg.TypeClass, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// ValidateScenario runs Validate over every predicate in a scenario
// spec and additionally checks that every gate's requirement tree is
// acyclic and references only declared predicates.
func ValidateScenario(spec dgmodel.ScenarioSpec, schemas map[string]capreg.Schema, opts Options) error {
	for _, pred := range spec.Predicates {
		schema, ok := schemas[pred.Name]
		if !ok {
			schema = capreg.Schema{} // dynamic: classified as ClassDynamic, matrix permits broadly
		}
		if err := Validate(pred, schema, opts); err != nil {
			return err
		}
	}
	for _, stage := range spec.Stages {
		for _, gate := range stage.Gates {
			if err := checkAcyclicAndKnown(gate.Requirement, spec, map[string]bool{}); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkAcyclicAndKnown(req dgmodel.Requirement, spec dgmodel.ScenarioSpec, visiting map[string]bool) error {
	if req.Kind == dgmodel.ReqLeaf {
		if _, ok := spec.PredicateByName(req.Predicate); !ok {
			return dgerr.NewInvalidParams(fmt.Sprintf("gate requirement references unknown predicate %q", req.Predicate))
		}
		return nil
	}
	for _, child := range req.Children {
		if err := checkAcyclicAndKnown(child, spec, visiting); err != nil {
			return err
		}
	}
	return nil
}
