// Package comparator implements the decimal-aware, tri-state
// comparator evaluation at the heart of gate predicates: a single
// (evidence_value, comparator, expected_value) triple in, a Tri out.
// Any operation over mismatched shapes yields Unknown, never an error —
// only the strict validator (internal/strictval) rejects shape
// mismatches, and only at authoring time.
package comparator

import (
	"bytes"
	"encoding/json"
	"math/big"
	"time"

	"github.com/marcus-qen/decisiongate/internal/dgmodel"
)

// Evaluate compares evidence against expected under comparator, using
// Kleene-compatible tri-state results: Unknown on any type mismatch or
// unparsable input, never an error.
func Evaluate(cmp dgmodel.Comparator, evidence json.RawMessage, expected json.RawMessage) dgmodel.Tri {
	switch cmp {
	case dgmodel.CmpExists:
		if len(evidence) == 0 || string(evidence) == "null" {
			return dgmodel.False
		}
		return dgmodel.True
	case dgmodel.CmpNotExists:
		return dgmodel.Not(Evaluate(dgmodel.CmpExists, evidence, expected))
	case dgmodel.CmpEquals:
		return boolTri(jsonDeepEqual(evidence, expected))
	case dgmodel.CmpNotEquals:
		return dgmodel.Not(Evaluate(dgmodel.CmpEquals, evidence, expected))
	case dgmodel.CmpGreaterThan, dgmodel.CmpGreaterThanOrEq, dgmodel.CmpLessThan, dgmodel.CmpLessThanOrEq:
		return evaluateOrdering(cmp, evidence, expected)
	case dgmodel.CmpLexGreaterThan:
		return evaluateLex(evidence, expected, true)
	case dgmodel.CmpLexLessThan:
		return evaluateLex(evidence, expected, false)
	case dgmodel.CmpContains:
		return evaluateContains(evidence, expected)
	case dgmodel.CmpInSet:
		return evaluateInSet(evidence, expected)
	case dgmodel.CmpDeepEquals:
		return boolTri(jsonDeepEqual(evidence, expected))
	case dgmodel.CmpDeepNotEquals:
		return dgmodel.Not(Evaluate(dgmodel.CmpDeepEquals, evidence, expected))
	default:
		return dgmodel.Unknown
	}
}

func boolTri(b bool) dgmodel.Tri {
	if b {
		return dgmodel.True
	}
	return dgmodel.False
}

// decodeScalar attempts to decode raw as a string, number (as
// *big.Float), or bool. Returns ok=false for arrays/objects/null.
func decodeScalar(raw json.RawMessage) (any, bool) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, false
	}
	switch v := generic.(type) {
	case string:
		return v, true
	case bool:
		return v, true
	case json.Number:
		f, _, err := big.ParseFloat(string(v), 10, 200, big.ToNearestEven)
		if err != nil {
			return nil, false
		}
		return f, true
	default:
		return nil, false
	}
}

func evaluateOrdering(cmp dgmodel.Comparator, evidence, expected json.RawMessage) dgmodel.Tri {
	ev, eok := decodeScalar(evidence)
	ex, xok := decodeScalar(expected)
	if !eok || !xok {
		return dgmodel.Unknown
	}

	// Try numeric comparison first.
	evF, evIsNum := ev.(*big.Float)
	exF, exIsNum := ex.(*big.Float)
	if evIsNum && exIsNum {
		return orderingTri(cmp, evF.Cmp(exF))
	}

	// Fall back to RFC3339 instant comparison for date/date-time strings.
	evS, evIsStr := ev.(string)
	exS, exIsStr := ex.(string)
	if evIsStr && exIsStr {
		evT, err1 := parseRFC3339Ish(evS)
		exT, err2 := parseRFC3339Ish(exS)
		if err1 == nil && err2 == nil {
			return orderingTri(cmp, compareTime(evT, exT))
		}
	}

	return dgmodel.Unknown
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

func parseRFC3339Ish(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func orderingTri(cmp dgmodel.Comparator, sign int) dgmodel.Tri {
	switch cmp {
	case dgmodel.CmpGreaterThan:
		return boolTri(sign > 0)
	case dgmodel.CmpGreaterThanOrEq:
		return boolTri(sign >= 0)
	case dgmodel.CmpLessThan:
		return boolTri(sign < 0)
	case dgmodel.CmpLessThanOrEq:
		return boolTri(sign <= 0)
	default:
		return dgmodel.Unknown
	}
}

func evaluateLex(evidence, expected json.RawMessage, greater bool) dgmodel.Tri {
	ev, eok := decodeScalar(evidence)
	ex, xok := decodeScalar(expected)
	if !eok || !xok {
		return dgmodel.Unknown
	}
	evS, evOK := ev.(string)
	exS, exOK := ex.(string)
	if !evOK || !exOK {
		return dgmodel.Unknown
	}
	if greater {
		return boolTri(evS > exS)
	}
	return boolTri(evS < exS)
}

func evaluateContains(evidence, expected json.RawMessage) dgmodel.Tri {
	// String contains substring.
	evS, evIsStr := decodeJSONString(evidence)
	exS, exIsStr := decodeJSONString(expected)
	if evIsStr && exIsStr {
		return boolTri(contains(evS, exS))
	}

	// Array contains element (by deep equality).
	var arr []json.RawMessage
	if err := json.Unmarshal(evidence, &arr); err == nil {
		for _, elem := range arr {
			if jsonDeepEqual(elem, expected) {
				return dgmodel.True
			}
		}
		return dgmodel.False
	}

	return dgmodel.Unknown
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	if m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if haystack[i:i+m] == needle {
			return i
		}
	}
	return -1
}

func decodeJSONString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// evaluateInSet requires evidence to be a scalar and expected to be an
// array of scalars. A literal JSON null in evidence only matches if
// null is explicitly present in the expected set — this is an Open
// Question the original spec leaves unresolved, decided here in favor
// of not guessing.
func evaluateInSet(evidence, expected json.RawMessage) dgmodel.Tri {
	var rawSet []json.RawMessage
	if err := json.Unmarshal(expected, &rawSet); err != nil {
		return dgmodel.Unknown
	}

	if string(evidence) == "null" || len(evidence) == 0 {
		for _, elem := range rawSet {
			if string(elem) == "null" {
				return dgmodel.True
			}
		}
		return dgmodel.False
	}

	ev, ok := decodeScalar(evidence)
	if !ok {
		return dgmodel.Unknown
	}
	for _, elem := range rawSet {
		ex, ok := decodeScalar(elem)
		if !ok {
			continue
		}
		if scalarEqual(ev, ex) {
			return dgmodel.True
		}
	}
	return dgmodel.False
}

func scalarEqual(a, b any) bool {
	switch av := a.(type) {
	case *big.Float:
		bv, ok := b.(*big.Float)
		return ok && av.Cmp(bv) == 0
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

// jsonDeepEqual decodes both sides with UseNumber so that numeric
// tokens compare as big.Float rather than float64 — the same
// arbitrary-precision path decodeScalar uses for ordering/lex
// comparators, applied here so equals/deep_equals don't silently lose
// precision on integers beyond 2^53 or exact-decimal values.
func jsonDeepEqual(a, b json.RawMessage) bool {
	va, err := decodeWithNumber(a)
	if err != nil {
		return false
	}
	vb, err := decodeWithNumber(b)
	if err != nil {
		return false
	}
	return deepEqualValue(va, vb)
}

func decodeWithNumber(raw json.RawMessage) (any, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func deepEqualValue(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqualValue(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	case json.Number:
		bv, ok := b.(json.Number)
		if !ok {
			return false
		}
		af, _, err1 := big.ParseFloat(string(av), 10, 200, big.ToNearestEven)
		bf, _, err2 := big.ParseFloat(string(bv), 10, 200, big.ToNearestEven)
		if err1 != nil || err2 != nil {
			return false
		}
		return af.Cmp(bf) == 0
	default:
		return a == b
	}
}
