package main

import (
	"encoding/json"

	"github.com/marcus-qen/decisiongate/internal/capreg"
)

func rawType(t string) json.RawMessage { return json.RawMessage(`"` + t + `"`) }

// builtinContracts describes the capability-registry contracts for
// the three built-in evidence providers every deployment carries —
// time, env, and json — so scenarios referencing them pass
// strictval's schema/comparator checks at define time instead of only
// failing at query time.
func builtinContracts() []capreg.ProviderContract {
	return []capreg.ProviderContract{
		{
			ProviderID: "time",
			IsBuiltin:  true,
			Predicates: []capreg.PredicateContract{
				{
					Name:               "now",
					ParamsSchema:       capreg.Schema{},
					ResultSchema:       capreg.Schema{Type: rawType("object")},
					AllowedComparators: []string{"exists", "not_exists", "equals", "not_equals", "greater_than", "greater_than_or_equal", "less_than", "less_than_or_equal"},
				},
			},
		},
		{
			ProviderID: "env",
			IsBuiltin:  true,
			Predicates: []capreg.PredicateContract{
				{
					Name:               "get",
					ParamsSchema:       capreg.Schema{Type: rawType("object")},
					ResultSchema:       capreg.Schema{Type: rawType("string"), Nullable: true},
					AllowedComparators: []string{"exists", "not_exists", "equals", "not_equals", "contains", "in_set"},
				},
			},
		},
		{
			ProviderID: "json",
			IsBuiltin:  true,
			Predicates: []capreg.PredicateContract{
				{
					Name:               "get",
					ParamsSchema:       capreg.Schema{Type: rawType("object")},
					ResultSchema:       capreg.Schema{},
					AllowedComparators: []string{"exists", "not_exists", "equals", "not_equals", "deep_equals", "deep_not_equals", "contains", "in_set"},
				},
			},
		},
	}
}
