// Package ops maintains the operation identifier registry: the bidirectional
// alias ↔ canonical mapping and the per-operation object-store policy.
//
// Both tables are plain data, initialized once at process start. The policy
// table lives next to the canonical table on purpose: adding an operation
// without deciding its object-store policy is a compile-visible omission,
// not a silent default.
package ops

import (
	"sort"
)

// ObjPolicy controls whether the object store receives a copy of a record.
type ObjPolicy string

const (
	PolicyRequired ObjPolicy = "required" // Obj failure degrades the overall write
	PolicyOptional ObjPolicy = "optional" // Obj failure is logged only
	PolicyNone     ObjPolicy = "none"     // no Obj copy
)

// canonical maps each canonical operation id to its object-store policy.
var canonical = map[string]ObjPolicy{
	"trustCheckIn":        PolicyOptional,
	"somaticSession":      PolicyOptional,
	"mediaWisdom":         PolicyOptional,
	"patternRecognition":  PolicyRequired,
	"standingTall":        PolicyOptional,
	"wisdomSynthesis":     PolicyRequired,
	"dreamInterpretation": PolicyOptional,
	"energyOptimization":  PolicyOptional,
	"values":              PolicyOptional,
	"creativity":          PolicyOptional,
	"abundance":           PolicyOptional,
	"transitions":         PolicyOptional,
	"ancestry":            PolicyOptional,
	"ritual":              PolicyOptional,
	"autoSuggestRitual":   PolicyNone,
	"sessionInit":         PolicyNone,
	"feedback":            PolicyOptional,
	"insight":             PolicyRequired,
	"dailySynthesis":      PolicyRequired,
	"discoveryInquiry":    PolicyOptional,
	"systemHealthCheck":   PolicyNone,
}

// aliases maps legacy and alternate spellings to canonical ids.
var aliases = map[string]string{
	// legacy snake_case surface
	"trust_check_in":          "trustCheckIn",
	"somatic_healing_session": "somaticSession",
	"media_wisdom_extract":    "mediaWisdom",
	"pattern_recognition":     "patternRecognition",
	"standing_tall_practice":  "standingTall",
	"wisdom_synthesis":        "wisdomSynthesis",
	"dream_interpretation":    "dreamInterpretation",
	"energy_optimization":     "energyOptimization",
	"session_init":            "sessionInit",
	"daily_synthesis":         "dailySynthesis",
	"discovery_inquiry":       "discoveryInquiry",
	"system_health_check":     "systemHealthCheck",
	// short forms used by early clients
	"trust":    "trustCheckIn",
	"somatic":  "somaticSession",
	"media":    "mediaWisdom",
	"patterns": "patternRecognition",
	"standing": "standingTall",
	"wisdom":   "wisdomSynthesis",
	"dreams":   "dreamInterpretation",
	"energy":   "energyOptimization",
}

// ToCanonical resolves s to its canonical form. Canonical inputs pass
// through, known aliases resolve, and anything else is returned unchanged
// with known=false so the write path can count it. It never rejects.
func ToCanonical(s string) (string, bool) {
	if _, ok := canonical[s]; ok {
		return s, true
	}
	if c, ok := aliases[s]; ok {
		return c, true
	}
	return s, false
}

// Known reports whether s is a canonical id or a registered alias.
func Known(s string) bool {
	_, ok := ToCanonical(s)
	return ok
}

// Policy returns the object-store policy for an operation. Unknown
// operations get PolicyNone: nothing unvetted lands in the object store.
func Policy(op string) ObjPolicy {
	c, _ := ToCanonical(op)
	if p, ok := canonical[c]; ok {
		return p
	}
	return PolicyNone
}

// AllCanonical returns the sorted set of canonical operation ids.
func AllCanonical() []string {
	out := make([]string, 0, len(canonical))
	for op := range canonical {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// AllAliases returns the sorted set of registered aliases.
func AllAliases() []string {
	out := make([]string, 0, len(aliases))
	for a := range aliases {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
