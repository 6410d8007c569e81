// Package resolver determines which (name, version) rule set applies
// to a report from its metadata, the fields of a raw payload record,
// or question-key overlap.
package resolver

import (
	"encoding/json"
	"os"
	"strings"
)

// VersionMap maps a resolved ruleset name to its applicable version.
// Defaults to {"PV":"v2","HeatPump":"v3"}, overridable via
// RULESET_MAP_JSON.
type VersionMap map[string]string

func DefaultVersionMap() VersionMap {
	return VersionMap{"PV": "v2", "HeatPump": "v3"}
}

func LoadVersionMap() (VersionMap, error) {
	raw := strings.TrimSpace(os.Getenv("RULESET_MAP_JSON"))
	if raw == "" {
		return DefaultVersionMap(), nil
	}
	var m VersionMap
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// metadataKeys are the report-metadata and payload-record field names
// scanned, case-insensitively, for heuristic name matching.
var metadataKeys = []string{"ruleset", "technology", "assessment", "template"}

// ResolveByMetadata scans the given key/value bag's metadataKeys for
// substrings identifying PV or HeatPump. fields may be report
// metadata or a details-payload row.
func ResolveByMetadata(fields map[string]string) (name string, ok bool) {
	for _, key := range metadataKeys {
		for k, v := range fields {
			if !strings.EqualFold(k, key) {
				continue
			}
			if n, matched := matchName(v); matched {
				return n, true
			}
		}
	}
	return "", false
}

func matchName(value string) (string, bool) {
	v := strings.ToLower(value)
	switch {
	case strings.Contains(v, "pv"), strings.Contains(v, "photovoltaic"), strings.Contains(v, "solar"):
		return "PV", true
	case strings.Contains(v, "heat pump"), strings.Contains(v, "heatpump"), strings.Contains(v, "hp"):
		return "HeatPump", true
	default:
		return "", false
	}
}

// EligibilitySet is the per-ruleset declared question-key set produced
// by rules.Document.EligibilityKeys, keyed by ruleset name, used by
// ResolveByOverlap's overlap computation.
type EligibilitySet map[string]map[string]struct{}

// ResolveByOverlap picks the ruleset whose eligibility keys overlap
// observedKeys the most, provided the count is strictly greater than
// every other ruleset's; a tie leaves the report unresolved.
func ResolveByOverlap(observedKeys map[string]struct{}, sets EligibilitySet) (name string, ok bool) {
	bestCount := -1
	bestName := ""
	tie := false

	for rulesetName, keys := range sets {
		count := 0
		for k := range observedKeys {
			if _, present := keys[k]; present {
				count++
			}
		}
		switch {
		case count > bestCount:
			bestCount = count
			bestName = rulesetName
			tie = false
		case count == bestCount && count > 0:
			tie = true
		}
	}

	if bestCount <= 0 || tie {
		return "", false
	}
	return bestName, true
}
