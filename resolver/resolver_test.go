package resolver

import (
	"os"
	"testing"
)

func TestResolveByMetadata(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]string
		want    string
		wantOk  bool
	}{
		{"pv via ruleset field", map[string]string{"ruleset": "Solar PV"}, "PV", true},
		{"heatpump via technology field", map[string]string{"Technology": "Air Source Heat Pump"}, "HeatPump", true},
		{"hp abbreviation", map[string]string{"assessment": "HP install"}, "HeatPump", true},
		{"no match", map[string]string{"template": "generic"}, "", false},
		{"unrelated key ignored", map[string]string{"notes": "pv mentioned here"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResolveByMetadata(tt.fields)
			if ok != tt.wantOk || got != tt.want {
				t.Fatalf("ResolveByMetadata(%v) = (%q, %v), want (%q, %v)", tt.fields, got, ok, tt.want, tt.wantOk)
			}
		})
	}
}

func TestResolveByOverlap(t *testing.T) {
	sets := EligibilitySet{
		"PV":       {"1": {}, "2": {}, "3": {}},
		"HeatPump": {"1": {}, "4": {}},
	}

	t.Run("clear winner", func(t *testing.T) {
		observed := map[string]struct{}{"1": {}, "2": {}, "3": {}}
		name, ok := ResolveByOverlap(observed, sets)
		if !ok || name != "PV" {
			t.Fatalf("got (%q, %v), want (PV, true)", name, ok)
		}
	})

	t.Run("tie leaves unresolved", func(t *testing.T) {
		observed := map[string]struct{}{"1": {}}
		_, ok := ResolveByOverlap(observed, sets)
		if ok {
			t.Fatalf("expected tie to leave report unresolved")
		}
	})

	t.Run("no overlap", func(t *testing.T) {
		observed := map[string]struct{}{"99": {}}
		_, ok := ResolveByOverlap(observed, sets)
		if ok {
			t.Fatalf("expected no match for zero overlap")
		}
	})
}

func TestDefaultVersionMap(t *testing.T) {
	vm := DefaultVersionMap()
	if vm["PV"] != "v2" || vm["HeatPump"] != "v3" {
		t.Fatalf("unexpected default version map: %v", vm)
	}
}

func TestLoadVersionMap_DefaultsWhenUnset(t *testing.T) {
	os.Unsetenv("RULESET_MAP_JSON")
	vm, err := LoadVersionMap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vm["PV"] != "v2" || vm["HeatPump"] != "v3" {
		t.Fatalf("expected default version map, got %v", vm)
	}
}

func TestLoadVersionMap_OverrideFromEnv(t *testing.T) {
	os.Setenv("RULESET_MAP_JSON", `{"PV":"v9"}`)
	defer os.Unsetenv("RULESET_MAP_JSON")

	vm, err := LoadVersionMap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vm["PV"] != "v9" {
		t.Fatalf("expected override version v9, got %v", vm)
	}
	if _, ok := vm["HeatPump"]; ok {
		t.Fatalf("expected override to replace the map entirely, not merge with defaults")
	}
}

func TestLoadVersionMap_MalformedJSONErrors(t *testing.T) {
	os.Setenv("RULESET_MAP_JSON", `not json`)
	defer os.Unsetenv("RULESET_MAP_JSON")

	if _, err := LoadVersionMap(); err == nil {
		t.Fatalf("expected an error for malformed RULESET_MAP_JSON")
	}
}
