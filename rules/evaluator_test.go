package rules

import "testing"

func boolPtr(b bool) *bool { return &b }
func strPtr(s string) *string { return &s }

func TestEvaluate_EqualsRuleProducesMajorFinding(t *testing.T) {
	doc := &Document{
		RuleSetName:    "PV",
		RuleSetVersion: "v2",
		Rules: []Rule{
			{
				RuleId:      "r1",
				QuestionKey: "7",
				NonCompliantWhen: NonCompliantWhen{
					Op:              "equals",
					Value:           strPtr("Bolt-on"),
					CaseInsensitive: boolPtr(true),
				},
				Finding: FindingSpec{
					Severity:              "Major",
					Code:                  "PV-7-BO",
					Message:               "Bolt-on not permitted",
					MajorNonCompliantText: strPtr("Installation must not be bolt-on."),
				},
			},
		},
		Scoring: Scoring{
			OutcomeRules: []OutcomeRule{
				{When: OutcomeWhen{MajorCountGte: intPtr(1)}, Outcome: "Fail"},
				{When: OutcomeWhen{Always: boolPtr(true)}, Outcome: "Pass"},
			},
			ScoreValue: ScoreValueSpec{From: "outcome", Type: "text"},
		},
	}

	res, err := Evaluate(doc, map[string]string{"7": "Bolt-on"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(res.Findings))
	}
	if res.MajorCount != 1 || res.MinorCount != 0 {
		t.Fatalf("expected majorCount=1 minorCount=0, got major=%d minor=%d", res.MajorCount, res.MinorCount)
	}
	if res.Outcome != "Fail" {
		t.Fatalf("expected outcome Fail, got %q", res.Outcome)
	}
	if res.ScoreValue == nil || *res.ScoreValue != "Fail" {
		t.Fatalf("expected scoreValue Fail, got %v", res.ScoreValue)
	}
	if res.Findings[0].MajorNonCompliantText == nil || *res.Findings[0].MajorNonCompliantText != "Installation must not be bolt-on." {
		t.Fatalf("expected majorNonCompliantText populated")
	}
}

func intPtr(n int) *int { return &n }

func TestEvaluate_DisabledRuleSkipped(t *testing.T) {
	doc := &Document{
		Rules: []Rule{
			{
				RuleId:           "r1",
				QuestionKey:      "1",
				Enabled:          boolPtr(false),
				NonCompliantWhen: NonCompliantWhen{Op: "missing"},
				Finding:          FindingSpec{Severity: "Minor"},
			},
		},
		Scoring: Scoring{
			OutcomeRules: []OutcomeRule{{When: OutcomeWhen{Always: boolPtr(true)}, Outcome: "Pass"}},
			ScoreValue:   ScoreValueSpec{From: "outcome", Type: "text"},
		},
	}

	res, err := Evaluate(doc, map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Findings) != 0 {
		t.Fatalf("expected no findings for disabled rule, got %d", len(res.Findings))
	}
}

func TestEvaluate_MissingOperator(t *testing.T) {
	doc := &Document{
		Rules: []Rule{
			{RuleId: "r1", QuestionKey: "1", NonCompliantWhen: NonCompliantWhen{Op: "missing"}, Finding: FindingSpec{Severity: "Minor"}},
		},
		Scoring: Scoring{
			OutcomeRules: []OutcomeRule{{When: OutcomeWhen{Always: boolPtr(true)}, Outcome: "Pass"}},
			ScoreValue:   ScoreValueSpec{From: "outcome", Type: "text"},
		},
	}

	tests := []struct {
		name     string
		answers  map[string]string
		wantFind bool
	}{
		{"absent key", map[string]string{}, true},
		{"empty string", map[string]string{"1": ""}, true},
		{"present", map[string]string{"1": "yes"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Evaluate(doc, tt.answers)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (len(res.Findings) > 0) != tt.wantFind {
				t.Fatalf("expected finding=%v, got findings=%d", tt.wantFind, len(res.Findings))
			}
		})
	}
}

func TestEvaluate_UnrecognisedOperator(t *testing.T) {
	doc := &Document{
		Rules: []Rule{
			{RuleId: "r1", QuestionKey: "1", NonCompliantWhen: NonCompliantWhen{Op: "regex"}, Finding: FindingSpec{Severity: "Minor"}},
		},
		Scoring: Scoring{
			OutcomeRules: []OutcomeRule{{When: OutcomeWhen{Always: boolPtr(true)}, Outcome: "Pass"}},
			ScoreValue:   ScoreValueSpec{From: "outcome", Type: "text"},
		},
	}
	_, err := Evaluate(doc, map[string]string{"1": "x"})
	if err == nil {
		t.Fatalf("expected BadRuleError for unrecognised operator")
	}
	if _, ok := err.(*BadRuleError); !ok {
		t.Fatalf("expected *BadRuleError, got %T", err)
	}
}

func TestEvaluate_OutcomeDefaultsUnknown(t *testing.T) {
	doc := &Document{
		Rules: []Rule{},
		Scoring: Scoring{
			OutcomeRules: []OutcomeRule{{When: OutcomeWhen{MajorCountGte: intPtr(5)}, Outcome: "Fail"}},
			ScoreValue:   ScoreValueSpec{From: "outcome", Type: "text"},
		},
	}
	res, err := Evaluate(doc, map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != "Unknown" {
		t.Fatalf("expected Unknown outcome, got %q", res.Outcome)
	}
}

func TestEvaluate_ScoreValueFromFixed(t *testing.T) {
	doc := &Document{
		Rules: []Rule{},
		Scoring: Scoring{
			OutcomeRules: []OutcomeRule{{When: OutcomeWhen{Always: boolPtr(true)}, Outcome: "Pass"}},
			ScoreValue:   ScoreValueSpec{From: "fixed", FixedValue: strPtr("42")},
		},
	}
	res, err := Evaluate(doc, map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ScoreValue == nil || *res.ScoreValue != "42" {
		t.Fatalf("expected fixed scoreValue 42, got %v", res.ScoreValue)
	}
}

func TestEvaluate_ScoreValueNumericEchoesOutcomeVerbatim(t *testing.T) {
	doc := &Document{
		Rules: []Rule{
			{RuleId: "r1", QuestionKey: "1", NonCompliantWhen: NonCompliantWhen{Op: "missing"}, Finding: FindingSpec{Severity: "Major"}},
		},
		Scoring: Scoring{
			OutcomeRules: []OutcomeRule{{When: OutcomeWhen{Always: boolPtr(true)}, Outcome: "70"}},
			ScoreValue:   ScoreValueSpec{From: "outcome", Type: "numeric"},
		},
	}

	res, err := Evaluate(doc, map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ScoreValue == nil || *res.ScoreValue != "70" {
		t.Fatalf("expected the pre-validated numeric outcome to be echoed verbatim, got %v", res.ScoreValue)
	}
}

func TestEvaluate_ScoreValueNumericBehavesLikeText(t *testing.T) {
	doc := &Document{
		Rules: []Rule{},
		Scoring: Scoring{
			OutcomeRules: []OutcomeRule{{When: OutcomeWhen{Always: boolPtr(true)}, Outcome: "0"}},
			ScoreValue:   ScoreValueSpec{From: "outcome", Type: "numeric"},
		},
	}

	res, err := Evaluate(doc, map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ScoreValue == nil || *res.ScoreValue != "0" {
		t.Fatalf("expected scoreValue to echo outcome regardless of type, got %v", res.ScoreValue)
	}
}

func TestEvaluate_InOperator(t *testing.T) {
	doc := &Document{
		Rules: []Rule{
			{
				RuleId:           "r1",
				QuestionKey:      "2",
				NonCompliantWhen: NonCompliantWhen{Op: "in", Values: []string{"A", "B"}},
				Finding:          FindingSpec{Severity: "Minor", MinorNonCompliantText: strPtr("bad")},
			},
		},
		Scoring: Scoring{
			OutcomeRules: []OutcomeRule{{When: OutcomeWhen{Always: boolPtr(true)}, Outcome: "Pass"}},
			ScoreValue:   ScoreValueSpec{From: "outcome", Type: "text"},
		},
	}

	res, err := Evaluate(doc, map[string]string{"2": "B"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Findings) != 1 || res.MinorCount != 1 {
		t.Fatalf("expected 1 minor finding, got findings=%d minor=%d", len(res.Findings), res.MinorCount)
	}
}
