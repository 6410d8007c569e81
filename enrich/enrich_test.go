package enrich

import (
	"encoding/json"
	"strings"
	"testing"
)

func row(t *testing.T, m map[string]interface{}) DetailRow {
	t.Helper()
	out := DetailRow{}
	for k, v := range m {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %v: %v", v, err)
		}
		out[k] = b
	}
	return out
}

func TestExtractCertificate_ByQuestionId(t *testing.T) {
	details := []DetailRow{
		row(t, map[string]interface{}{"RecordType": "Detail", "QUESTION_ID": "1", "Question": "anything", "Answer": "  MCS-000111  "}),
	}
	got := ExtractCertificate(details)
	if got != "MCS-000111" {
		t.Fatalf("got %q, want MCS-000111", got)
	}
}

func TestExtractCertificate_ByQuestionText(t *testing.T) {
	details := []DetailRow{
		row(t, map[string]interface{}{"RecordType": "Detail", "QUESTION_ID": "42", "Question": "What is your Certificate Number?", "Answer": "ABC-1"}),
	}
	got := ExtractCertificate(details)
	if got != "ABC-1" {
		t.Fatalf("got %q, want ABC-1", got)
	}
}

func TestExtractCertificate_NoMatch(t *testing.T) {
	details := []DetailRow{
		row(t, map[string]interface{}{"RecordType": "Detail", "QUESTION_ID": "2", "Question": "unrelated", "Answer": "x"}),
	}
	if got := ExtractCertificate(details); got != "" {
		t.Fatalf("expected empty certificate, got %q", got)
	}
}

func TestExtractAnswers_DeduplicatesByQuestionKey(t *testing.T) {
	details := []DetailRow{
		row(t, map[string]interface{}{"RecordType": "Detail", "QUESTION_ID": "7", "Question": "Bolt-on?", "Answer": "Yes"}),
		row(t, map[string]interface{}{"RecordType": "Detail", "QUESTION_ID": "7", "Question": "Bolt-on?", "Answer": "Overwritten"}),
		row(t, map[string]interface{}{"RecordType": "Section", "QUESTION_ID": "8"}),
	}
	answers := ExtractAnswers(details)
	if len(answers) != 1 {
		t.Fatalf("expected 1 deduplicated answer, got %d", len(answers))
	}
	if answers[0].AnswerValue != "Yes" {
		t.Fatalf("expected first occurrence kept, got %q", answers[0].AnswerValue)
	}
}

func TestDeriveQuestionKey_NormalisesPunctuationAndCase(t *testing.T) {
	got := deriveQuestionKey("  Is this a Bolt-On Installation?!  ")
	want := "is_this_a_bolt_on_installation"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDeriveQuestionKey_StableAndBoundedForLongText(t *testing.T) {
	long := strings.Repeat("word ", 100)
	got := deriveQuestionKey(long)
	if len(got) > 256 {
		t.Fatalf("expected key length <= 256, got %d", len(got))
	}
	got2 := deriveQuestionKey(long)
	if got != got2 {
		t.Fatalf("expected deriveQuestionKey to be stable across calls: %q != %q", got, got2)
	}
}

func TestQuestionKey_PrefersExplicitQuestionId(t *testing.T) {
	r := row(t, map[string]interface{}{"QUESTION_ID": "99", "Question": "irrelevant text"})
	got := questionKey(r, "irrelevant text")
	if got != "99" {
		t.Fatalf("got %q, want 99", got)
	}
}
