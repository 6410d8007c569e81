package ingest

import (
	"encoding/json"
	"testing"
	"time"
)

func rawJSON(t *testing.T, m map[string]interface{}) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %v: %v", v, err)
		}
		out[k] = b
	}
	return out
}

func TestExtractItem_MissingReportIdDropped(t *testing.T) {
	_, ok := ExtractItem(rawJSON(t, map[string]interface{}{"Updated_On": "2026-01-02 03:04:05"}))
	if ok {
		t.Fatalf("expected drop when reportId missing")
	}
}

func TestExtractItem_MissingCompletedAtDropped(t *testing.T) {
	_, ok := ExtractItem(rawJSON(t, map[string]interface{}{"ID": "r1"}))
	if ok {
		t.Fatalf("expected drop when completedAt unparseable")
	}
}

func TestExtractItem_UpdatedOnPreferredOverFallback(t *testing.T) {
	item, ok := ExtractItem(rawJSON(t, map[string]interface{}{
		"reportId":   "r1",
		"Updated_On": "2026-01-02 03:04:05",
		"EndTime":    "2020-01-01",
	}))
	if !ok {
		t.Fatalf("expected extraction to succeed")
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !item.CompletedAt.Equal(want) {
		t.Fatalf("got completedAt %v, want %v", item.CompletedAt, want)
	}
}

func TestExtractItem_FallbackDate(t *testing.T) {
	item, ok := ExtractItem(rawJSON(t, map[string]interface{}{
		"audit_id": "r2",
		"Date":     "2026-03-04",
	}))
	if !ok {
		t.Fatalf("expected extraction to succeed")
	}
	want := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	if !item.CompletedAt.Equal(want) {
		t.Fatalf("got completedAt %v, want %v", item.CompletedAt, want)
	}
}

func TestExtractItem_CertificateAlias(t *testing.T) {
	item, ok := ExtractItem(rawJSON(t, map[string]interface{}{
		"id":                    "r3",
		"Date":                  "2026-03-04",
		"MCSCertificateNumber":  "MCS-123",
	}))
	if !ok {
		t.Fatalf("expected extraction to succeed")
	}
	if item.CertificationNumber != "MCS-123" {
		t.Fatalf("got cert %q, want MCS-123", item.CertificationNumber)
	}
}

func day(d int) time.Time {
	return time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestSelectBatch_BoundsAndSort(t *testing.T) {
	items := []Item{
		{ReportId: "a", CompletedAt: day(1)},
		{ReportId: "b", CompletedAt: day(3)},
		{ReportId: "c", CompletedAt: day(2)},
		{ReportId: "d", CompletedAt: day(5)},
	}
	lower := day(1)
	upper := day(4)
	got := SelectBatch(items, lower, &upper, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 items within bounds, got %d", len(got))
	}
	if got[0].ReportId != "c" || got[1].ReportId != "b" {
		t.Fatalf("expected sorted order [c,b], got [%s,%s]", got[0].ReportId, got[1].ReportId)
	}
}

func TestSelectBatch_TieExpansion(t *testing.T) {
	items := []Item{
		{ReportId: "a", CompletedAt: day(1)},
		{ReportId: "b", CompletedAt: day(2)},
		{ReportId: "c", CompletedAt: day(2)},
		{ReportId: "d", CompletedAt: day(3)},
	}
	got := SelectBatch(items, day(0), nil, 2)
	if len(got) != 3 {
		t.Fatalf("expected tie expansion to include both day(2) items, got %d items: %+v", len(got), got)
	}
	ids := map[string]bool{}
	for _, it := range got {
		ids[it.ReportId] = true
	}
	if !ids["a"] || !ids["b"] || !ids["c"] {
		t.Fatalf("expected a,b,c selected, got %v", got)
	}
}

func TestSelectBatch_LowerBoundExclusive(t *testing.T) {
	items := []Item{{ReportId: "a", CompletedAt: day(1)}}
	got := SelectBatch(items, day(1), nil, 10)
	if len(got) != 0 {
		t.Fatalf("expected item exactly at lowerBound to be excluded, got %d", len(got))
	}
}
