// Package ingest extracts eligible items from the remote summary
// payload, selects a batch with tie expansion, and commits each item
// transactionally against the ledger before advancing the watermark.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goaudits/pipeline/models"
	"github.com/goaudits/pipeline/store"
	"gorm.io/gorm"
)

// Item is the minimal typed extraction from one opaque summary
// record, plus the preserved raw bag needed for downstream
// ruleset-resolver heuristics.
type Item struct {
	ReportId            string
	CompletedAt         time.Time
	CertificationNumber string
	Raw                 map[string]json.RawMessage
}

var idAliases = []string{"ID", "Id", "auditId", "audit_id", "id", "reportId", "report_id"}
var certAliases = []string{"CertificateNumber", "certificate_number", "MCSCertificateNumber", "mcs_certificate_number", "CertNumber", "cert_number"}

// ExtractItem pulls the typed fields out of one raw summary record.
// ok=false means the record is missing reportId or a parseable
// completedAt and must be dropped.
func ExtractItem(raw map[string]json.RawMessage) (Item, bool) {
	reportId, ok := firstNonNullString(raw, idAliases)
	if !ok {
		return Item{}, false
	}

	completedAt, ok := extractCompletedAt(raw)
	if !ok {
		return Item{}, false
	}

	cert, _ := firstNonNullString(raw, certAliases)

	return Item{
		ReportId:            reportId,
		CompletedAt:         completedAt,
		CertificationNumber: cert,
		Raw:                 raw,
	}, true
}

func firstNonNullString(raw map[string]json.RawMessage, aliases []string) (string, bool) {
	for _, key := range aliases {
		v, present := raw[key]
		if !present || string(v) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && s != "" {
			return s, true
		}
	}
	return "", false
}

func extractCompletedAt(raw map[string]json.RawMessage) (time.Time, bool) {
	if v, present := raw["Updated_On"]; present {
		var s string
		if err := json.Unmarshal(v, &s); err == nil && s != "" {
			if t, ok := parseUpdatedOn(s); ok {
				return t, true
			}
		}
	}
	for _, key := range []string{"EndTime", "Date"} {
		if v, present := raw[key]; present {
			var s string
			if err := json.Unmarshal(v, &s); err == nil && s != "" {
				if t, ok := parseFallbackDate(s); ok {
					return t, true
				}
			}
		}
	}
	return time.Time{}, false
}

// parseUpdatedOn parses an "Updated_On"-style timestamp as UTC by
// inserting T between date and time and appending Z.
func parseUpdatedOn(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	normalized := strings.Replace(s, " ", "T", 1) + "Z"
	t, err := time.Parse(time.RFC3339, normalized)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func parseFallbackDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	layouts := []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// SelectBatch drops items outside (lowerBound, upperBound], sorts by
// (completedAt, reportId), takes the first batchSize, then extends to
// include every item tied on completedAt with the last selected item.
func SelectBatch(items []Item, lowerBound time.Time, upperBound *time.Time, batchSize int) []Item {
	eligible := make([]Item, 0, len(items))
	for _, it := range items {
		if !it.CompletedAt.After(lowerBound) {
			continue
		}
		if upperBound != nil && it.CompletedAt.After(*upperBound) {
			continue
		}
		eligible = append(eligible, it)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].CompletedAt.Equal(eligible[j].CompletedAt) {
			return eligible[i].CompletedAt.Before(eligible[j].CompletedAt)
		}
		return eligible[i].ReportId < eligible[j].ReportId
	})

	if len(eligible) <= batchSize {
		return eligible
	}

	cut := batchSize
	tieInstant := eligible[cut-1].CompletedAt
	for cut < len(eligible) && eligible[cut].CompletedAt.Equal(tieInstant) {
		cut++
	}
	return eligible[:cut]
}

// Result is returned by Run: per-run counters plus the maximum
// committed completedAt, used to advance the watermark.
type Result struct {
	Selected         int
	Ingested         int
	AlreadyProcessed int
	Failed           int
	MaxCompletedAt   time.Time
	AnyFailure       bool
}

// Run commits the selected batch item-by-item, each in its own
// transaction: insert ledger, insert report; a ledger collision counts
// as alreadyProcessed with no report write. DryRun checks the ledger
// with a SELECT instead of inserting.
func Run(ctx context.Context, st *store.Store, runId string, batch []Item, dryRun bool) (Result, error) {
	res := Result{Selected: len(batch)}

	for _, item := range batch {
		itemKey := item.ReportId
		committed, err := commitItem(ctx, st, runId, item, itemKey, dryRun)
		if err != nil {
			res.Failed++
			res.AnyFailure = true
			continue
		}
		if committed == commitAlready {
			res.AlreadyProcessed++
		} else {
			res.Ingested++
		}
		if item.CompletedAt.After(res.MaxCompletedAt) {
			res.MaxCompletedAt = item.CompletedAt
		}
	}
	return res, nil
}

type commitOutcome int

const (
	commitNew commitOutcome = iota
	commitAlready
)

func commitItem(ctx context.Context, st *store.Store, runId string, item Item, itemKey string, dryRun bool) (commitOutcome, error) {
	if dryRun {
		already, err := st.CheckProcessed(ctx, models.JobNameIngestion, itemKey)
		if err != nil {
			return commitNew, err
		}
		if already {
			return commitAlready, nil
		}
		return commitNew, nil
	}

	outcome := commitNew
	err := st.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := st.TryMarkProcessed(tx, models.JobNameIngestion, itemKey, runId)
		if err != nil {
			return err
		}
		if !ok {
			outcome = commitAlready
			return nil
		}
		return st.InsertReport(tx, models.Report{
			ReportId:            item.ReportId,
			CompletedAt:         item.CompletedAt,
			CertificationNumber: item.CertificationNumber,
			IngestRunId:         runId,
		})
	})
	if err != nil {
		return commitNew, fmt.Errorf("ingest commit %s: %w", item.ReportId, err)
	}
	return outcome, nil
}
