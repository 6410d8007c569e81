// Package score evaluates a report's answers against its resolved
// rule set and persists findings plus an upserted score row.
package score

import (
	"context"
	"fmt"
	"time"

	"github.com/goaudits/pipeline/models"
	"github.com/goaudits/pipeline/rules"
	"github.com/goaudits/pipeline/store"
	"gorm.io/gorm"
)

// Eligible reports whether the answer map is non-empty and contains
// at least one key in the rule document's eligibility set.
func Eligible(answers map[string]string, doc *rules.Document) bool {
	if len(answers) == 0 {
		return false
	}
	keys := doc.EligibilityKeys()
	for k := range answers {
		if _, ok := keys[k]; ok {
			return true
		}
	}
	return false
}

// Outcome is returned by Commit: whether the item was newly scored or
// already processed, and the evaluator result for counter reporting.
type Outcome struct {
	AlreadyProcessed bool
	Result           rules.Result
}

// Commit inserts the scoring ledger entry first; on duplicate, it
// commits nothing and reports alreadyProcessed. Otherwise it
// evaluates the rules, inserts findings (coalescing text on
// duplicate), and upserts the Score row. DryRun checks the ledger
// with a SELECT instead of writing anything.
func Commit(ctx context.Context, st *store.Store, now time.Time, runId, reportId string, doc *rules.Document, answers map[string]string, dryRun bool) (Outcome, error) {
	itemKey := store.ItemKey(reportId, doc.RuleSetName, doc.RuleSetVersion)

	if dryRun {
		already, err := st.CheckProcessed(ctx, models.JobNameScoring, itemKey)
		if err != nil {
			return Outcome{}, fmt.Errorf("score commit %s/%s/%s: %w", reportId, doc.RuleSetName, doc.RuleSetVersion, err)
		}
		if already {
			return Outcome{AlreadyProcessed: true}, nil
		}
		result, err := rules.Evaluate(doc, answers)
		if err != nil {
			return Outcome{}, fmt.Errorf("score commit %s/%s/%s: %w", reportId, doc.RuleSetName, doc.RuleSetVersion, err)
		}
		return Outcome{Result: result}, nil
	}

	var out Outcome
	err := st.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := st.TryMarkProcessed(tx, models.JobNameScoring, itemKey, runId)
		if err != nil {
			return err
		}
		if !ok {
			out.AlreadyProcessed = true
			return nil
		}

		result, err := rules.Evaluate(doc, answers)
		if err != nil {
			return err
		}
		out.Result = result

		for _, f := range result.Findings {
			row := models.Finding{
				ReportId:       reportId,
				RuleSetName:    doc.RuleSetName,
				RuleSetVersion: doc.RuleSetVersion,
				QuestionKey:    f.QuestionKey,
				AnswerValue:    f.AnswerValue,
				Severity:       f.Severity,
				FindingCode:    f.FindingCode,
				ScoreRunId:     runId,
			}
			if f.Severity == models.SeverityMajor {
				row.MajorNonCompliantText = f.MajorNonCompliantText
			}
			if f.Severity == models.SeverityMinor {
				row.MinorNonCompliantText = f.MinorNonCompliantText
			}
			if err := st.InsertFindingOrCoalesceText(tx, row); err != nil {
				return err
			}
		}

		return st.UpsertScore(tx, models.Score{
			ReportId:       reportId,
			RuleSetName:    doc.RuleSetName,
			RuleSetVersion: doc.RuleSetVersion,
			MajorCount:     result.MajorCount,
			MinorCount:     result.MinorCount,
			ScoreValue:     result.ScoreValue,
			Outcome:        result.Outcome,
			ScoreRunId:     runId,
			ScoredAt:       now,
		})
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("score commit %s/%s/%s: %w", reportId, doc.RuleSetName, doc.RuleSetVersion, err)
	}
	return out, nil
}
