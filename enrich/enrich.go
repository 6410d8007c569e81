// Package enrich fetches per-report details, extracts the
// certificate and answers, and persists them transactionally.
package enrich

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/goaudits/pipeline/errs"
	"github.com/goaudits/pipeline/models"
	"github.com/goaudits/pipeline/store"
	"gorm.io/gorm"
)

// DetailRow is one row of the remote details response, kept as a
// loosely-typed bag rather than a fixed struct since the remote API
// may add keys beyond those this package relies on.
type DetailRow map[string]json.RawMessage

func rowString(row DetailRow, key string) (string, bool) {
	v, present := row[key]
	if !present || string(v) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

var certQuestionPattern = regexp.MustCompile(`(?i)certificate number`)

// ExtractCertificate returns the first Detail row with QUESTION_ID
// "1" or a Question matching /certificate number/i, trimmed and
// truncated to 100 chars.
func ExtractCertificate(details []DetailRow) string {
	for _, row := range details {
		recordType, _ := rowString(row, "RecordType")
		if recordType != "Detail" {
			continue
		}
		questionId, _ := rowString(row, "QUESTION_ID")
		question, _ := rowString(row, "Question")
		if questionId == "1" || certQuestionPattern.MatchString(question) {
			answer, _ := rowString(row, "Answer")
			return truncate(strings.TrimSpace(answer), 100)
		}
	}
	return ""
}

// Answer is one extracted question/answer pair, ready for persistence.
type Answer struct {
	QuestionKey  string
	AnswerValue  string
	Section      string
	QuestionText string
}

// ExtractAnswers derives a questionKey, answerValue, section and
// questionText per Detail row, deduplicating by questionKey and
// keeping the first occurrence.
func ExtractAnswers(details []DetailRow) []Answer {
	seen := make(map[string]struct{})
	var out []Answer

	for _, row := range details {
		recordType, _ := rowString(row, "RecordType")
		if recordType != "Detail" {
			continue
		}

		question, _ := rowString(row, "Question")
		key := questionKey(row, question)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		out = append(out, Answer{
			QuestionKey:  key,
			AnswerValue:  answerValue(row),
			Section:      section(row),
			QuestionText: truncate(strings.TrimSpace(question), 1000),
		})
	}
	return out
}

func questionKey(row DetailRow, question string) string {
	if id, ok := rowString(row, "QUESTION_ID"); ok {
		id = strings.TrimSpace(id)
		if id != "" {
			return id
		}
	}
	return deriveQuestionKey(question)
}

// deriveQuestionKey lowercases, collapses whitespace to single
// spaces, trims, replaces non-[a-z0-9] runs with "_", and trims "_";
// if longer than 256 chars it suffixes with "_" and the first 40 hex
// chars of its SHA-1 so the total length stays <= 256 and the key
// remains stable across runs.
func deriveQuestionKey(question string) string {
	lower := strings.ToLower(question)
	collapsed := collapseWhitespace(lower)
	trimmed := strings.TrimSpace(collapsed)

	var b strings.Builder
	inRun := false
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			inRun = false
		} else if !inRun {
			b.WriteByte('_')
			inRun = true
		}
	}
	key := strings.Trim(b.String(), "_")

	if len(key) > 256 {
		sum := sha1.Sum([]byte(key))
		suffix := "_" + hex.EncodeToString(sum[:])[:40]
		cut := 256 - len(suffix)
		if cut < 0 {
			cut = 0
		}
		key = key[:cut] + suffix
	}
	return key
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	prevSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !prevSpace {
				b.WriteByte(' ')
			}
			prevSpace = true
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

func answerValue(row DetailRow) string {
	raw, present := row["Answer"]
	if !present || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return truncate(s, 4000)
	}
	// Structured value: re-serialise as JSON text.
	return truncate(string(raw), 4000)
}

func section(row DetailRow) string {
	sectionVal, _ := rowString(row, "Section")
	sectionVal = strings.TrimSpace(sectionVal)
	groupName, hasGroup := rowString(row, "GroupName")
	groupName = strings.TrimSpace(groupName)
	if hasGroup && groupName != "" && !strings.EqualFold(groupName, "N/A") {
		if sectionVal != "" {
			sectionVal = sectionVal + " | " + groupName
		} else {
			sectionVal = groupName
		}
	}
	return truncate(sectionVal, 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Outcome is returned by Commit: the persisted answer/cert state used
// for the orchestrator's counters.
type Outcome struct {
	AnswersInserted int
	CertMissing     bool
}

// Commit runs, inside one transaction: conditionally update the
// cert, insert answers (ignoring duplicate keys), re-read the answer
// count and current cert, and — if any answers exist — insert the
// enrichment ledger entry (ignoring duplicate) and flag certMissing
// if the cert is still empty. DryRun checks the ledger with a SELECT
// instead of writing anything.
func Commit(ctx context.Context, st *store.Store, runId, reportId string, cert string, answers []Answer, dryRun bool) (Outcome, error) {
	if dryRun {
		if _, err := st.CheckProcessed(ctx, models.JobNameEnrichment, reportId); err != nil {
			return Outcome{}, fmt.Errorf("enrich commit %s: %w", reportId, err)
		}
		return Outcome{AnswersInserted: len(answers)}, nil
	}

	var out Outcome
	err := st.WithTx(ctx, func(tx *gorm.DB) error {
		if cert != "" {
			if err := st.UpdateReportCertIfEmpty(tx, reportId, cert); err != nil {
				return err
			}
		}

		for _, a := range answers {
			err := st.InsertAnswerIfAbsent(tx, models.ReportAnswer{
				ReportId:     reportId,
				QuestionKey:  a.QuestionKey,
				AnswerValue:  a.AnswerValue,
				Section:      a.Section,
				QuestionText: a.QuestionText,
				EnrichRunId:  runId,
			})
			if err != nil {
				return err
			}
		}

		var count int64
		if err := tx.Model(&models.ReportAnswer{}).Where("report_id = ?", reportId).Count(&count).Error; err != nil {
			return err
		}

		var report models.Report
		if err := tx.Select("certification_number").Where("report_id = ?", reportId).First(&report).Error; err != nil {
			return err
		}

		out.AnswersInserted = int(count)
		if count > 0 {
			if _, err := st.TryMarkProcessed(tx, models.JobNameEnrichment, reportId, runId); err != nil {
				return err
			}
			if report.CertificationNumber == "" {
				out.CertMissing = true
			}
		}
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("enrich commit %s: %w", reportId, err)
	}
	return out, nil
}

// RequireDetailRows requires at least one Detail row, otherwise it
// returns a non-retryable per-item failure.
func RequireDetailRows(details []DetailRow) error {
	for _, row := range details {
		if rt, _ := rowString(row, "RecordType"); rt == "Detail" {
			return nil
		}
	}
	return errs.New(errs.MalformedResponse, fmt.Errorf("no Detail rows in response"))
}
