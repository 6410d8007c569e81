// Package store wraps the SQL gateway with the domain-specific
// operations every stage calls. Ledger, answer, and finding inserts
// lean on sqlgw.IsDuplicateKey to translate a primary-key collision
// into a no-op rather than propagating it as an error; watermark and
// score rows are upserted with ON CONFLICT, and a duplicate report
// insert is returned as an error.
package store

import (
	"context"
	"time"

	"github.com/goaudits/pipeline/models"
	"github.com/goaudits/pipeline/sqlgw"
	"github.com/goaudits/pipeline/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	gw *sqlgw.Gateway
}

func New(gw *sqlgw.Gateway) *Store {
	return &Store{gw: gw}
}

// WithTx runs fn inside a transaction scoped to ctx, committing on a
// nil return and rolling back otherwise. Ingest, Enrich, and Score
// all commit their per-item work through this rather than opening a
// transaction against a raw *gorm.DB themselves.
func (s *Store) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.gw.WithTx(ctx, fn)
}

// GetWatermark returns the job's watermark instant, or the Unix epoch
// with exists=false if no row exists yet.
func (s *Store) GetWatermark(ctx context.Context, jobName string) (time.Time, bool, error) {
	var wm models.Watermark
	err := s.gw.DB.WithContext(ctx).Where("job_name = ?", jobName).First(&wm).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return time.Unix(0, 0).UTC(), false, nil
		}
		return time.Time{}, false, err
	}
	return wm.UtcInstant, true, nil
}

// UpsertWatermark advances the watermark for jobName to instant.
func (s *Store) UpsertWatermark(ctx context.Context, jobName string, instant time.Time) error {
	wm := models.Watermark{JobName: jobName, UtcInstant: instant}
	return s.gw.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"utc_instant", "updated_at"}),
	}).Create(&wm).Error
}

// InsertRun inserts a new RunRecord with status Running.
func (s *Store) InsertRun(ctx context.Context, runId, jobName, correlationId string, startedAt time.Time) error {
	run := models.RunRecord{
		RunId:         runId,
		JobName:       jobName,
		Status:        models.RunStatusRunning,
		CorrelationId: correlationId,
		StartedAt:     startedAt,
	}
	return s.gw.DB.WithContext(ctx).Create(&run).Error
}

// FinishRun updates the single terminal state of a run.
func (s *Store) FinishRun(ctx context.Context, runId, status, message string, completedAt time.Time) error {
	if len(message) > 4000 {
		message = message[:4000]
	}
	return s.gw.DB.WithContext(ctx).Model(&models.RunRecord{}).
		Where("run_id = ?", runId).
		Updates(map[string]interface{}{
			"status":       status,
			"message":      message,
			"completed_at": completedAt,
		}).Error
}

// ItemKey joins the parts of a ledger item key with the same
// delimiter scoring keys use (reportId|name|version).
func ItemKey(parts ...string) string {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += "|"
		}
		key += p
	}
	return key
}

// TryMarkProcessed inserts a ledger row for (jobName, itemKey) inside
// tx. ok=true means this call won the race and the caller should
// proceed; ok=false (alreadyProcessed) means another run already
// committed this item and the caller must do nothing further.
func (s *Store) TryMarkProcessed(tx *gorm.DB, jobName, itemKey, runId string) (ok bool, err error) {
	entry := models.LedgerEntry{JobName: jobName, ItemKey: itemKey, RunId: runId}
	err = tx.Create(&entry).Error
	if err == nil {
		return true, nil
	}
	if sqlgw.IsDuplicateKey(err) {
		return false, nil
	}
	return false, err
}

// CheckProcessed is the dry-run equivalent of TryMarkProcessed: it
// performs a SELECT rather than an INSERT, so a dry run can report
// what would have happened without mutating the ledger.
func (s *Store) CheckProcessed(ctx context.Context, jobName, itemKey string) (alreadyProcessed bool, err error) {
	var count int64
	err = s.gw.DB.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("job_name = ? AND item_key = ?", jobName, itemKey).
		Count(&count).Error
	return count > 0, err
}

// InsertReport inserts a new Report row inside tx.
func (s *Store) InsertReport(tx *gorm.DB, report models.Report) error {
	return tx.Create(&report).Error
}

// UpdateReportCertIfEmpty sets CertificationNumber only when it is
// currently empty: the certificate is written at most once, by Enrich.
func (s *Store) UpdateReportCertIfEmpty(tx *gorm.DB, reportId, cert string) error {
	return tx.Model(&models.Report{}).
		Where("report_id = ? AND (certification_number IS NULL OR certification_number = '')", reportId).
		Update("certification_number", cert).Error
}

// InsertAnswerIfAbsent inserts a ReportAnswer, silently ignoring a
// duplicate (reportId, questionKey) key.
func (s *Store) InsertAnswerIfAbsent(tx *gorm.DB, answer models.ReportAnswer) error {
	err := tx.Create(&answer).Error
	if err != nil && sqlgw.IsDuplicateKey(err) {
		return nil
	}
	return err
}

// InsertFindingOrCoalesceText inserts a Finding; on a duplicate
// primary key it runs a coalescing update that only populates the
// severity-specific text column when currently NULL, never touching
// any other column.
func (s *Store) InsertFindingOrCoalesceText(tx *gorm.DB, f models.Finding) error {
	err := tx.Create(&f).Error
	if err == nil {
		return nil
	}
	if !sqlgw.IsDuplicateKey(err) {
		return err
	}

	where := tx.Model(&models.Finding{}).Where(
		"report_id = ? AND rule_set_name = ? AND rule_set_version = ? AND question_key = ?",
		f.ReportId, f.RuleSetName, f.RuleSetVersion, f.QuestionKey,
	)
	switch f.Severity {
	case models.SeverityMajor:
		return where.Where("major_non_compliant_text IS NULL").
			Update("major_non_compliant_text", f.MajorNonCompliantText).Error
	case models.SeverityMinor:
		return where.Where("minor_non_compliant_text IS NULL").
			Update("minor_non_compliant_text", f.MinorNonCompliantText).Error
	default:
		return nil
	}
}

// UpsertScore inserts on first scoring; on duplicate, overwrites all
// counts, score value, outcome, runId, and scoredAt.
func (s *Store) UpsertScore(tx *gorm.DB, score models.Score) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "report_id"}, {Name: "rule_set_name"}, {Name: "rule_set_version"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"major_count", "minor_count", "score_value", "outcome", "score_run_id", "scored_at",
		}),
	}).Create(&score).Error
}

// LoadAnswers reads the persisted answer map for reportId.
func (s *Store) LoadAnswers(ctx context.Context, reportId string) (map[string]string, error) {
	var rows []models.ReportAnswer
	if err := s.gw.DB.WithContext(ctx).Where("report_id = ?", reportId).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.QuestionKey] = r.AnswerValue
	}
	return out, nil
}

// ReportMetadata is the tolerant projection returned by
// LoadReportMetadata: only columns that survived the once-per-run
// schema probe are populated.
type ReportMetadata struct {
	ReportId            string
	CertificationNumber string
	RuleSetName         string
	TechnologyType      string
	AssessmentType      string
	TemplateName        string
}

// optionalColumns is probed once per run (see SchemaProbe) because
// the schema may predate some of these optional metadata columns.
var optionalColumns = []string{"rule_set_name", "technology_type", "assessment_type", "template_name"}

// SchemaProbe records which optional Report columns actually exist on
// this database, so LoadReportMetadata can build a SELECT that never
// references a missing column.
type SchemaProbe struct {
	present map[string]bool
}

func ProbeSchema(ctx context.Context, db *gorm.DB) (*SchemaProbe, error) {
	present := make(map[string]bool, len(optionalColumns))
	migrator := db.Migrator()
	for _, col := range optionalColumns {
		present[col] = migrator.HasColumn(&models.Report{}, col)
	}
	return &SchemaProbe{present: present}, nil
}

func (s *Store) LoadReportMetadata(ctx context.Context, probe *SchemaProbe, reportId string) (ReportMetadata, error) {
	cols := []string{"report_id", "certification_number"}
	for _, c := range optionalColumns {
		if probe.present[c] {
			cols = append(cols, c)
		}
	}

	var row models.Report
	err := s.gw.DB.WithContext(ctx).Select(cols).Where("report_id = ?", reportId).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return ReportMetadata{}, utils.ErrorRecordNotFound
		}
		return ReportMetadata{}, err
	}
	return ReportMetadata{
		ReportId:            row.ReportId,
		CertificationNumber: row.CertificationNumber,
		RuleSetName:         row.RuleSetName,
		TechnologyType:      row.TechnologyType,
		AssessmentType:      row.AssessmentType,
		TemplateName:        row.TemplateName,
	}, nil
}
