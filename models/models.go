// Package models holds the GORM row types persisted by the pipeline's
// State Store: PascalCase Go fields, explicit gorm tags, and
// autoCreateTime/autoUpdateTime timestamps throughout.
package models

import "time"

const (
	RunStatusRunning   = "Running"
	RunStatusSucceeded = "Succeeded"
	RunStatusFailed    = "Failed"
)

const (
	SeverityMajor = "Major"
	SeverityMinor = "Minor"
)

const (
	OutboxStatusPending = "Pending"
)

// JobName identifies which stage a Watermark/LedgerEntry belongs to.
const (
	JobNameIngestion   = "GoAuditsIngestion"
	JobNameEnrichment  = "GoAuditsEnrichment"
	JobNameScoring     = "GoAuditsScoring"
)

// Watermark tracks the greatest completedAt whose report has been
// ingested for a given job. Upserted by Ingest; never deleted.
type Watermark struct {
	JobName   string    `gorm:"primary_key;size:100" json:"job_name"`
	UtcInstant time.Time `gorm:"not null" json:"utc_instant"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// RunRecord is the append-only run history row. Inserted Running at
// start, updated exactly once at the end.
type RunRecord struct {
	RunId         string     `gorm:"primary_key;size:36" json:"run_id"`
	JobName       string     `gorm:"index;size:100;not null" json:"job_name"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	Message       string     `gorm:"size:4000" json:"message"`
	CorrelationId string     `gorm:"size:36" json:"correlation_id"`
	StartedAt     time.Time  `gorm:"not null" json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
}

// LedgerEntry is the sole synchronisation mechanism for per-item
// idempotency: its primary-key collision is what makes duplicate
// processing a no-op rather than an error.
type LedgerEntry struct {
	JobName     string    `gorm:"primary_key;size:100" json:"job_name"`
	ItemKey     string    `gorm:"primary_key;size:512" json:"item_key"`
	RunId       string    `gorm:"size:36;not null" json:"run_id"`
	ProcessedAt time.Time `gorm:"autoCreateTime" json:"processed_at"`
}

// Report is inserted by Ingest. Certification number is filled in at
// most once by Enrich, only while still empty.
type Report struct {
	ReportId            string    `gorm:"primary_key;size:128" json:"report_id"`
	CompletedAt         time.Time `gorm:"not null;index" json:"completed_at"`
	CertificationNumber string    `gorm:"size:100" json:"certification_number"`
	IngestRunId         string    `gorm:"size:36;not null" json:"ingest_run_id"`
	RuleSetName         string    `gorm:"size:100" json:"rule_set_name"`
	TechnologyType      string    `gorm:"size:100" json:"technology_type"`
	AssessmentType      string    `gorm:"size:100" json:"assessment_type"`
	TemplateName        string    `gorm:"size:100" json:"template_name"`
}

// ReportAnswer is inserted by Enrich. Duplicate (ReportId, QuestionKey)
// is ignored; rows are immutable thereafter.
type ReportAnswer struct {
	ReportId     string `gorm:"primary_key;size:128" json:"report_id"`
	QuestionKey  string `gorm:"primary_key;size:256" json:"question_key"`
	AnswerValue  string `gorm:"size:4000" json:"answer_value"`
	Section      string `gorm:"size:200" json:"section"`
	QuestionText string `gorm:"size:1000" json:"question_text"`
	EnrichRunId  string `gorm:"size:36;not null" json:"enrich_run_id"`
}

// Finding is inserted when a rule evaluates to non-compliant. On
// duplicate key only the severity-specific text column may be
// back-filled via coalesce.
type Finding struct {
	ReportId              string    `gorm:"primary_key;size:128" json:"report_id"`
	RuleSetName           string    `gorm:"primary_key;size:100" json:"rule_set_name"`
	RuleSetVersion        string    `gorm:"primary_key;size:20" json:"rule_set_version"`
	QuestionKey           string    `gorm:"primary_key;size:256" json:"question_key"`
	AnswerValue           string    `gorm:"size:4000" json:"answer_value"`
	Severity              string    `gorm:"size:10;not null" json:"severity"`
	FindingCode           string    `gorm:"size:100" json:"finding_code"`
	MajorNonCompliantText *string   `gorm:"type:text" json:"major_non_compliant_text"`
	MinorNonCompliantText *string   `gorm:"type:text" json:"minor_non_compliant_text"`
	ScoreRunId            string    `gorm:"size:36;not null" json:"score_run_id"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Score is the roll-up record for a (reportId, ruleSetName, version).
// Upserted: insert on first scoring; overwritten on duplicate.
type Score struct {
	ReportId       string    `gorm:"primary_key;size:128" json:"report_id"`
	RuleSetName    string    `gorm:"primary_key;size:100" json:"rule_set_name"`
	RuleSetVersion string    `gorm:"primary_key;size:20" json:"rule_set_version"`
	MajorCount     int       `gorm:"not null" json:"major_count"`
	MinorCount     int       `gorm:"not null" json:"minor_count"`
	ScoreValue     *string   `gorm:"size:100" json:"score_value"`
	Outcome        string    `gorm:"size:100;not null" json:"outcome"`
	ScoreRunId     string    `gorm:"size:36;not null" json:"score_run_id"`
	ScoredAt       time.Time `gorm:"not null" json:"scored_at"`
}

// OutboxEntry is inserted by the Materialiser: one row per
// (reportId, ruleSetName, version) that has a Score and no existing
// outbox row. Sending is external.
type OutboxEntry struct {
	ID                uint      `gorm:"primary_key" json:"id"`
	ReportId          string    `gorm:"uniqueIndex:idx_outbox_item,priority:1;size:128;not null" json:"report_id"`
	RuleSetName       string    `gorm:"uniqueIndex:idx_outbox_item,priority:2;size:100;not null" json:"rule_set_name"`
	RuleSetVersion    string    `gorm:"uniqueIndex:idx_outbox_item,priority:3;size:20;not null" json:"rule_set_version"`
	CertificateNumber string    `gorm:"size:100" json:"certificate_number"`
	RecipientEmail    string    `gorm:"size:255" json:"recipient_email"`
	CompanyName       string    `gorm:"size:255" json:"company_name"`
	TemplateName      string    `gorm:"size:100;not null" json:"template_name"`
	Status            string    `gorm:"size:20;not null" json:"status"`
	AttemptCount      int       `gorm:"not null;default:0" json:"attempt_count"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Installation and Installer are external-domain tables the
// Materialiser reads but the core never writes; they belong to the
// unrelated installer-proximity system named in as an external
// collaborator. Declared here only so the Materialiser can join
// against them through the same Gateway.
type Installation struct {
	ReportId      string `gorm:"primary_key;size:128" json:"report_id"`
	InstallerId   string `gorm:"index;size:128" json:"installer_id"`
	CompanyName   string `gorm:"size:255" json:"company_name"`
}

type Installer struct {
	InstallerId    string `gorm:"primary_key;size:128" json:"installer_id"`
	RecipientEmail string `gorm:"size:255" json:"recipient_email"`
}

// MigrateTable runs a single AutoMigrate call across every table this
// repo owns. Excluding a migration framework does not forbid
// idempotent AutoMigrate bootstrapping of a fresh database.
func MigrateTable(db autoMigrator) error {
	return db.AutoMigrate(
		&Watermark{},
		&RunRecord{},
		&LedgerEntry{},
		&Report{},
		&ReportAnswer{},
		&Finding{},
		&Score{},
		&OutboxEntry{},
	)
}

type autoMigrator interface {
	AutoMigrate(dst ...interface{}) error
}
