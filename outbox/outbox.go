// Package outbox derives pending notification rows from newly scored
// reports joined with installation/installer lookups. Idempotent via
// a NOT EXISTS sub-query against existing outbox rows; this package
// only materialises the outbox, sending is handled elsewhere.
package outbox

import (
	"context"

	"github.com/goaudits/pipeline/models"
	"github.com/goaudits/pipeline/sqlgw"
	"gorm.io/gorm"
)

type Scope string

const (
	ScopeAll   Scope = "all"
	ScopeBatch Scope = "batch"
)

// templateNames maps (ruleSetName, ruleSetVersion) to the outbound
// notification template, mirroring the ruleset version map's shape.
var templateNames = map[string]string{
	"PV|v2":       "pv-audit-outcome-v2",
	"HeatPump|v3": "heatpump-audit-outcome-v3",
}

func templateFor(name, version string) string {
	if t, ok := templateNames[name+"|"+version]; ok {
		return t
	}
	return "generic-audit-outcome"
}

// Counts is the tuple Materialise returns.
type Counts struct {
	Inserted         int
	SkippedAlreadyExists int
	MissingRecipient int
}

// candidate is the join projection of Score + Installation + Installer
// for one not-yet-materialised item.
type candidate struct {
	ReportId          string
	RuleSetName       string
	RuleSetVersion    string
	CertificationNumber string
	RecipientEmail    string
	CompanyName       string
}

// Materialise inserts one Pending outbox row per (reportId, name,
// version) that has a Score and no existing outbox row. scope ==
// ScopeBatch restricts the candidate set to reportIds; ScopeAll
// considers every scored report.
func Materialise(ctx context.Context, db *gorm.DB, scope Scope, reportIds []string) (Counts, error) {
	var candidates []candidate

	q := db.WithContext(ctx).
		Table("scores AS s").
		Select(`s.report_id AS report_id, s.rule_set_name AS rule_set_name, s.rule_set_version AS rule_set_version,
			r.certification_number AS certification_number, i.recipient_email AS recipient_email, inst.company_name AS company_name`).
		Joins("JOIN reports r ON r.report_id = s.report_id").
		Joins("LEFT JOIN installations inst ON inst.report_id = s.report_id").
		Joins("LEFT JOIN installers i ON i.installer_id = inst.installer_id").
		Where(`NOT EXISTS (
			SELECT 1 FROM outbox_entries o
			WHERE o.report_id = s.report_id AND o.rule_set_name = s.rule_set_name AND o.rule_set_version = s.rule_set_version
		)`)

	if scope == ScopeBatch {
		if len(reportIds) == 0 {
			return Counts{}, nil
		}
		q = q.Where("s.report_id IN ?", reportIds)
	}

	if err := q.Find(&candidates).Error; err != nil {
		return Counts{}, err
	}

	existing := db.WithContext(ctx).
		Table("scores AS s").
		Where(`EXISTS (
			SELECT 1 FROM outbox_entries o
			WHERE o.report_id = s.report_id AND o.rule_set_name = s.rule_set_name AND o.rule_set_version = s.rule_set_version
		)`)
	if scope == ScopeBatch {
		existing = existing.Where("s.report_id IN ?", reportIds)
	}
	var alreadyExists int64
	if err := existing.Count(&alreadyExists).Error; err != nil {
		return Counts{}, err
	}

	out := Counts{SkippedAlreadyExists: int(alreadyExists)}
	for _, c := range candidates {
		entry := models.OutboxEntry{
			ReportId:          c.ReportId,
			RuleSetName:       c.RuleSetName,
			RuleSetVersion:    c.RuleSetVersion,
			CertificateNumber: c.CertificationNumber,
			RecipientEmail:    c.RecipientEmail,
			CompanyName:       c.CompanyName,
			TemplateName:      templateFor(c.RuleSetName, c.RuleSetVersion),
			Status:            models.OutboxStatusPending,
		}

		err := db.WithContext(ctx).Create(&entry).Error
		if err != nil {
			if sqlgw.IsDuplicateKey(err) {
				out.SkippedAlreadyExists++
				continue
			}
			return out, err
		}
		out.Inserted++
		if c.RecipientEmail == "" {
			out.MissingRecipient++
		}
	}
	return out, nil
}
