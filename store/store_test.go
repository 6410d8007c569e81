package store_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/goaudits/pipeline/models"
	"github.com/goaudits/pipeline/sqlgw"
	"github.com/goaudits/pipeline/store"
	"github.com/goaudits/pipeline/utils"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Integration test harness: requires Docker (a MySQL instance reachable via
// TEST_MYSQL_DSN). Run with:
//
//	INTEGRATION_TESTS=1 TEST_MYSQL_DSN="user:pass@tcp(127.0.0.1:3306)/goaudits_test?parseTime=true" go test ./store -v
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Fatal("TEST_MYSQL_DSN must be set when INTEGRATION_TESTS=1")
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func TestTryMarkProcessed_SecondCallIsNoOp(t *testing.T) {
	db := openTestDB(t)
	st := store.New(sqlgw.New(db))
	ctx := context.Background()

	jobName := "TestJob-" + uuid.NewString()
	itemKey := "item-1"

	var firstOk, secondOk bool
	err := db.Transaction(func(tx *gorm.DB) error {
		ok, err := st.TryMarkProcessed(tx, jobName, itemKey, uuid.NewString())
		firstOk = ok
		return err
	})
	if err != nil {
		t.Fatalf("first TryMarkProcessed: %v", err)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		ok, err := st.TryMarkProcessed(tx, jobName, itemKey, uuid.NewString())
		secondOk = ok
		return err
	})
	if err != nil {
		t.Fatalf("second TryMarkProcessed: %v", err)
	}

	if !firstOk {
		t.Fatalf("expected first call to win the race")
	}
	if secondOk {
		t.Fatalf("expected second call to report already processed")
	}

	alreadyProcessed, err := st.CheckProcessed(ctx, jobName, itemKey)
	if err != nil {
		t.Fatalf("CheckProcessed: %v", err)
	}
	if !alreadyProcessed {
		t.Fatalf("expected CheckProcessed to report true after commit")
	}
}

func TestWatermark_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	st := store.New(sqlgw.New(db))
	ctx := context.Background()

	jobName := "TestWatermark-" + uuid.NewString()

	_, exists, err := st.GetWatermark(ctx, jobName)
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if exists {
		t.Fatalf("expected no watermark for a fresh job name")
	}

	instant := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := st.UpsertWatermark(ctx, jobName, instant); err != nil {
		t.Fatalf("UpsertWatermark: %v", err)
	}

	got, exists, err := st.GetWatermark(ctx, jobName)
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if !exists || !got.Equal(instant) {
		t.Fatalf("got (%v, %v), want (%v, true)", got, exists, instant)
	}

	advanced := instant.Add(24 * time.Hour)
	if err := st.UpsertWatermark(ctx, jobName, advanced); err != nil {
		t.Fatalf("UpsertWatermark (advance): %v", err)
	}
	got, _, err = st.GetWatermark(ctx, jobName)
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if !got.Equal(advanced) {
		t.Fatalf("expected watermark to advance to %v, got %v", advanced, got)
	}
}

func TestInsertFindingOrCoalesceText_OnlyBackfillsEmptyColumn(t *testing.T) {
	db := openTestDB(t)
	st := store.New(sqlgw.New(db))

	reportId := "report-" + uuid.NewString()
	if err := db.Create(&models.Report{ReportId: reportId, CompletedAt: time.Now().UTC(), IngestRunId: uuid.NewString()}).Error; err != nil {
		t.Fatalf("seed report: %v", err)
	}

	first := models.Finding{
		ReportId: reportId, RuleSetName: "PV", RuleSetVersion: "v2", QuestionKey: "7",
		AnswerValue: "Bolt-on", Severity: models.SeverityMajor, FindingCode: "PV-7-BO",
		MajorNonCompliantText: strPtr("first text"),
	}
	if err := st.InsertFindingOrCoalesceText(db, first); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	dup := first
	dup.MajorNonCompliantText = strPtr("second text, should not win")
	if err := st.InsertFindingOrCoalesceText(db, dup); err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}

	var saved models.Finding
	if err := db.Where("report_id = ? AND rule_set_name = ? AND rule_set_version = ? AND question_key = ?",
		reportId, "PV", "v2", "7").First(&saved).Error; err != nil {
		t.Fatalf("reload finding: %v", err)
	}
	if saved.MajorNonCompliantText == nil || *saved.MajorNonCompliantText != "first text" {
		t.Fatalf("expected the first-written text to survive, got %v", saved.MajorNonCompliantText)
	}
}

func TestLoadReportMetadata_UnknownReportReturnsSentinel(t *testing.T) {
	db := openTestDB(t)
	st := store.New(sqlgw.New(db))
	ctx := context.Background()

	probe, err := store.ProbeSchema(ctx, db)
	if err != nil {
		t.Fatalf("probe schema: %v", err)
	}

	_, err = st.LoadReportMetadata(ctx, probe, "report-"+uuid.NewString())
	if err != utils.ErrorRecordNotFound {
		t.Fatalf("expected utils.ErrorRecordNotFound, got %v", err)
	}
}

func strPtr(s string) *string { return &s }
