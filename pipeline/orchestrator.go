package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goaudits/pipeline/clockrand"
	"github.com/goaudits/pipeline/enrich"
	"github.com/goaudits/pipeline/errs"
	"github.com/goaudits/pipeline/httpclient"
	"github.com/goaudits/pipeline/ingest"
	"github.com/goaudits/pipeline/models"
	"github.com/goaudits/pipeline/outbox"
	"github.com/goaudits/pipeline/resolver"
	"github.com/goaudits/pipeline/rules"
	"github.com/goaudits/pipeline/score"
	"github.com/goaudits/pipeline/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("goaudits-pipeline")

// Counters accumulate the run summary line printed at the end of a
// run ("Fetched=… Eligible=… Ingested=… DetailsProcessed=…
// ScoreProcessed=… EmailOutboxInserted=…").
type Counters struct {
	Fetched                 int
	Eligible                int
	Selected                int
	Ingested                int
	IngestAlreadyProcessed  int
	IngestFailed            int
	DetailsProcessed        int
	DetailsAlreadyProcessed int
	DetailsFailed           int
	ScoreProcessed          int
	ScoreAlreadyProcessed   int
	ScoreFailed             int
	SkippedNotEligible      int
	CertMissing             int
	EmailOutboxInserted     int
	EmailSkippedExists      int
	EmailMissingRecipient   int
}

func (c *Counters) summaryLine() string {
	return fmt.Sprintf(
		"Fetched=%d Eligible=%d Ingested=%d DetailsProcessed=%d ScoreProcessed=%d EmailOutboxInserted=%d",
		c.Fetched, c.Eligible, c.Ingested, c.DetailsProcessed, c.ScoreProcessed, c.EmailOutboxInserted,
	)
}

// Orchestrator binds every stage for one batch run.
type Orchestrator struct {
	DB         *gorm.DB
	Store      *store.Store
	HTTP       *httpclient.Client
	Clock      clockrand.Source
	RuleCache  *rules.Cache
	VersionMap resolver.VersionMap
	Token      string
	Log        *logrus.Logger
	Config     Config
}

// queueItem is one report awaiting enrich+resolve+score by the worker
// pool, carrying the report's raw summary record for the ruleset
// resolver. Answers are not carried; Score reloads them from the store.
type queueItem struct {
	reportId    string
	rawMetadata map[string]json.RawMessage
}

// Run executes one full batch: insert the run row, ingest, spawn the
// worker pool, optionally materialise the outbox, and finalise the
// run row. It never returns an error for per-item failures — only for
// a fatal auth failure, a failed summary fetch, a missing or malformed
// rule document, a store error outside the per-item transactions (run
// record, schema probe, watermark, outbox), or cancellation of ctx. On
// cancellation the run row is still finalised as Failed, best-effort.
func (o *Orchestrator) Run(ctx context.Context, jobName, correlationId string) (Counters, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("job_name", jobName),
		attribute.String("correlation_id", correlationId),
	))
	defer span.End()

	runId := newRunId()
	startedAt := o.Clock.Now()
	span.SetAttributes(attribute.String("run_id", runId))

	if !o.Config.DryRun {
		if err := o.Store.InsertRun(ctx, runId, jobName, correlationId, startedAt); err != nil {
			return Counters{}, fmt.Errorf("insert run record: %w", err)
		}
	}

	counters, err := o.runBatch(ctx, runId)
	if err == nil && ctx.Err() != nil {
		err = errs.New(errs.Unexpected, fmt.Errorf("cancelled by signal: %w", ctx.Err()))
	}
	status := models.RunStatusSucceeded
	message := counters.summaryLine()
	if err != nil {
		status = models.RunStatusFailed
		message = message + " | Error: " + err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.KindOf(err)))
	}
	span.SetAttributes(attribute.String("status", status))

	if !o.Config.DryRun {
		if ferr := o.Store.FinishRun(context.WithoutCancel(ctx), runId, status, message, o.Clock.Now()); ferr != nil {
			o.Log.WithFields(logrus.Fields{"module": "pipeline", "funcName": "Run", "runId": runId}).
				Errorf("failed to finalise run record: %v", ferr)
		}
	}

	return counters, err
}

func newRunId() string {
	return uuid.NewString()
}

func (o *Orchestrator) runBatch(ctx context.Context, runId string) (Counters, error) {
	var counters Counters

	probe, err := store.ProbeSchema(ctx, o.DB)
	if err != nil {
		return counters, errs.New(errs.Configuration, fmt.Errorf("schema probe: %w", err))
	}

	watermark, _, err := o.Store.GetWatermark(ctx, models.JobNameIngestion)
	if err != nil {
		return counters, errs.New(errs.Unexpected, fmt.Errorf("read watermark: %w", err))
	}
	lowerBound := watermark
	if o.Config.StartDate != nil && o.Config.StartDate.After(lowerBound) {
		lowerBound = *o.Config.StartDate
	}

	summaryRaw, err := o.fetchSummary(ctx)
	if err != nil {
		return counters, err
	}
	counters.Fetched = len(summaryRaw)

	items := make([]ingest.Item, 0, len(summaryRaw))
	rawById := make(map[string]map[string]json.RawMessage, len(summaryRaw))
	for _, raw := range summaryRaw {
		var bag map[string]json.RawMessage
		if err := json.Unmarshal(raw, &bag); err != nil {
			continue
		}
		item, ok := ingest.ExtractItem(bag)
		if !ok {
			continue
		}
		items = append(items, item)
		rawById[item.ReportId] = bag
	}
	counters.Eligible = len(items)

	batch := ingest.SelectBatch(items, lowerBound, o.Config.EndDate, o.Config.BatchSize)
	counters.Selected = len(batch)

	ingestResult, err := ingest.Run(ctx, o.Store, runId, batch, o.Config.DryRun)
	if err != nil {
		return counters, errs.New(errs.Unexpected, err)
	}
	counters.Ingested = ingestResult.Ingested
	counters.IngestAlreadyProcessed = ingestResult.AlreadyProcessed
	counters.IngestFailed = ingestResult.Failed

	if !ingestResult.AnyFailure && !o.Config.DryRun {
		newWatermark := ingestResult.MaxCompletedAt
		if newWatermark.Before(watermark) {
			newWatermark = watermark
		}
		if err := o.Store.UpsertWatermark(ctx, models.JobNameIngestion, newWatermark); err != nil {
			return counters, errs.New(errs.Unexpected, fmt.Errorf("advance watermark: %w", err))
		}
	}

	queue := make([]queueItem, 0, len(batch))
	for _, item := range batch {
		queue = append(queue, queueItem{reportId: item.ReportId, rawMetadata: rawById[item.ReportId]})
	}

	// runWorkerPool already returns a *errs.Classified from the point
	// where the fatal error actually originated (Authentication from
	// the HTTP client, Configuration from a bad rule document); don't
	// reclassify it here, or a config defect reports as "credentials
	// need rotating" to the caller.
	if err := o.runWorkerPool(ctx, runId, probe, queue, &counters); err != nil {
		return counters, err
	}

	if o.Config.MaterialiseEmail && !o.Config.DryRun {
		scope := outbox.ScopeAll
		var reportIds []string
		if o.Config.MaterialiseScope == "batch" {
			scope = outbox.ScopeBatch
			for _, item := range batch {
				reportIds = append(reportIds, item.ReportId)
			}
		}
		outCounts, err := outbox.Materialise(ctx, o.DB, scope, reportIds)
		if err != nil {
			return counters, errs.New(errs.Unexpected, fmt.Errorf("materialise outbox: %w", err))
		}
		counters.EmailOutboxInserted = outCounts.Inserted
		counters.EmailSkippedExists = outCounts.SkippedAlreadyExists
		counters.EmailMissingRecipient = outCounts.MissingRecipient
	}

	return counters, nil
}

func (o *Orchestrator) fetchSummary(ctx context.Context) ([]json.RawMessage, error) {
	body := map[string]interface{}{
		"start_date": dateOrZero(o.Config.StartDate),
		"end_date":   dateOrZero(o.Config.EndDate),
		"status":     "Completed",
		"jsonflag":   true,
		"filterId":   "",
	}
	items, err := o.HTTP.PostJSONArray(ctx, o.Config.SummaryURL, o.Token, body)
	if err != nil {
		if errs.KindOf(err) == errs.Authentication {
			return nil, err
		}
		return nil, errs.New(errs.TransientRemote, fmt.Errorf("fetch summary: %w", err))
	}
	return items, nil
}

func dateOrZero(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

// runWorkerPool runs DetailsConcurrency workers that drain the queue
// by atomic dequeue; per item they enrich, reload metadata, resolve
// the ruleset, load answers, then score.
func (o *Orchestrator) runWorkerPool(ctx context.Context, runId string, probe *store.SchemaProbe, queue []queueItem, counters *Counters) error {
	var idx atomic.Int64
	var mu sync.Mutex
	var fatalErr error
	var wg sync.WaitGroup

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for w := 0; w < DetailsConcurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := idx.Add(1) - 1
				if i >= int64(len(queue)) {
					return
				}
				item := queue[i]

				select {
				case <-workerCtx.Done():
					return
				default:
				}

				fatal, werr := o.processReport(workerCtx, runId, probe, item, counters, &mu)
				if fatal {
					mu.Lock()
					if fatalErr == nil {
						fatalErr = werr
					}
					mu.Unlock()
					cancel()
					return
				}
			}
		}()
	}
	wg.Wait()

	return fatalErr
}

// processReport runs enrich, ruleset resolution, and score for one
// report. Per-item failures are counted and logged; only a fatal
// error (expired credentials, a malformed rule document) propagates
// to abort the run.
func (o *Orchestrator) processReport(ctx context.Context, runId string, probe *store.SchemaProbe, item queueItem, counters *Counters, mu *sync.Mutex) (fatal bool, err error) {
	alreadyEnriched, err := o.Store.CheckProcessed(ctx, models.JobNameEnrichment, item.reportId)
	if err != nil {
		o.countDetailsFailed(counters, mu, item.reportId, err)
		return false, nil
	}

	if !alreadyEnriched {
		fatal, err := o.runEnrich(ctx, runId, item, counters, mu)
		if fatal {
			return true, err
		}
	} else {
		mu.Lock()
		counters.DetailsAlreadyProcessed++
		mu.Unlock()
	}

	meta, err := o.Store.LoadReportMetadata(ctx, probe, item.reportId)
	if err != nil {
		o.countScoreFailed(counters, mu, item.reportId, err)
		return false, nil
	}

	answers, err := o.Store.LoadAnswers(ctx, item.reportId)
	if err != nil {
		o.countScoreFailed(counters, mu, item.reportId, err)
		return false, nil
	}

	name, version, ok, err := o.resolveRuleset(meta, item, answers)
	if err != nil {
		return true, errs.New(errs.Configuration, err)
	}
	if !ok {
		mu.Lock()
		counters.SkippedNotEligible++
		mu.Unlock()
		return false, nil
	}

	doc, err := o.RuleCache.Get(name, version)
	if err != nil {
		return true, errs.New(errs.Configuration, err)
	}

	if !score.Eligible(answers, doc) {
		mu.Lock()
		counters.SkippedNotEligible++
		mu.Unlock()
		return false, nil
	}

	out, err := score.Commit(ctx, o.Store, o.Clock.Now(), runId, item.reportId, doc, answers, o.Config.DryRun)
	if err != nil {
		o.countScoreFailed(counters, mu, item.reportId, err)
		return false, nil
	}

	mu.Lock()
	if out.AlreadyProcessed {
		counters.ScoreAlreadyProcessed++
	} else {
		counters.ScoreProcessed++
	}
	mu.Unlock()
	return false, nil
}

func (o *Orchestrator) runEnrich(ctx context.Context, runId string, item queueItem, counters *Counters, mu *sync.Mutex) (fatal bool, err error) {
	body := mergeBaseDetailsRequest(item.reportId)
	raw, err := o.HTTP.PostJSONArray(ctx, o.Config.DetailsURL, o.Token, body)
	if err != nil {
		if errs.KindOf(err) == errs.Authentication {
			return true, err
		}
		o.countDetailsFailed(counters, mu, item.reportId, err)
		return false, nil
	}

	details := make([]enrich.DetailRow, 0, len(raw))
	for _, r := range raw {
		var row enrich.DetailRow
		if err := json.Unmarshal(r, &row); err == nil {
			details = append(details, row)
		}
	}

	if err := enrich.RequireDetailRows(details); err != nil {
		o.countDetailsFailed(counters, mu, item.reportId, err)
		return false, nil
	}

	cert := enrich.ExtractCertificate(details)
	answers := enrich.ExtractAnswers(details)

	outcome, err := enrich.Commit(ctx, o.Store, runId, item.reportId, cert, answers, o.Config.DryRun)
	if err != nil {
		o.countDetailsFailed(counters, mu, item.reportId, err)
		return false, nil
	}

	mu.Lock()
	counters.DetailsProcessed++
	if outcome.CertMissing {
		counters.CertMissing++
	}
	mu.Unlock()
	return false, nil
}

func (o *Orchestrator) countDetailsFailed(counters *Counters, mu *sync.Mutex, reportId string, err error) {
	o.Log.WithFields(logrus.Fields{"module": "pipeline", "funcName": "runEnrich", "reportId": reportId}).
		Errorf("details stage failed: %v", err)
	mu.Lock()
	counters.DetailsFailed++
	mu.Unlock()
}

func (o *Orchestrator) countScoreFailed(counters *Counters, mu *sync.Mutex, reportId string, err error) {
	o.Log.WithFields(logrus.Fields{"module": "pipeline", "funcName": "processReport", "reportId": reportId}).
		Errorf("score stage failed: %v", err)
	mu.Lock()
	counters.ScoreFailed++
	mu.Unlock()
}

// resolveRuleset performs three-step resolution, falling through
// report metadata, then the string fields of the report's summary
// record, then question-key overlap against every known ruleset's
// eligibility set. The details-response rows are not scanned. A rule
// document that fails to load during the overlap step is returned as
// an error.
func (o *Orchestrator) resolveRuleset(meta store.ReportMetadata, item queueItem, answers map[string]string) (name, version string, ok bool, err error) {
	fields := map[string]string{
		"ruleset":    meta.RuleSetName,
		"technology": meta.TechnologyType,
		"assessment": meta.AssessmentType,
		"template":   meta.TemplateName,
	}
	if n, matched := resolver.ResolveByMetadata(fields); matched {
		return n, o.VersionMap[n], true, nil
	}

	payloadFields := make(map[string]string, len(item.rawMetadata))
	for k, v := range item.rawMetadata {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			payloadFields[k] = s
		}
	}
	if n, matched := resolver.ResolveByMetadata(payloadFields); matched {
		return n, o.VersionMap[n], true, nil
	}

	observed := make(map[string]struct{}, len(answers))
	for k := range answers {
		observed[k] = struct{}{}
	}
	sets := make(resolver.EligibilitySet, len(o.VersionMap))
	for n, v := range o.VersionMap {
		doc, err := o.RuleCache.Get(n, v)
		if err != nil {
			return "", "", false, err
		}
		sets[n] = doc.EligibilityKeys()
	}
	if n, matched := resolver.ResolveByOverlap(observed, sets); matched {
		return n, o.VersionMap[n], true, nil
	}

	return "", "", false, nil
}

// mergeBaseDetailsRequest merges audit_id into the fixed base request
// object the remote API requires. The base object's keys are an
// externally-defined constant.
func mergeBaseDetailsRequest(reportId string) map[string]interface{} {
	base := map[string]interface{}{
		"jsonflag": true,
		"filterId": "",
	}
	base["audit_id"] = reportId
	return base
}
