package bulk

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"

	"verifier_server/core/domain"
	"verifier_server/core/port/out"
	"verifier_server/pkg/logger"
	"verifier_server/pkg/metrics"
)

// VerdictResolver yields one verdict per address. Resolution failures are
// the resolver's problem; the engine only ever sees a verdict.
type VerdictResolver interface {
	Resolve(ctx context.Context, username, email string) (*domain.Verdict, error)
}

// EngineConfig tunes the run executor.
type EngineConfig struct {
	Workers       int
	ProgressFlush time.Duration
	ResultSheet   string
}

// DefaultEngineConfig mirrors the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Workers:       8,
		ProgressFlush: 350 * time.Millisecond,
		ResultSheet:   "Results",
	}
}

// sharedFlagPollInterval is how often a run re-checks the cross-process
// cancel flag.
const sharedFlagPollInterval = time.Second

// Engine executes one validation run: it resolves every unique valid
// address of the input file over a bounded worker pool, coalesces
// durable progress writes, bills completed runs, and produces the result
// workbook.
type Engine struct {
	jobs     out.JobRepository
	blobs    out.BlobStore
	credits  out.CreditsLedger
	resolver VerdictResolver
	realtime out.RealtimePort
	registry *CancelRegistry
	cfg      EngineConfig
	log      *logger.Logger
}

func NewEngine(
	jobs out.JobRepository,
	blobs out.BlobStore,
	credits out.CreditsLedger,
	resolver VerdictResolver,
	realtime out.RealtimePort,
	registry *CancelRegistry,
	cfg EngineConfig,
) *Engine {
	def := DefaultEngineConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ProgressFlush <= 0 {
		cfg.ProgressFlush = def.ProgressFlush
	}
	if cfg.ResultSheet == "" {
		cfg.ResultSheet = def.ResultSheet
	}
	if registry == nil {
		registry = NewCancelRegistry(nil)
	}
	return &Engine{
		jobs:     jobs,
		blobs:    blobs,
		credits:  credits,
		resolver: resolver,
		realtime: realtime,
		registry: registry,
		cfg:      cfg,
		log:      logger.Default().WithField("component", "engine"),
	}
}

// Registry exposes the cancel registry so cancel requests reach runs
// hosted in this process.
func (e *Engine) Registry() *CancelRegistry {
	return e.registry
}

// runTracker holds the live counters of one run. Workers add with
// atomics; the flusher reads snapshots and keeps its own last-flushed
// copy to compute deltas.
type runTracker struct {
	valid    atomic.Int64
	invalid  atomic.Int64
	risky    atomic.Int64
	unknown  atomic.Int64
	progress atomic.Int64
}

func (t *runTracker) record(cat domain.Category) {
	switch cat {
	case domain.CategoryValid:
		t.valid.Add(1)
	case domain.CategoryInvalid:
		t.invalid.Add(1)
	case domain.CategoryRisky:
		t.risky.Add(1)
	default:
		t.unknown.Add(1)
	}
	t.progress.Add(1)
}

func (t *runTracker) snapshot() domain.RunCounts {
	return domain.RunCounts{
		Valid:   int(t.valid.Load()),
		Invalid: int(t.invalid.Load()),
		Risky:   int(t.risky.Load()),
		Unknown: int(t.unknown.Load()),
	}
}

// emailWorker implements the pool worker for one run.
type emailWorker struct {
	run *runContext
}

func (w *emailWorker) Do(ctx context.Context, email string) error {
	w.run.processOne(ctx, email)
	return nil
}

// runContext bundles the per-run state shared between workers and the
// flusher.
type runContext struct {
	engine  *Engine
	job     *domain.BulkJob
	token   *CancelToken
	tracker *runTracker
	latency *metrics.LatencyTracker
	total   int

	mu      sync.Mutex
	results []*domain.Verdict
}

// ExecuteRun runs a job already transitioned into the running state. It
// always drives the job to a terminal state; the returned error reports
// infrastructure failures after the fact.
func (e *Engine) ExecuteRun(ctx context.Context, job *domain.BulkJob) error {
	log := e.log.WithJob(job.ID).WithField("username", job.Username)

	token := e.registry.Acquire(job.ID)
	defer e.registry.Release(job.ID)

	// Watch the cross-process cancel flag for cancels accepted elsewhere.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go e.watchSharedFlag(ctx, job.ID, token, watchDone)

	emails, err := e.loadEmails(ctx, job)
	if err != nil {
		log.WithError(err).Error("failed to load run input")
		return e.failRun(ctx, job, fmt.Sprintf("input file unreadable: %v", err))
	}

	now := time.Now().UTC()
	job.StartedAt = &now
	job.ProgressTotal = len(emails)
	if err := e.jobs.Update(ctx, job); err != nil {
		log.WithError(err).Error("failed to persist run start")
		return e.failRun(ctx, job, "could not persist run start")
	}

	run := &runContext{
		engine:  e,
		job:     job,
		token:   token,
		tracker: &runTracker{},
		latency: metrics.NewLatencyTracker(1000),
		total:   len(emails),
		results: make([]*domain.Verdict, 0, len(emails)),
	}

	log.WithField("total", len(emails)).Info("run started")

	flushDone := make(chan struct{})
	flushStopped := make(chan struct{})
	go e.flushLoop(ctx, run, flushDone, flushStopped)

	p := pool.New[string](e.cfg.Workers, &emailWorker{run: run}).
		WithBatchSize(1).
		WithContinueOnError()
	if err := p.Go(ctx); err != nil {
		close(flushDone)
		<-flushStopped
		log.WithError(err).Error("failed to start worker pool")
		return e.failRun(ctx, job, "could not start worker pool")
	}

	for _, email := range emails {
		if token.Canceled() {
			break
		}
		p.Submit(email)
	}
	if err := p.Close(ctx); err != nil {
		log.WithError(err).Warn("worker pool close reported error")
	}

	close(flushDone)
	<-flushStopped

	return e.finishRun(ctx, run, log)
}

// loadEmails re-derives the run input from the chosen file. The stored
// analysis snapshot is advisory; the file is the source of truth.
func (e *Engine) loadEmails(ctx context.Context, job *domain.BulkJob) ([]string, error) {
	ref := job.InputFile()
	if ref == nil {
		return nil, fmt.Errorf("job has no input file")
	}
	data, err := e.blobs.Read(ctx, ref)
	if err != nil {
		return nil, err
	}
	header, rows, err := ParseWorkbook(data)
	if err != nil {
		return nil, err
	}
	col, _ := DetectEmailColumn(header)
	cls := Classify(rows, col)
	return cls.UniqueValidEmails(), nil
}

// processOne resolves a single address and records the outcome. A
// resolver failure counts as unknown; one bad address never fails a run.
func (rc *runContext) processOne(ctx context.Context, email string) {
	if rc.token.Canceled() {
		return
	}

	started := time.Now()
	v, err := rc.engine.resolver.Resolve(ctx, rc.job.Username, email)
	rc.latency.Record(time.Since(started))
	if err != nil || v == nil {
		if err != nil {
			rc.engine.log.WithJob(rc.job.ID).WithError(err).WithField("email", email).Warn("resolve failed, counting unknown")
		}
		v = &domain.Verdict{
			Email:     email,
			Status:    "unknown",
			Category:  domain.CategoryUnknown,
			Message:   "resolution failed",
			Source:    domain.SourceLive,
			CheckedAt: time.Now().UTC(),
		}
	}

	rc.tracker.record(v.Category)

	rc.mu.Lock()
	rc.results = append(rc.results, v)
	rc.mu.Unlock()

	rc.engine.pushEvent(ctx, rc.job, domain.EventJobProgress, domain.ProgressPayload{
		Current: int(rc.tracker.progress.Load()),
		Total:   rc.total,
	})
}

// flushLoop coalesces durable progress writes. Items complete far faster
// than the database should be written, so deltas are accumulated and
// flushed on a fixed tick plus once at the end.
func (e *Engine) flushLoop(ctx context.Context, run *runContext, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(e.cfg.ProgressFlush)
	defer ticker.Stop()

	var last out.CountsDelta
	flush := func() {
		cur := out.CountsDelta{
			Valid:    int(run.tracker.valid.Load()),
			Invalid:  int(run.tracker.invalid.Load()),
			Risky:    int(run.tracker.risky.Load()),
			Unknown:  int(run.tracker.unknown.Load()),
			Progress: int(run.tracker.progress.Load()),
		}
		delta := out.CountsDelta{
			Valid:    cur.Valid - last.Valid,
			Invalid:  cur.Invalid - last.Invalid,
			Risky:    cur.Risky - last.Risky,
			Unknown:  cur.Unknown - last.Unknown,
			Progress: cur.Progress - last.Progress,
		}
		if delta.IsZero() {
			return
		}
		if err := e.jobs.IncrementCounts(ctx, run.job.ID, delta); err != nil {
			e.log.WithJob(run.job.ID).WithError(err).Warn("progress flush failed")
			return
		}
		last = cur

		e.pushEvent(ctx, run.job, domain.EventJobCounts, domain.CountsPayload{
			Valid:   cur.Valid,
			Invalid: cur.Invalid,
			Risky:   cur.Risky,
			Unknown: cur.Unknown,
		})
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case <-done:
			flush()
			return
		}
	}
}

// finishRun drives the job to its terminal state: canceled runs bill
// nothing, completed runs are billed once and get a result workbook.
func (e *Engine) finishRun(ctx context.Context, run *runContext, log *logger.Logger) error {
	job := run.job
	counts := run.tracker.snapshot()

	if run.token.Canceled() {
		log.WithField("processed", counts.Total()).Info("run canceled")
		if err := e.jobs.FinalizeRun(ctx, job.ID, domain.StateCanceled, 0, nil, ""); err != nil {
			log.WithError(err).Error("failed to finalize canceled run")
			return err
		}
		e.pushState(ctx, job, domain.StateCanceled, "")
		return nil
	}

	billable := int64(counts.Billable())
	if billable > 0 {
		if _, err := e.credits.Debit(ctx, job.Username, billable); err != nil {
			log.WithError(err).Error("billing failed")
			return e.failRun(ctx, job, fmt.Sprintf("billing failed: %v", err))
		}
	}

	ref, err := e.buildResult(ctx, run)
	if err != nil {
		log.WithError(err).Error("result workbook failed")
		return e.failRun(ctx, job, fmt.Sprintf("result file failed: %v", err))
	}

	if err := e.jobs.FinalizeRun(ctx, job.ID, domain.StateDone, billable, ref, ""); err != nil {
		log.WithError(err).Error("failed to finalize run")
		return err
	}

	lat := run.latency.Stats()
	log.WithField("billable", billable).
		WithField("valid", counts.Valid).
		WithField("invalid", counts.Invalid).
		WithField("risky", counts.Risky).
		WithField("unknown", counts.Unknown).
		WithField("resolve_p50_ms", lat.P50.Milliseconds()).
		WithField("resolve_p95_ms", lat.P95.Milliseconds()).
		Info("run completed")

	e.pushState(ctx, job, domain.StateDone, "")
	return nil
}

// failRun captures an execution error into the failed terminal state.
func (e *Engine) failRun(ctx context.Context, job *domain.BulkJob, msg string) error {
	if err := e.jobs.FinalizeRun(ctx, job.ID, domain.StateFailed, 0, nil, msg); err != nil {
		e.log.WithJob(job.ID).WithError(err).Error("failed to mark run failed")
		return err
	}
	e.pushState(ctx, job, domain.StateFailed, msg)
	return nil
}

// resultHeader is the column layout of the result workbook.
var resultHeader = []string{
	"Email", "Category", "Status", "Sub Status", "Score", "Domain", "Free", "Disposable", "Role Based", "Note",
}

// buildResult renders the per-address verdicts into a workbook and
// stores it. Row order follows completion order, not input order.
func (e *Engine) buildResult(ctx context.Context, run *runContext) (*domain.FileRef, error) {
	run.mu.Lock()
	results := run.results
	run.mu.Unlock()

	rows := make([][]string, 0, len(results))
	for _, v := range results {
		note := v.Reason
		if note == "" {
			note = v.Message
		}
		rows = append(rows, []string{
			v.Email,
			string(v.Category),
			v.Status,
			v.SubStatus,
			strconv.Itoa(v.Score),
			v.Domain,
			strconv.FormatBool(v.IsFree),
			strconv.FormatBool(v.IsDisposable),
			strconv.FormatBool(v.IsRoleBased),
			note,
		})
	}

	data, err := BuildWorkbook(e.cfg.ResultSheet, resultHeader, rows, nil)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("result_%s.xlsx", run.job.ID)
	return e.blobs.Save(ctx, data, name, xlsxContentType)
}

// watchSharedFlag mirrors the cross-process cancel flag onto the local
// token so cancels accepted by another process stop this run.
func (e *Engine) watchSharedFlag(ctx context.Context, jobID string, token *CancelToken, done <-chan struct{}) {
	ticker := time.NewTicker(sharedFlagPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if token.Canceled() {
				return
			}
			set, err := e.registry.SharedFlagSet(ctx, jobID)
			if err != nil {
				e.log.WithJob(jobID).WithError(err).Debug("shared cancel flag check failed")
				continue
			}
			if set {
				token.Cancel()
				return
			}
		}
	}
}

// pushEvent delivers a best-effort realtime event.
func (e *Engine) pushEvent(ctx context.Context, job *domain.BulkJob, typ domain.EventType, data any) {
	if e.realtime == nil {
		return
	}
	_ = e.realtime.Push(ctx, job.Username, &domain.RealtimeEvent{
		Type:      typ,
		JobID:     job.ID,
		SessionID: job.SessionID,
		Data:      data,
	})
}

// pushState delivers a terminal state event.
func (e *Engine) pushState(ctx context.Context, job *domain.BulkJob, state domain.JobState, errMsg string) {
	e.pushEvent(ctx, job, domain.EventJobState, domain.StatePayload{
		State: state,
		Phase: state.Phase(),
		Error: errMsg,
	})
}
