package bulk

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"verifier_server/core/domain"
	"verifier_server/core/port/in"
	"verifier_server/core/port/out"
	"verifier_server/pkg/apperr"
	"verifier_server/pkg/logger"
)

// RunDispatcher hands a started run to a background worker process.
type RunDispatcher interface {
	DispatchRun(ctx context.Context, jobID string) error
}

// OrchestratorConfig tunes job creation and cleanup.
type OrchestratorConfig struct {
	SheetName string
}

// Orchestrator drives the bulk job lifecycle from upload to download. It
// implements the inbound BulkService port.
type Orchestrator struct {
	jobs       out.JobRepository
	blobs      out.BlobStore
	credits    out.CreditsLedger
	engine     *Engine
	dispatcher RunDispatcher
	cfg        OrchestratorConfig
	log        *logger.Logger
}

var _ in.BulkService = (*Orchestrator)(nil)

func NewOrchestrator(
	jobs out.JobRepository,
	blobs out.BlobStore,
	credits out.CreditsLedger,
	engine *Engine,
	dispatcher RunDispatcher,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.SheetName == "" {
		cfg.SheetName = "Sheet1"
	}
	return &Orchestrator{
		jobs:       jobs,
		blobs:      blobs,
		credits:    credits,
		engine:     engine,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        logger.Default().WithField("component", "orchestrator"),
	}
}

// CreateFromFile runs preflight on an uploaded workbook: store the
// original, classify every row, and land the job in needs_cleanup or
// ready. The credit requirement is fixed here and never recomputed.
func (o *Orchestrator) CreateFromFile(ctx context.Context, username, sessionID, filename string, data []byte) (*domain.BulkJob, error) {
	header, rows, err := ParseWorkbook(data)
	if err != nil {
		return nil, apperr.BadRequest("file is not a readable workbook").WithError(err)
	}

	col, colName := DetectEmailColumn(header)
	cls := Classify(rows, col)
	if cls.Stats.UniqueValid == 0 {
		return nil, apperr.ValidationFailed("no valid email addresses found").
			WithDetail("invalid_format", cls.Stats.InvalidFormat).
			WithDetail("empty_or_junk", cls.Stats.EmptyOrJunk)
	}

	// The requirement is rejected before the original is persisted, so
	// an unaffordable upload leaves nothing behind.
	required := int64(cls.Stats.UniqueValid)
	balance, err := o.credits.Balance(ctx, username)
	if err != nil {
		return nil, apperr.DatabaseError("read balance", err)
	}
	if balance < required {
		return nil, apperr.InsufficientCredits(required, balance)
	}

	ref, err := o.blobs.Save(ctx, data, filename, xlsxContentType)
	if err != nil {
		return nil, apperr.StorageError("save original", err)
	}

	state := domain.StateReady
	if cls.Stats.ErrorsFound > 0 {
		state = domain.StateNeedsCleanup
	}

	now := time.Now().UTC()
	job := &domain.BulkJob{
		ID:              uuid.New().String(),
		Username:        username,
		SessionID:       sessionID,
		State:           state,
		Phase:           state.Phase(),
		OriginalFile:    ref,
		EmailColumnName: colName,
		Analysis:        cls.Stats,
		ProgressTotal:   cls.Stats.UniqueValid,
		CreditsRequired: required,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, apperr.DatabaseError("create job", err)
	}

	o.log.WithJob(job.ID).
		WithField("username", username).
		WithField("unique_valid", cls.Stats.UniqueValid).
		WithField("errors_found", cls.Stats.ErrorsFound).
		Info("job created")
	return job, nil
}

// CreateFromText converts pasted addresses into a single-column workbook
// and runs the same preflight as a file upload.
func (o *Orchestrator) CreateFromText(ctx context.Context, username, sessionID, text string) (*domain.BulkJob, error) {
	lines := splitAddresses(text)
	if len(lines) == 0 {
		return nil, apperr.MissingField("emails")
	}

	rows := make([][]string, 0, len(lines))
	for _, line := range lines {
		rows = append(rows, []string{line})
	}
	data, err := BuildWorkbook(o.cfg.SheetName, []string{"Email"}, rows, nil)
	if err != nil {
		return nil, apperr.Internal("could not build workbook from pasted text")
	}

	return o.CreateFromFile(ctx, username, sessionID, "pasted_emails.xlsx", data)
}

// Cleanup rebuilds the cleaned and fix workbooks from the original
// upload. Repeated cleanup of an already clean file is a no-op on the
// row data.
func (o *Orchestrator) Cleanup(ctx context.Context, jobID string) (*domain.BulkJob, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return nil, apperr.JobTerminal(string(job.State))
	}
	if !job.State.CanTransition(domain.StateCleaning) {
		return nil, apperr.PreconditionFailed("job is not awaiting cleanup")
	}
	if err := o.jobs.UpdateState(ctx, jobID, domain.StateCleaning, ""); err != nil {
		return nil, err
	}

	job, err = o.rebuildFiles(ctx, job)
	if err != nil {
		// Capture the failure on the job itself; cleanup errors are not
		// silent.
		if uerr := o.jobs.UpdateState(ctx, jobID, domain.StateFailed, err.Error()); uerr != nil {
			o.log.WithJob(jobID).WithError(uerr).Error("failed to record cleanup failure")
		}
		return nil, err
	}
	return job, nil
}

func (o *Orchestrator) rebuildFiles(ctx context.Context, job *domain.BulkJob) (*domain.BulkJob, error) {
	data, err := o.blobs.Read(ctx, job.OriginalFile)
	if err != nil {
		return nil, apperr.StorageError("read original", err)
	}
	header, rows, err := ParseWorkbook(data)
	if err != nil {
		return nil, apperr.BadRequest("stored workbook unreadable").WithError(err)
	}

	col, _ := DetectEmailColumn(header)
	cls := Classify(rows, col)
	result, err := Rebuild(o.cfg.SheetName, header, rows, col, cls)
	if err != nil {
		return nil, apperr.Internal("cleanup rebuild failed")
	}

	cleanedRef, err := o.blobs.Save(ctx, result.Cleaned, "cleaned_"+job.ID+".xlsx", xlsxContentType)
	if err != nil {
		return nil, apperr.StorageError("save cleaned", err)
	}
	job.CleanedFile = cleanedRef

	if result.Stats.InvalidFormatRemaining > 0 {
		fixRef, err := o.blobs.Save(ctx, result.Fix, "fix_"+job.ID+".xlsx", xlsxContentType)
		if err != nil {
			return nil, apperr.StorageError("save fix", err)
		}
		job.FixFile = fixRef
	}

	job.Cleanup = &result.Stats
	if err := o.jobs.Update(ctx, job); err != nil {
		return nil, apperr.DatabaseError("update job", err)
	}

	next := domain.StateReady
	if result.Stats.InvalidFormatRemaining > 0 {
		next = domain.StateNeedsFix
	}
	if err := o.jobs.UpdateState(ctx, job.ID, next, ""); err != nil {
		return nil, err
	}
	job.State = next
	job.Phase = next.Phase()

	o.log.WithJob(job.ID).
		WithField("removed_duplicates", result.Stats.RemovedDuplicates).
		WithField("removed_junk", result.Stats.RemovedEmptyOrJunk).
		WithField("invalid_remaining", result.Stats.InvalidFormatRemaining).
		Info("cleanup complete")
	return job, nil
}

// Start moves a job into the running state after checking the credit
// balance, and either executes the run in-process or dispatches it.
func (o *Orchestrator) Start(ctx context.Context, jobID string, opts in.StartOptions) (*domain.BulkJob, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return nil, apperr.JobTerminal(string(job.State))
	}
	switch job.State {
	case domain.StateReady:
	case domain.StateNeedsFix:
		if !opts.SkipInvalidFormat {
			return nil, apperr.PreconditionFailed("invalid-format rows remain; fix them or start with skip_invalid_format")
		}
	default:
		return nil, apperr.PreconditionFailed("job is not ready to start")
	}

	balance, err := o.credits.Balance(ctx, job.Username)
	if err != nil {
		return nil, apperr.DatabaseError("read balance", err)
	}
	if balance < job.CreditsRequired {
		return nil, apperr.InsufficientCredits(job.CreditsRequired, balance)
	}

	if err := o.jobs.UpdateState(ctx, jobID, domain.StateRunning, ""); err != nil {
		return nil, err
	}
	job.State = domain.StateRunning
	job.Phase = domain.PhaseRunning

	if opts.Detached && o.dispatcher != nil {
		if err := o.dispatcher.DispatchRun(ctx, jobID); err != nil {
			o.log.WithJob(jobID).WithError(err).Error("dispatch failed")
			if uerr := o.jobs.UpdateState(ctx, jobID, domain.StateFailed, "could not dispatch run"); uerr != nil {
				o.log.WithJob(jobID).WithError(uerr).Error("failed to record dispatch failure")
			}
			return nil, apperr.Internal("could not dispatch run")
		}
		return job, nil
	}

	// Inline execution outlives the request, and the request context may
	// be recycled by the server once the handler returns, so the run gets
	// a fresh context. Only cancellation of the job itself stops it. The
	// engine gets its own copy so the response serialization does not
	// race with run bookkeeping.
	runCtx := context.Background()
	runJob := *job
	go func() {
		if err := o.engine.ExecuteRun(runCtx, &runJob); err != nil {
			o.log.WithJob(jobID).WithError(err).Error("run execution error")
		}
	}()
	return job, nil
}

// Cancel requests cooperative cancellation. Only running jobs can be
// canceled; the request is acknowledged before the run actually stops.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return apperr.JobTerminal(string(job.State))
	}
	if job.State != domain.StateRunning {
		return apperr.PreconditionFailed("job is not running")
	}
	if err := o.engine.Registry().RequestCancel(ctx, jobID); err != nil {
		return apperr.Internal("could not record cancel request")
	}
	o.log.WithJob(jobID).Info("cancel requested")
	return nil
}

// Get returns the current job record.
func (o *Orchestrator) Get(ctx context.Context, jobID string) (*domain.BulkJob, error) {
	return o.jobs.Get(ctx, jobID)
}

// ListByState lists an account's jobs, newest first.
func (o *Orchestrator) ListByState(ctx context.Context, username string, state domain.JobState, limit, offset int) ([]*domain.BulkJob, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if state == "" {
		return o.jobs.ListRecent(ctx, username, limit, offset)
	}
	return o.jobs.ListByState(ctx, username, state, limit, offset)
}

// Download opens a stream over one of the job's artifacts.
func (o *Orchestrator) Download(ctx context.Context, jobID string, kind domain.FileKind) (*domain.FileRef, io.ReadCloser, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	ref := job.FileByKind(kind)
	if ref == nil {
		return nil, nil, apperr.NotFound("file")
	}
	rc, err := o.blobs.OpenDownloadStream(ctx, ref)
	if err != nil {
		return nil, nil, apperr.StorageError("open download", err)
	}
	return ref, rc, nil
}

// splitAddresses breaks pasted text on newlines, commas and semicolons,
// dropping empties.
func splitAddresses(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ';'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if s := strings.TrimSpace(f); s != "" {
			out = append(out, s)
		}
	}
	return out
}
