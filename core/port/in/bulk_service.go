package in

import (
	"context"
	"io"

	"verifier_server/core/domain"
)

// StartOptions controls entry into the running state.
type StartOptions struct {
	// SkipInvalidFormat must be set to start a job still in needs_fix.
	SkipInvalidFormat bool
	// Detached hands the run off to the background worker instead of
	// executing inline.
	Detached bool
}

// BulkService is the inbound port for the bulk job pipeline.
type BulkService interface {
	// CreateFromFile runs preflight on an uploaded workbook.
	CreateFromFile(ctx context.Context, username, sessionID, filename string, data []byte) (*domain.BulkJob, error)

	// CreateFromText runs preflight on pasted newline-separated addresses.
	CreateFromText(ctx context.Context, username, sessionID, text string) (*domain.BulkJob, error)

	// Cleanup rebuilds the cleaned and fix workbooks.
	Cleanup(ctx context.Context, jobID string) (*domain.BulkJob, error)

	// Start transitions the job to running and either executes the run
	// inline or dispatches it, per opts.
	Start(ctx context.Context, jobID string, opts StartOptions) (*domain.BulkJob, error)

	// Cancel requests cooperative cancellation of a running job.
	Cancel(ctx context.Context, jobID string) error

	// Get returns the current job record.
	Get(ctx context.Context, jobID string) (*domain.BulkJob, error)

	// ListByState lists an account's jobs, optionally filtered by state.
	ListByState(ctx context.Context, username string, state domain.JobState, limit, offset int) ([]*domain.BulkJob, int, error)

	// Download streams one of the job's artifacts.
	Download(ctx context.Context, jobID string, kind domain.FileKind) (*domain.FileRef, io.ReadCloser, error)
}
