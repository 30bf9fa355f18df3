package out

import (
	"context"

	"verifier_server/core/domain"
)

// CountsDelta is one additive progress update. Applied at the store layer
// as column increments, never as read-modify-write.
type CountsDelta struct {
	Valid    int
	Invalid  int
	Risky    int
	Unknown  int
	Progress int
}

// IsZero reports whether the delta would be a no-op.
func (d CountsDelta) IsZero() bool {
	return d.Valid == 0 && d.Invalid == 0 && d.Risky == 0 && d.Unknown == 0 && d.Progress == 0
}

// JobRepository persists bulk jobs. Implementations must reject mutation
// of jobs in a terminal state.
type JobRepository interface {
	Create(ctx context.Context, job *domain.BulkJob) error
	Get(ctx context.Context, jobID string) (*domain.BulkJob, error)
	ListByState(ctx context.Context, username string, state domain.JobState, limit, offset int) ([]*domain.BulkJob, int, error)
	ListRecent(ctx context.Context, username string, limit, offset int) ([]*domain.BulkJob, int, error)

	// Update persists the mutable job fields (files, snapshots, error).
	Update(ctx context.Context, job *domain.BulkJob) error

	// UpdateState transitions the job, enforcing the domain transition table.
	UpdateState(ctx context.Context, jobID string, state domain.JobState, errorMessage string) error

	// IncrementCounts applies an additive counter update in one statement.
	IncrementCounts(ctx context.Context, jobID string, delta CountsDelta) error

	// FinalizeRun records credits used and the result file in the same
	// update that moves the job into its terminal state.
	FinalizeRun(ctx context.Context, jobID string, state domain.JobState, creditsUsed int64, result *domain.FileRef, errorMessage string) error
}
