// Package persistence implements the PostgreSQL adapters plus the
// Redis-backed cancel flag store.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"verifier_server/core/domain"
	"verifier_server/core/port/out"
	"verifier_server/pkg/apperr"
)

// JobRepository implements out.JobRepository on the bulk_jobs table.
type JobRepository struct {
	db *sqlx.DB
}

func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `
	id, username, session_id, state,
	original_file, cleaned_file, fix_file, result_file,
	email_column_name, analysis, cleanup,
	valid_count, invalid_count, risky_count, unknown_count,
	progress_current, progress_total,
	credits_required, credits_used,
	error_message, started_at, finished_at, created_at, updated_at`

// jobRow is the row representation. File references and snapshots are
// stored as jsonb.
type jobRow struct {
	ID        string `db:"id"`
	Username  string `db:"username"`
	SessionID string `db:"session_id"`
	State     string `db:"state"`

	OriginalFile []byte `db:"original_file"`
	CleanedFile  []byte `db:"cleaned_file"`
	FixFile      []byte `db:"fix_file"`
	ResultFile   []byte `db:"result_file"`

	EmailColumnName string `db:"email_column_name"`
	Analysis        []byte `db:"analysis"`
	Cleanup         []byte `db:"cleanup"`

	ValidCount      int `db:"valid_count"`
	InvalidCount    int `db:"invalid_count"`
	RiskyCount      int `db:"risky_count"`
	UnknownCount    int `db:"unknown_count"`
	ProgressCurrent int `db:"progress_current"`
	ProgressTotal   int `db:"progress_total"`

	CreditsRequired int64 `db:"credits_required"`
	CreditsUsed     int64 `db:"credits_used"`

	ErrorMessage sql.NullString `db:"error_message"`
	StartedAt    sql.NullTime   `db:"started_at"`
	FinishedAt   sql.NullTime   `db:"finished_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func marshalRef(ref *domain.FileRef) []byte {
	if ref == nil {
		return nil
	}
	data, _ := json.Marshal(ref)
	return data
}

func unmarshalRef(data []byte) *domain.FileRef {
	if len(data) == 0 {
		return nil
	}
	var ref domain.FileRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil
	}
	return &ref
}

func toRow(job *domain.BulkJob) (*jobRow, error) {
	analysis, err := json.Marshal(job.Analysis)
	if err != nil {
		return nil, fmt.Errorf("marshal analysis: %w", err)
	}
	var cleanup []byte
	if job.Cleanup != nil {
		cleanup, err = json.Marshal(job.Cleanup)
		if err != nil {
			return nil, fmt.Errorf("marshal cleanup: %w", err)
		}
	}

	row := &jobRow{
		ID:              job.ID,
		Username:        job.Username,
		SessionID:       job.SessionID,
		State:           string(job.State),
		OriginalFile:    marshalRef(job.OriginalFile),
		CleanedFile:     marshalRef(job.CleanedFile),
		FixFile:         marshalRef(job.FixFile),
		ResultFile:      marshalRef(job.ResultFile),
		EmailColumnName: job.EmailColumnName,
		Analysis:        analysis,
		Cleanup:         cleanup,
		ValidCount:      job.Counts.Valid,
		InvalidCount:    job.Counts.Invalid,
		RiskyCount:      job.Counts.Risky,
		UnknownCount:    job.Counts.Unknown,
		ProgressCurrent: job.ProgressCurrent,
		ProgressTotal:   job.ProgressTotal,
		CreditsRequired: job.CreditsRequired,
		CreditsUsed:     job.CreditsUsed,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
	if job.ErrorMessage != "" {
		row.ErrorMessage = sql.NullString{String: job.ErrorMessage, Valid: true}
	}
	if job.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: *job.StartedAt, Valid: true}
	}
	if job.FinishedAt != nil {
		row.FinishedAt = sql.NullTime{Time: *job.FinishedAt, Valid: true}
	}
	return row, nil
}

func (r *jobRow) toDomain() *domain.BulkJob {
	state := domain.JobState(r.State)
	job := &domain.BulkJob{
		ID:              r.ID,
		Username:        r.Username,
		SessionID:       r.SessionID,
		State:           state,
		Phase:           state.Phase(),
		OriginalFile:    unmarshalRef(r.OriginalFile),
		CleanedFile:     unmarshalRef(r.CleanedFile),
		FixFile:         unmarshalRef(r.FixFile),
		ResultFile:      unmarshalRef(r.ResultFile),
		EmailColumnName: r.EmailColumnName,
		Counts: domain.RunCounts{
			Valid:   r.ValidCount,
			Invalid: r.InvalidCount,
			Risky:   r.RiskyCount,
			Unknown: r.UnknownCount,
		},
		ProgressCurrent: r.ProgressCurrent,
		ProgressTotal:   r.ProgressTotal,
		CreditsRequired: r.CreditsRequired,
		CreditsUsed:     r.CreditsUsed,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if len(r.Analysis) > 0 {
		_ = json.Unmarshal(r.Analysis, &job.Analysis)
	}
	if len(r.Cleanup) > 0 {
		var cs domain.CleanupStats
		if err := json.Unmarshal(r.Cleanup, &cs); err == nil {
			job.Cleanup = &cs
		}
	}
	if r.ErrorMessage.Valid {
		job.ErrorMessage = r.ErrorMessage.String
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		job.StartedAt = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		job.FinishedAt = &t
	}
	return job
}

func (r *JobRepository) Create(ctx context.Context, job *domain.BulkJob) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO bulk_jobs (` + jobColumns + `)
		VALUES (:id, :username, :session_id, :state,
		        :original_file, :cleaned_file, :fix_file, :result_file,
		        :email_column_name, :analysis, :cleanup,
		        :valid_count, :invalid_count, :risky_count, :unknown_count,
		        :progress_current, :progress_total,
		        :credits_required, :credits_used,
		        :error_message, :started_at, :finished_at, :created_at, :updated_at)`

	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, jobID string) (*domain.BulkJob, error) {
	query := `SELECT ` + jobColumns + ` FROM bulk_jobs WHERE id = $1`

	var row jobRow
	if err := r.db.GetContext(ctx, &row, query, jobID); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("job")
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return row.toDomain(), nil
}

func (r *JobRepository) list(ctx context.Context, where string, countArgs, args []interface{}) ([]*domain.BulkJob, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM bulk_jobs WHERE `+where, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM bulk_jobs WHERE ` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(countArgs)+1, len(countArgs)+2)

	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*domain.BulkJob, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs, total, nil
}

func (r *JobRepository) ListByState(ctx context.Context, username string, state domain.JobState, limit, offset int) ([]*domain.BulkJob, int, error) {
	return r.list(ctx, `username = $1 AND state = $2`,
		[]interface{}{username, string(state)},
		[]interface{}{username, string(state), limit, offset})
}

func (r *JobRepository) ListRecent(ctx context.Context, username string, limit, offset int) ([]*domain.BulkJob, int, error) {
	return r.list(ctx, `username = $1`,
		[]interface{}{username},
		[]interface{}{username, limit, offset})
}

// terminalStates guards every mutation path in SQL, matching the domain
// rule that terminal jobs never change.
const terminalStates = `('done', 'failed', 'canceled')`

// Update persists the mutable job fields. State and counters are owned
// by UpdateState/IncrementCounts and left untouched here.
func (r *JobRepository) Update(ctx context.Context, job *domain.BulkJob) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}
	row.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE bulk_jobs SET
			original_file = :original_file,
			cleaned_file = :cleaned_file,
			fix_file = :fix_file,
			email_column_name = :email_column_name,
			analysis = :analysis,
			cleanup = :cleanup,
			progress_total = :progress_total,
			started_at = :started_at,
			updated_at = :updated_at
		WHERE id = :id AND state NOT IN ` + terminalStates

	res, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return r.checkMutated(ctx, res, job.ID)
}

// UpdateState transitions a job, enforcing the transition table inside a
// transaction so concurrent transitions serialize on the row lock.
func (r *JobRepository) UpdateState(ctx context.Context, jobID string, state domain.JobState, errorMessage string) error {
	return r.transition(ctx, jobID, state, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE bulk_jobs
			SET state = $2, error_message = NULLIF($3, ''), updated_at = NOW()
			WHERE id = $1`,
			jobID, string(state), errorMessage)
		return err
	})
}

// IncrementCounts applies an additive counter update in one statement.
// Only running jobs accumulate counts.
func (r *JobRepository) IncrementCounts(ctx context.Context, jobID string, delta out.CountsDelta) error {
	if delta.IsZero() {
		return nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE bulk_jobs SET
			valid_count = valid_count + $2,
			invalid_count = invalid_count + $3,
			risky_count = risky_count + $4,
			unknown_count = unknown_count + $5,
			progress_current = progress_current + $6,
			updated_at = NOW()
		WHERE id = $1 AND state = 'running'`,
		jobID, delta.Valid, delta.Invalid, delta.Risky, delta.Unknown, delta.Progress)
	if err != nil {
		return fmt.Errorf("increment counts: %w", err)
	}
	return r.checkMutated(ctx, res, jobID)
}

// FinalizeRun records the billing outcome and result file in the same
// update that lands the terminal state.
func (r *JobRepository) FinalizeRun(ctx context.Context, jobID string, state domain.JobState, creditsUsed int64, result *domain.FileRef, errorMessage string) error {
	return r.transition(ctx, jobID, state, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE bulk_jobs
			SET state = $2, credits_used = $3, result_file = $4,
			    error_message = NULLIF($5, ''), finished_at = NOW(), updated_at = NOW()
			WHERE id = $1`,
			jobID, string(state), creditsUsed, marshalRef(result), errorMessage)
		return err
	})
}

// transition locks the row, validates the state change against the
// domain table, then applies the caller's update.
func (r *JobRepository) transition(ctx context.Context, jobID string, next domain.JobState, apply func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.GetContext(ctx, &current, `SELECT state FROM bulk_jobs WHERE id = $1 FOR UPDATE`, jobID); err != nil {
		if err == sql.ErrNoRows {
			return apperr.NotFound("job")
		}
		return fmt.Errorf("lock job: %w", err)
	}

	cur := domain.JobState(current)
	if cur.Terminal() {
		return apperr.JobTerminal(current)
	}
	if !cur.CanTransition(next) {
		return apperr.PreconditionFailed(fmt.Sprintf("cannot move job from %s to %s", cur, next))
	}

	if err := apply(tx); err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// checkMutated distinguishes "no such job" and "job already terminal"
// when a guarded update touched nothing.
func (r *JobRepository) checkMutated(ctx context.Context, res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var state string
	if err := r.db.GetContext(ctx, &state, `SELECT state FROM bulk_jobs WHERE id = $1`, jobID); err != nil {
		if err == sql.ErrNoRows {
			return apperr.NotFound("job")
		}
		return fmt.Errorf("recheck job: %w", err)
	}
	return apperr.JobTerminal(state)
}
