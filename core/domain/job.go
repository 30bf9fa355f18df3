package domain

import (
	"time"
)

// JobState is the canonical fine-grained lifecycle state of a bulk job.
// The coarse phase is derived, never stored.
type JobState string

const (
	StateAnalyzed     JobState = "analyzed"
	StateNeedsCleanup JobState = "needs_cleanup"
	StateCleaning     JobState = "cleaning"
	StateNeedsFix     JobState = "needs_fix"
	StateReady        JobState = "ready"
	StateRunning      JobState = "running"
	StateDone         JobState = "done"
	StateFailed       JobState = "failed"
	StateCanceled     JobState = "canceled"
)

// JobPhase is the coarse view of a state, derived for API consumers.
type JobPhase string

const (
	PhaseSetup    JobPhase = "setup"
	PhaseRunning  JobPhase = "running"
	PhaseFinished JobPhase = "finished"
)

// Valid reports whether s is a known lifecycle state.
func (s JobState) Valid() bool {
	switch s {
	case StateAnalyzed, StateNeedsCleanup, StateCleaning, StateNeedsFix,
		StateReady, StateRunning, StateDone, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Terminal reports whether the state permits no further mutation.
func (s JobState) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Phase derives the coarse phase from the state.
func (s JobState) Phase() JobPhase {
	switch s {
	case StateRunning:
		return PhaseRunning
	case StateDone, StateFailed, StateCanceled:
		return PhaseFinished
	default:
		return PhaseSetup
	}
}

// transitions is the allowed state graph. failed is reachable from any
// non-terminal state since cleanup/start errors capture into it.
var transitions = map[JobState][]JobState{
	StateAnalyzed:     {StateNeedsCleanup, StateReady},
	StateNeedsCleanup: {StateCleaning},
	StateCleaning:     {StateNeedsFix, StateReady},
	StateNeedsFix:     {StateRunning},
	StateReady:        {StateRunning},
	StateRunning:      {StateDone, StateFailed, StateCanceled},
}

// CanTransition reports whether moving from s to next is legal.
func (s JobState) CanTransition(next JobState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RowStats is the analysis snapshot computed by the row classifier.
type RowStats struct {
	TotalRowsWithEmailCell int `json:"total_rows_with_email_cell"`
	EmptyOrJunk            int `json:"empty_or_junk"`
	InvalidFormat          int `json:"invalid_format"`
	Duplicates             int `json:"duplicates"`
	UniqueValid            int `json:"unique_valid"`
	ErrorsFound            int `json:"errors_found"`
	CleanupSavings         int `json:"cleanup_savings"`
}

// CleanupStats is the cleanup snapshot produced by the file rebuilder.
type CleanupStats struct {
	RemovedDuplicates      int        `json:"removed_duplicates"`
	RemovedEmptyOrJunk     int        `json:"removed_empty_or_junk"`
	InvalidFormatRemaining int        `json:"invalid_format_remaining"`
	CleanedRowCount        int        `json:"cleaned_row_count"`
	CleanedAt              *time.Time `json:"cleaned_at,omitempty"`
}

// RunCounts are the live per-category counters of a running job.
type RunCounts struct {
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
	Risky   int `json:"risky"`
	Unknown int `json:"unknown"`
}

// Total sums all categories.
func (c RunCounts) Total() int {
	return c.Valid + c.Invalid + c.Risky + c.Unknown
}

// Billable sums the credit-consuming categories; unknown is free.
func (c RunCounts) Billable() int {
	return c.Valid + c.Invalid + c.Risky
}

// FileRef is an opaque handle into the blob store.
type FileRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// FileKind names the downloadable artifacts of a job.
type FileKind string

const (
	FileOriginal FileKind = "original"
	FileCleaned  FileKind = "cleaned"
	FileFix      FileKind = "fix"
	FileResult   FileKind = "result"
)

// BulkJob is one upload-to-result lifecycle for a batch of emails.
type BulkJob struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	SessionID string `json:"session_id,omitempty"`

	State JobState `json:"state"`
	Phase JobPhase `json:"phase"` // derived from State on every load

	// File references, nil until produced.
	OriginalFile *FileRef `json:"original_file,omitempty"`
	CleanedFile  *FileRef `json:"cleaned_file,omitempty"`
	FixFile      *FileRef `json:"fix_file,omitempty"`
	ResultFile   *FileRef `json:"result_file,omitempty"`

	EmailColumnName string        `json:"email_column_name"`
	Analysis        RowStats      `json:"analysis"`
	Cleanup         *CleanupStats `json:"cleanup,omitempty"`

	Counts          RunCounts `json:"counts"`
	ProgressCurrent int       `json:"progress_current"`
	ProgressTotal   int       `json:"progress_total"`
	CreditsRequired int64     `json:"credits_required"`
	CreditsUsed     int64     `json:"credits_used"`

	ErrorMessage string     `json:"error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// InputFile returns the file the execution engine should consume:
// the cleaned file when present, else the original upload.
func (j *BulkJob) InputFile() *FileRef {
	if j.CleanedFile != nil {
		return j.CleanedFile
	}
	return j.OriginalFile
}

// FileByKind returns the reference for a download kind, nil if absent.
func (j *BulkJob) FileByKind(kind FileKind) *FileRef {
	switch kind {
	case FileOriginal:
		return j.OriginalFile
	case FileCleaned:
		return j.CleanedFile
	case FileFix:
		return j.FixFile
	case FileResult:
		return j.ResultFile
	}
	return nil
}
