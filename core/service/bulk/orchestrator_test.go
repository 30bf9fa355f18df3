package bulk

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifier_server/core/domain"
	"verifier_server/core/port/in"
	"verifier_server/pkg/apperr"
)

type orchestratorFixture struct {
	repo       *memJobRepo
	blobs      *memBlobStore
	ledger     *memLedger
	resolver   *stubResolver
	registry   *CancelRegistry
	dispatcher *stubDispatcher
	orch       *Orchestrator
}

func newOrchestratorFixture(t *testing.T, balance int64, verdicts map[string]domain.Category) *orchestratorFixture {
	t.Helper()

	f := &orchestratorFixture{
		repo:       newMemJobRepo(),
		blobs:      newMemBlobStore(),
		ledger:     newMemLedger("alice", balance),
		resolver:   &stubResolver{verdicts: verdicts},
		registry:   NewCancelRegistry(nil),
		dispatcher: &stubDispatcher{},
	}
	engine := NewEngine(f.repo, f.blobs, f.ledger, f.resolver, nil, f.registry, EngineConfig{
		Workers:       2,
		ProgressFlush: 10 * time.Millisecond,
	})
	f.orch = NewOrchestrator(f.repo, f.blobs, f.ledger, engine, f.dispatcher, OrchestratorConfig{})
	return f
}

func (f *orchestratorFixture) waitTerminal(t *testing.T, jobID string) *domain.BulkJob {
	t.Helper()
	var job *domain.BulkJob
	require.Eventually(t, func() bool {
		var err error
		job, err = f.repo.Get(context.Background(), jobID)
		return err == nil && job.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond, "job never reached a terminal state")
	return job
}

func TestCreateFromFilePreflight(t *testing.T) {
	f := newOrchestratorFixture(t, 100, nil)

	data, err := BuildWorkbook("Sheet1", []string{"Name", "Email"}, [][]string{
		{"Alice", "alice@example.com"},
		{"Alice again", "ALICE@example.com"},
		{"Bad", "not-an-email"},
		{"Nobody", ""},
		{"Carol", "carol@example.org"},
	}, nil)
	require.NoError(t, err)

	job, err := f.orch.CreateFromFile(context.Background(), "alice", "sess-1", "list.xlsx", data)
	require.NoError(t, err)

	assert.Equal(t, domain.StateNeedsCleanup, job.State)
	assert.Equal(t, domain.PhaseSetup, job.Phase)
	assert.Equal(t, "Email", job.EmailColumnName)
	assert.Equal(t, 2, job.Analysis.UniqueValid)
	assert.Equal(t, 1, job.Analysis.Duplicates)
	assert.Equal(t, 1, job.Analysis.InvalidFormat)
	assert.Equal(t, 1, job.Analysis.EmptyOrJunk)
	assert.Equal(t, int64(2), job.CreditsRequired)
	require.NotNil(t, job.OriginalFile)
}

func TestCreateFromFileCleanInputIsReady(t *testing.T) {
	f := newOrchestratorFixture(t, 100, nil)

	job, err := f.orch.CreateFromFile(context.Background(), "alice", "", "list.xlsx",
		emailWorkbook("a@x.com", "b@y.org"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, job.State)
	assert.Equal(t, int64(2), job.CreditsRequired)
}

func TestCreateFromFileRejectsGarbageAndEmpty(t *testing.T) {
	f := newOrchestratorFixture(t, 100, nil)

	_, err := f.orch.CreateFromFile(context.Background(), "alice", "", "x.xlsx", []byte("garbage"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBadRequest, apperr.AsAppError(err).Code)

	_, err = f.orch.CreateFromFile(context.Background(), "alice", "", "x.xlsx",
		emailWorkbook("junk", "more junk"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidationFailed, apperr.AsAppError(err).Code)
}

func TestCreateFromText(t *testing.T) {
	f := newOrchestratorFixture(t, 100, nil)

	job, err := f.orch.CreateFromText(context.Background(), "alice", "",
		"a@x.com\nb@y.org, c@z.net; a@x.com\n\n")
	require.NoError(t, err)
	assert.Equal(t, 3, job.Analysis.UniqueValid)
	assert.Equal(t, 1, job.Analysis.Duplicates)

	_, err = f.orch.CreateFromText(context.Background(), "alice", "", "  \n ")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeMissingField, apperr.AsAppError(err).Code)
}

func TestCleanupProducesFiles(t *testing.T) {
	f := newOrchestratorFixture(t, 100, nil)

	job, err := f.orch.CreateFromFile(context.Background(), "alice", "", "list.xlsx",
		emailWorkbook("a@x.com", "A@x.com", "bad-row", "b@y.org"))
	require.NoError(t, err)
	require.Equal(t, domain.StateNeedsCleanup, job.State)

	job, err = f.orch.Cleanup(context.Background(), job.ID)
	require.NoError(t, err)

	// invalid-format rows remain, so the job needs a fix pass
	assert.Equal(t, domain.StateNeedsFix, job.State)
	require.NotNil(t, job.CleanedFile)
	require.NotNil(t, job.FixFile)
	require.NotNil(t, job.Cleanup)
	assert.Equal(t, 1, job.Cleanup.RemovedDuplicates)
	assert.Equal(t, 1, job.Cleanup.InvalidFormatRemaining)
	assert.Equal(t, 2, job.Cleanup.CleanedRowCount)

	data, err := f.blobs.Read(context.Background(), job.CleanedFile)
	require.NoError(t, err)
	_, rows, err := ParseWorkbook(data)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCleanupWithoutInvalidRowsLandsReady(t *testing.T) {
	f := newOrchestratorFixture(t, 100, nil)

	job, err := f.orch.CreateFromFile(context.Background(), "alice", "", "list.xlsx",
		emailWorkbook("a@x.com", "a@x.com", "b@y.org"))
	require.NoError(t, err)

	job, err = f.orch.Cleanup(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, job.State)
	assert.Nil(t, job.FixFile)
}

func TestCleanupRequiresCleanupState(t *testing.T) {
	f := newOrchestratorFixture(t, 100, nil)

	job, err := f.orch.CreateFromFile(context.Background(), "alice", "", "list.xlsx",
		emailWorkbook("a@x.com"))
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, job.State)

	_, err = f.orch.Cleanup(context.Background(), job.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodePreconditionFailed, apperr.AsAppError(err).Code)
}

func TestStartRunsToCompletion(t *testing.T) {
	f := newOrchestratorFixture(t, 100, map[string]domain.Category{
		"a@x.com": domain.CategoryValid,
		"b@y.org": domain.CategoryInvalid,
	})

	job, err := f.orch.CreateFromFile(context.Background(), "alice", "", "list.xlsx",
		emailWorkbook("a@x.com", "b@y.org"))
	require.NoError(t, err)

	job, err = f.orch.Start(context.Background(), job.ID, in.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, job.State)
	assert.Equal(t, domain.PhaseRunning, job.Phase)

	final := f.waitTerminal(t, job.ID)
	assert.Equal(t, domain.StateDone, final.State)
	assert.Equal(t, domain.RunCounts{Valid: 1, Invalid: 1}, final.Counts)
	assert.Equal(t, int64(2), final.CreditsUsed)

	balance, err := f.ledger.Balance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(98), balance)

	ref, rc, err := f.orch.Download(context.Background(), job.ID, domain.FileResult)
	require.NoError(t, err)
	defer rc.Close()
	assert.NotEmpty(t, ref.Name)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	_, rows, err := ParseWorkbook(data)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCreateFromFileInsufficientCredits(t *testing.T) {
	f := newOrchestratorFixture(t, 1, nil)

	_, err := f.orch.CreateFromFile(context.Background(), "alice", "", "list.xlsx",
		emailWorkbook("a@x.com", "b@y.org", "c@z.net"))
	require.Error(t, err)
	require.True(t, errors.Is(err, apperr.ErrInsufficientCredits))

	// the rejection happens before anything is persisted
	assert.Equal(t, 0, f.blobs.count())
	_, total, err := f.repo.ListRecent(context.Background(), "alice", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestStartInsufficientCredits(t *testing.T) {
	f := newOrchestratorFixture(t, 2, nil)

	job, err := f.orch.CreateFromFile(context.Background(), "alice", "", "list.xlsx",
		emailWorkbook("a@x.com", "b@y.org"))
	require.NoError(t, err)

	// credits spent elsewhere between preflight and start
	f.ledger.setBalance("alice", 1)

	_, err = f.orch.Start(context.Background(), job.ID, in.StartOptions{})
	require.Error(t, err)
	require.True(t, errors.Is(err, apperr.ErrInsufficientCredits))

	// the refusal leaves the job startable
	job, err = f.orch.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, job.State)
}

func TestStartNeedsFixRequiresSkipFlag(t *testing.T) {
	f := newOrchestratorFixture(t, 100, map[string]domain.Category{
		"a@x.com": domain.CategoryValid,
	})

	job, err := f.orch.CreateFromFile(context.Background(), "alice", "", "list.xlsx",
		emailWorkbook("a@x.com", "broken-row"))
	require.NoError(t, err)
	job, err = f.orch.Cleanup(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateNeedsFix, job.State)

	_, err = f.orch.Start(context.Background(), job.ID, in.StartOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodePreconditionFailed, apperr.AsAppError(err).Code)

	job, err = f.orch.Start(context.Background(), job.ID, in.StartOptions{SkipInvalidFormat: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, job.State)

	final := f.waitTerminal(t, job.ID)
	assert.Equal(t, domain.StateDone, final.State)
	// the cleaned file feeds the run, so only the valid address is billed
	assert.Equal(t, int64(1), final.CreditsUsed)
}

func TestStartDetachedDispatches(t *testing.T) {
	f := newOrchestratorFixture(t, 100, nil)

	job, err := f.orch.CreateFromFile(context.Background(), "alice", "", "list.xlsx",
		emailWorkbook("a@x.com"))
	require.NoError(t, err)

	job, err = f.orch.Start(context.Background(), job.ID, in.StartOptions{Detached: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, job.State)
	assert.Equal(t, []string{job.ID}, f.dispatcher.jobs)

	// nothing ran in-process
	time.Sleep(50 * time.Millisecond)
	job, err = f.orch.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, job.State)
	assert.Equal(t, 0, job.ProgressCurrent)
}

func TestStartDetachedDispatchFailureFailsJob(t *testing.T) {
	f := newOrchestratorFixture(t, 100, nil)
	f.dispatcher.err = errors.New("stream down")

	job, err := f.orch.CreateFromFile(context.Background(), "alice", "", "list.xlsx",
		emailWorkbook("a@x.com"))
	require.NoError(t, err)

	_, err = f.orch.Start(context.Background(), job.ID, in.StartOptions{Detached: true})
	require.Error(t, err)

	job, err = f.orch.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, job.State)
}

func TestStartRejectsTerminalAndRunningJobs(t *testing.T) {
	f := newOrchestratorFixture(t, 100, nil)

	job, err := f.orch.CreateFromFile(context.Background(), "alice", "", "list.xlsx",
		emailWorkbook("a@x.com"))
	require.NoError(t, err)

	_, err = f.orch.Start(context.Background(), job.ID, in.StartOptions{Detached: true})
	require.NoError(t, err)

	// already running
	_, err = f.orch.Start(context.Background(), job.ID, in.StartOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodePreconditionFailed, apperr.AsAppError(err).Code)

	require.NoError(t, f.repo.FinalizeRun(context.Background(), job.ID, domain.StateCanceled, 0, nil, ""))
	_, err = f.orch.Start(context.Background(), job.ID, in.StartOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeJobTerminal, apperr.AsAppError(err).Code)
}

func TestCancelOnlyRunningJobs(t *testing.T) {
	f := newOrchestratorFixture(t, 100, nil)

	job, err := f.orch.CreateFromFile(context.Background(), "alice", "", "list.xlsx",
		emailWorkbook("a@x.com"))
	require.NoError(t, err)

	err = f.orch.Cancel(context.Background(), job.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodePreconditionFailed, apperr.AsAppError(err).Code)

	_, err = f.orch.Start(context.Background(), job.ID, in.StartOptions{Detached: true})
	require.NoError(t, err)
	require.NoError(t, f.orch.Cancel(context.Background(), job.ID))

	token := f.registry.Get(job.ID)
	if token != nil {
		assert.True(t, token.Canceled())
	}
}

func TestDownloadMissingArtifact(t *testing.T) {
	f := newOrchestratorFixture(t, 100, nil)

	job, err := f.orch.CreateFromFile(context.Background(), "alice", "", "list.xlsx",
		emailWorkbook("a@x.com"))
	require.NoError(t, err)

	_, _, err = f.orch.Download(context.Background(), job.ID, domain.FileResult)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.AsAppError(err).Code)

	ref, rc, err := f.orch.Download(context.Background(), job.ID, domain.FileOriginal)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, job.OriginalFile.ID, ref.ID)
}

func TestListByState(t *testing.T) {
	f := newOrchestratorFixture(t, 100, nil)

	_, err := f.orch.CreateFromFile(context.Background(), "alice", "", "a.xlsx", emailWorkbook("a@x.com"))
	require.NoError(t, err)
	_, err = f.orch.CreateFromFile(context.Background(), "alice", "", "b.xlsx", emailWorkbook("b@x.com", "b@x.com"))
	require.NoError(t, err)

	ready, total, err := f.orch.ListByState(context.Background(), "alice", domain.StateReady, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, ready, 1)

	all, total, err := f.orch.ListByState(context.Background(), "alice", "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, all, 2)
}
