package bulk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifier_server/core/domain"
)

type engineFixture struct {
	repo     *memJobRepo
	blobs    *memBlobStore
	ledger   *memLedger
	resolver *stubResolver
	realtime *memRealtime
	registry *CancelRegistry
	engine   *Engine
	job      *domain.BulkJob
}

func newEngineFixture(t *testing.T, balance int64, verdicts map[string]domain.Category, emails ...string) *engineFixture {
	t.Helper()

	f := &engineFixture{
		repo:     newMemJobRepo(),
		blobs:    newMemBlobStore(),
		ledger:   newMemLedger("alice", balance),
		resolver: &stubResolver{verdicts: verdicts},
		realtime: &memRealtime{},
		registry: NewCancelRegistry(nil),
	}
	f.engine = NewEngine(f.repo, f.blobs, f.ledger, f.resolver, f.realtime, f.registry, EngineConfig{
		Workers:       2,
		ProgressFlush: 10 * time.Millisecond,
	})

	ref, err := f.blobs.Save(context.Background(), emailWorkbook(emails...), "input.xlsx", xlsxContentType)
	require.NoError(t, err)

	f.job = &domain.BulkJob{
		ID:              "job-1",
		Username:        "alice",
		State:           domain.StateRunning,
		OriginalFile:    ref,
		CreditsRequired: int64(len(emails)),
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, f.repo.Create(context.Background(), f.job))
	return f
}

func (f *engineFixture) stored(t *testing.T) *domain.BulkJob {
	t.Helper()
	job, err := f.repo.Get(context.Background(), f.job.ID)
	require.NoError(t, err)
	return job
}

func TestExecuteRunCompletesAndBills(t *testing.T) {
	f := newEngineFixture(t, 100, map[string]domain.Category{
		"a@x.com": domain.CategoryValid,
		"b@x.com": domain.CategoryValid,
		"c@x.com": domain.CategoryInvalid,
		"d@x.com": domain.CategoryRisky,
		"e@x.com": domain.CategoryUnknown,
	}, "a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com")

	require.NoError(t, f.engine.ExecuteRun(context.Background(), f.job))

	job := f.stored(t)
	assert.Equal(t, domain.StateDone, job.State)
	assert.Equal(t, 5, job.ProgressTotal)
	assert.Equal(t, 5, job.ProgressCurrent)
	assert.Equal(t, domain.RunCounts{Valid: 2, Invalid: 1, Risky: 1, Unknown: 1}, job.Counts)

	// unknown is free: 5 processed, 4 billable
	assert.Equal(t, int64(4), job.CreditsUsed)
	assert.Equal(t, []int64{4}, f.ledger.debits)

	require.NotNil(t, job.ResultFile)
	data, err := f.blobs.Read(context.Background(), job.ResultFile)
	require.NoError(t, err)
	header, rows, err := ParseWorkbook(data)
	require.NoError(t, err)
	assert.Equal(t, "Email", header[0])
	assert.Len(t, rows, 5)
}

func TestExecuteRunDeduplicatesFromFile(t *testing.T) {
	// The stored analysis is advisory; the engine re-derives the input
	// from the file, so duplicates and junk cost nothing.
	f := newEngineFixture(t, 100, map[string]domain.Category{
		"a@x.com": domain.CategoryValid,
	}, "a@x.com", "A@X.com", "notanemail", "a@x.com")

	require.NoError(t, f.engine.ExecuteRun(context.Background(), f.job))

	job := f.stored(t)
	assert.Equal(t, domain.StateDone, job.State)
	assert.Equal(t, 1, job.ProgressTotal)
	assert.Equal(t, int64(1), job.CreditsUsed)
}

func TestExecuteRunUnknownOnlyBillsNothing(t *testing.T) {
	f := newEngineFixture(t, 100, nil, "a@x.com", "b@x.com")

	require.NoError(t, f.engine.ExecuteRun(context.Background(), f.job))

	job := f.stored(t)
	assert.Equal(t, domain.StateDone, job.State)
	assert.Equal(t, domain.RunCounts{Unknown: 2}, job.Counts)
	assert.Equal(t, int64(0), job.CreditsUsed)
	assert.Equal(t, 0, f.ledger.debitCount())
	require.NotNil(t, job.ResultFile, "even an all-unknown run gets a result file")
}

func TestExecuteRunCanceledBeforeStartProcessesNothing(t *testing.T) {
	f := newEngineFixture(t, 100, map[string]domain.Category{
		"a@x.com": domain.CategoryValid,
	}, "a@x.com", "b@x.com")
	f.registry.Acquire(f.job.ID).Cancel()

	require.NoError(t, f.engine.ExecuteRun(context.Background(), f.job))

	job := f.stored(t)
	assert.Equal(t, domain.StateCanceled, job.State)
	assert.Equal(t, int64(0), job.CreditsUsed)
	assert.Nil(t, job.ResultFile)
	assert.Equal(t, 0, f.ledger.debitCount())
}

func TestExecuteRunCancelMidRun(t *testing.T) {
	emails := make([]string, 50)
	verdicts := make(map[string]domain.Category, 50)
	for i := range emails {
		emails[i] = string(rune('a'+i%26)) + string(rune('0'+i/26)) + "@x.com"
		verdicts[emails[i]] = domain.CategoryValid
	}
	f := newEngineFixture(t, 1000, verdicts, emails...)

	// Request cancellation after a handful of resolutions.
	f.resolver.onResolve = func(call int) {
		if call == 5 {
			f.registry.Acquire(f.job.ID).Cancel()
		}
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, f.engine.ExecuteRun(context.Background(), f.job))

	job := f.stored(t)
	assert.Equal(t, domain.StateCanceled, job.State)
	assert.Less(t, job.ProgressCurrent, len(emails), "cancel must stop the run early")
	assert.Equal(t, int64(0), job.CreditsUsed, "canceled runs bill nothing")
	assert.Equal(t, 0, f.ledger.debitCount())
	assert.Nil(t, job.ResultFile)
}

func TestExecuteRunBillingFailureFailsJob(t *testing.T) {
	f := newEngineFixture(t, 0, map[string]domain.Category{
		"a@x.com": domain.CategoryValid,
	}, "a@x.com")

	require.NoError(t, f.engine.ExecuteRun(context.Background(), f.job))

	job := f.stored(t)
	assert.Equal(t, domain.StateFailed, job.State)
	assert.Contains(t, job.ErrorMessage, "billing failed")
	assert.Equal(t, int64(0), job.CreditsUsed)
}

func TestExecuteRunUnreadableInputFailsJob(t *testing.T) {
	f := newEngineFixture(t, 100, nil, "a@x.com")
	f.job.OriginalFile = &domain.FileRef{ID: "missing"}

	require.NoError(t, f.engine.ExecuteRun(context.Background(), f.job))

	job := f.stored(t)
	assert.Equal(t, domain.StateFailed, job.State)
	assert.Contains(t, job.ErrorMessage, "input file unreadable")
}

func TestExecuteRunProgressCountersStayConsistent(t *testing.T) {
	f := newEngineFixture(t, 100, map[string]domain.Category{
		"a@x.com": domain.CategoryValid,
		"b@x.com": domain.CategoryInvalid,
		"c@x.com": domain.CategoryRisky,
	}, "a@x.com", "b@x.com", "c@x.com")

	require.NoError(t, f.engine.ExecuteRun(context.Background(), f.job))

	// The fake repo rejects negative deltas, so reaching the exact
	// totals proves every flush was additive.
	job := f.stored(t)
	assert.Equal(t, job.ProgressTotal, job.ProgressCurrent)
	assert.Equal(t, job.ProgressCurrent, job.Counts.Total())
	assert.GreaterOrEqual(t, f.repo.incrementCalls, 1)
}

func TestExecuteRunPushesRealtimeEvents(t *testing.T) {
	f := newEngineFixture(t, 100, map[string]domain.Category{
		"a@x.com": domain.CategoryValid,
		"b@x.com": domain.CategoryValid,
	}, "a@x.com", "b@x.com")

	require.NoError(t, f.engine.ExecuteRun(context.Background(), f.job))

	progress := f.realtime.byType(domain.EventJobProgress)
	require.NotEmpty(t, progress)
	for _, e := range progress {
		p := e.Data.(domain.ProgressPayload)
		assert.LessOrEqual(t, p.Current, p.Total)
	}

	states := f.realtime.byType(domain.EventJobState)
	require.Len(t, states, 1)
	assert.Equal(t, domain.StateDone, states[0].Data.(domain.StatePayload).State)
}
