package bulk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"verifier_server/core/domain"
	"verifier_server/core/port/out"
	"verifier_server/pkg/apperr"
)

// memJobRepo is an in-memory JobRepository that enforces the same
// transition and terminal-state rules as the SQL adapter.
type memJobRepo struct {
	mu             sync.Mutex
	jobs           map[string]*domain.BulkJob
	incrementCalls int
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*domain.BulkJob)}
}

func (r *memJobRepo) Create(_ context.Context, job *domain.BulkJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *memJobRepo) Get(_ context.Context, jobID string) (*domain.BulkJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, apperr.NotFound("job")
	}
	cp := *job
	cp.Phase = cp.State.Phase()
	return &cp, nil
}

func (r *memJobRepo) ListByState(_ context.Context, username string, state domain.JobState, limit, offset int) ([]*domain.BulkJob, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*domain.BulkJob
	for _, j := range r.jobs {
		if j.Username == username && j.State == state {
			cp := *j
			res = append(res, &cp)
		}
	}
	return res, len(res), nil
}

func (r *memJobRepo) ListRecent(_ context.Context, username string, limit, offset int) ([]*domain.BulkJob, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*domain.BulkJob
	for _, j := range r.jobs {
		if j.Username == username {
			cp := *j
			res = append(res, &cp)
		}
	}
	return res, len(res), nil
}

func (r *memJobRepo) Update(_ context.Context, job *domain.BulkJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[job.ID]
	if !ok {
		return apperr.NotFound("job")
	}
	if cur.State.Terminal() {
		return apperr.JobTerminal(string(cur.State))
	}
	cp := *job
	cp.State = cur.State // Update never changes state
	cp.Counts = cur.Counts
	cp.ProgressCurrent = cur.ProgressCurrent
	r.jobs[job.ID] = &cp
	return nil
}

func (r *memJobRepo) UpdateState(_ context.Context, jobID string, state domain.JobState, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return apperr.NotFound("job")
	}
	if !job.State.CanTransition(state) {
		return apperr.PreconditionFailed(fmt.Sprintf("illegal transition %s -> %s", job.State, state))
	}
	job.State = state
	job.ErrorMessage = errorMessage
	return nil
}

func (r *memJobRepo) IncrementCounts(_ context.Context, jobID string, delta out.CountsDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return apperr.NotFound("job")
	}
	if delta.Valid < 0 || delta.Invalid < 0 || delta.Risky < 0 || delta.Unknown < 0 || delta.Progress < 0 {
		return fmt.Errorf("negative delta would break monotonic counters: %+v", delta)
	}
	r.incrementCalls++
	job.Counts.Valid += delta.Valid
	job.Counts.Invalid += delta.Invalid
	job.Counts.Risky += delta.Risky
	job.Counts.Unknown += delta.Unknown
	job.ProgressCurrent += delta.Progress
	return nil
}

func (r *memJobRepo) FinalizeRun(_ context.Context, jobID string, state domain.JobState, creditsUsed int64, result *domain.FileRef, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return apperr.NotFound("job")
	}
	if !job.State.CanTransition(state) {
		return apperr.PreconditionFailed(fmt.Sprintf("illegal transition %s -> %s", job.State, state))
	}
	now := time.Now().UTC()
	job.State = state
	job.CreditsUsed = creditsUsed
	job.ResultFile = result
	job.ErrorMessage = errorMessage
	job.FinishedAt = &now
	return nil
}

// memBlobStore keeps blobs in a map.
type memBlobStore struct {
	mu    sync.Mutex
	next  int
	blobs map[string][]byte
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{blobs: make(map[string][]byte)}
}

func (s *memBlobStore) Save(_ context.Context, data []byte, filename, contentType string) (*domain.FileRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprintf("blob-%d", s.next)
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[id] = cp
	return &domain.FileRef{ID: id, Name: filename, Size: int64(len(data)), ContentType: contentType}, nil
}

func (s *memBlobStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

func (s *memBlobStore) Read(_ context.Context, ref *domain.FileRef) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[ref.ID]
	if !ok {
		return nil, apperr.NotFound("blob")
	}
	return data, nil
}

func (s *memBlobStore) OpenDownloadStream(ctx context.Context, ref *domain.FileRef) (io.ReadCloser, error) {
	data, err := s.Read(ctx, ref)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memBlobStore) Delete(_ context.Context, ref *domain.FileRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, ref.ID)
	return nil
}

// memLedger is an in-memory credits ledger.
type memLedger struct {
	mu      sync.Mutex
	balance map[string]int64
	debits  []int64
}

func newMemLedger(username string, balance int64) *memLedger {
	return &memLedger{balance: map[string]int64{username: balance}}
}

func (l *memLedger) Balance(_ context.Context, username string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance[username], nil
}

func (l *memLedger) Debit(_ context.Context, username string, n int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.balance[username]
	if cur < n {
		return 0, apperr.InsufficientCredits(n, cur)
	}
	l.balance[username] = cur - n
	l.debits = append(l.debits, n)
	return l.balance[username], nil
}

func (l *memLedger) setBalance(username string, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance[username] = balance
}

func (l *memLedger) debitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.debits)
}

// stubResolver maps addresses to categories; unmapped addresses resolve
// unknown. onResolve, when set, runs before each resolution.
type stubResolver struct {
	mu        sync.Mutex
	verdicts  map[string]domain.Category
	calls     int
	onResolve func(call int)
}

func (s *stubResolver) Resolve(_ context.Context, _, email string) (*domain.Verdict, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	hook := s.onResolve
	cat, ok := s.verdicts[email]
	s.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if !ok {
		cat = domain.CategoryUnknown
	}
	return &domain.Verdict{
		Email:     email,
		Status:    string(cat),
		Category:  cat,
		Score:     90,
		Source:    domain.SourceLive,
		CheckedAt: time.Now().UTC(),
	}, nil
}

// memRealtime records pushed events.
type memRealtime struct {
	mu     sync.Mutex
	events []*domain.RealtimeEvent
}

func (m *memRealtime) Subscribe(string) <-chan *domain.RealtimeEvent { return nil }

func (m *memRealtime) Unsubscribe(string, <-chan *domain.RealtimeEvent) {}

func (m *memRealtime) Push(_ context.Context, _ string, event *domain.RealtimeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memRealtime) IsConnected(string) bool { return true }

func (m *memRealtime) byType(typ domain.EventType) []*domain.RealtimeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*domain.RealtimeEvent
	for _, e := range m.events {
		if e.Type == typ {
			res = append(res, e)
		}
	}
	return res
}

// stubDispatcher records dispatched runs.
type stubDispatcher struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (d *stubDispatcher) DispatchRun(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, jobID)
	return nil
}

// emailWorkbook builds a single-column workbook for tests.
func emailWorkbook(emails ...string) []byte {
	rows := make([][]string, 0, len(emails))
	for _, e := range emails {
		rows = append(rows, []string{e})
	}
	data, err := BuildWorkbook("Sheet1", []string{"Email"}, rows, nil)
	if err != nil {
		panic(err)
	}
	return data
}
