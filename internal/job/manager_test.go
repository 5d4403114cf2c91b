package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/gidorah/image-processing-service-api/internal/engine"
	"github.com/gidorah/image-processing-service-api/internal/model"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

// fakeRepo is an in-memory Repository with the same conditional-update
// semantics as the SQL implementation.
type fakeRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*model.Job
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: make(map[uuid.UUID]*model.Job)}
}

func (r *fakeRepo) Create(_ context.Context, j model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := j
	r.jobs[j.ID] = &cp
	return nil
}

func (r *fakeRepo) Get(_ context.Context, id uuid.UUID) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("job %s not found", id)
	}
	return *j, nil
}

func (r *fakeRepo) Claim(_ context.Context, id uuid.UUID) (model.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.State != model.JobPending {
		return model.Job{}, false, nil
	}
	j.State = model.JobRunning
	j.Attempts++
	j.UpdatedAt = time.Now()
	return *j, true, nil
}

func (r *fakeRepo) MarkSucceeded(_ context.Context, id, artifactID uuid.UUID) error {
	return r.transition(id, model.JobRunning, func(j *model.Job) {
		j.State = model.JobSucceeded
		j.ArtifactID = &artifactID
	})
}

func (r *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.State.Terminal() {
		return fmt.Errorf("job %s not failable", id)
	}
	j.State = model.JobFailed
	j.LastError = reason
	return nil
}

func (r *fakeRepo) MarkCancelled(_ context.Context, id uuid.UUID) error {
	return r.transition(id, model.JobRunning, func(j *model.Job) {
		j.State = model.JobCancelled
	})
}

func (r *fakeRepo) MarkRetrying(_ context.Context, id uuid.UUID, reason string, nextAttemptAt time.Time) error {
	return r.transition(id, model.JobRunning, func(j *model.Job) {
		j.State = model.JobRetrying
		j.LastError = reason
		j.NextAttemptAt = &nextAttemptAt
	})
}

func (r *fakeRepo) CancelPending(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.State != model.JobPending {
		return false, nil
	}
	j.State = model.JobCancelled
	return true, nil
}

func (r *fakeRepo) RequestCancel(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	j.CancelRequested = true
	return nil
}

func (r *fakeRepo) PromoteRetrying(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.State != model.JobRetrying {
		return false, nil
	}
	j.State = model.JobPending
	j.NextAttemptAt = nil
	j.UpdatedAt = time.Now()
	return true, nil
}

func (r *fakeRepo) DueRetries(_ context.Context, now time.Time, limit int) ([]model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Job
	for _, j := range r.jobs {
		if j.State == model.JobRetrying && j.NextAttemptAt != nil && !j.NextAttemptAt.After(now) {
			out = append(out, *j)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) StaleRunning(_ context.Context, cutoff time.Time, limit int) ([]model.Job, error) {
	return r.staleIn(model.JobRunning, cutoff, limit)
}

func (r *fakeRepo) StalePending(_ context.Context, cutoff time.Time, limit int) ([]model.Job, error) {
	return r.staleIn(model.JobPending, cutoff, limit)
}

func (r *fakeRepo) staleIn(state model.JobState, cutoff time.Time, limit int) ([]model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Job
	for _, j := range r.jobs {
		if j.State == state && j.UpdatedAt.Before(cutoff) {
			out = append(out, *j)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) transition(id uuid.UUID, from model.JobState, apply func(*model.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.State != from {
		return fmt.Errorf("job %s not in state %s", id, from)
	}
	apply(j)
	j.UpdatedAt = time.Now()
	return nil
}

type fakeNotifier struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (n *fakeNotifier) NotifyPending(_ context.Context, jobID uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.ids = append(n.ids, jobID)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ids)
}

var testPolicy = RetryPolicy{MaxAttempts: 3, BackoffBase: time.Second, BackoffCap: time.Minute}

func newTestManager() (*Manager, *fakeRepo, *fakeNotifier) {
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	return NewManager(repo, notifier, testPolicy, 5*time.Minute), repo, notifier
}

func enqueued(t *testing.T, m *Manager, repo *fakeRepo) model.Job {
	t.Helper()
	j := model.Job{ID: uuid.New(), OwnerID: uuid.New(), SourceID: uuid.New()}
	if err := m.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	got, err := repo.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Get after enqueue: %v", err)
	}
	return got
}

func TestEnqueue(t *testing.T) {
	m, repo, notifier := newTestManager()
	j := enqueued(t, m, repo)

	if j.State != model.JobPending {
		t.Errorf("state: got %s, want %s", j.State, model.JobPending)
	}
	if notifier.count() != 1 {
		t.Errorf("notifications: got %d, want 1", notifier.count())
	}
}

func TestClaim_Exclusive(t *testing.T) {
	m, repo, _ := newTestManager()
	j := enqueued(t, m, repo)

	claimed, ok, err := m.Claim(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !ok {
		t.Fatal("first claim should succeed")
	}
	if claimed.State != model.JobRunning || claimed.Attempts != 1 {
		t.Errorf("claimed job: state %s attempts %d, want running/1", claimed.State, claimed.Attempts)
	}

	// Redelivered notification: the job is no longer pending.
	_, ok, err = m.Claim(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if ok {
		t.Error("second claim should be a no-op")
	}
}

func TestClaim_UnknownJob(t *testing.T) {
	m, _, _ := newTestManager()
	_, ok, err := m.Claim(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Claim errored: %v", err)
	}
	if ok {
		t.Error("claim of unknown job should be a no-op")
	}
}

func claimRunning(t *testing.T, m *Manager, repo *fakeRepo) model.Job {
	t.Helper()
	j := enqueued(t, m, repo)
	claimed, ok, err := m.Claim(context.Background(), j.ID)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	return claimed
}

func TestComplete_Success(t *testing.T) {
	m, repo, _ := newTestManager()
	j := claimRunning(t, m, repo)
	artifactID := uuid.New()

	state, err := m.Complete(context.Background(), j, artifactID, nil)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if state != model.JobSucceeded {
		t.Errorf("state: got %s, want %s", state, model.JobSucceeded)
	}

	got, _ := repo.Get(context.Background(), j.ID)
	if got.State != model.JobSucceeded {
		t.Errorf("stored state: got %s, want %s", got.State, model.JobSucceeded)
	}
	if got.ArtifactID == nil || *got.ArtifactID != artifactID {
		t.Errorf("artifact reference: got %v, want %s", got.ArtifactID, artifactID)
	}
}

func TestComplete_SuccessAfterCancelRequest(t *testing.T) {
	m, repo, _ := newTestManager()
	j := claimRunning(t, m, repo)

	// Cancellation arrives while the pipeline runs.
	if err := m.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	state, err := m.Complete(context.Background(), j, uuid.New(), nil)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if state != model.JobCancelled {
		t.Errorf("state: got %s, want %s", state, model.JobCancelled)
	}
}

func TestComplete_PermanentErrorFailsImmediately(t *testing.T) {
	m, repo, _ := newTestManager()
	j := claimRunning(t, m, repo)

	runErr := &engine.TransformError{Reason: engine.ReasonDecodeFailure, Err: errors.New("bad image")}
	state, err := m.Complete(context.Background(), j, uuid.Nil, runErr)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if state != model.JobFailed {
		t.Errorf("state: got %s, want %s", state, model.JobFailed)
	}

	got, _ := repo.Get(context.Background(), j.ID)
	if got.LastError == "" {
		t.Error("failure reason not recorded")
	}
}

func TestComplete_TransientErrorSchedulesRetry(t *testing.T) {
	m, repo, _ := newTestManager()
	j := claimRunning(t, m, repo)

	state, err := m.Complete(context.Background(), j, uuid.Nil, errors.New("connection refused"))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if state != model.JobRetrying {
		t.Errorf("state: got %s, want %s", state, model.JobRetrying)
	}

	got, _ := repo.Get(context.Background(), j.ID)
	if got.NextAttemptAt == nil {
		t.Fatal("retry deadline not set")
	}
	if !got.NextAttemptAt.After(time.Now()) {
		t.Error("retry deadline should be in the future")
	}
}

func TestComplete_RetriesExhausted(t *testing.T) {
	m, repo, _ := newTestManager()
	j := claimRunning(t, m, repo)
	j.Attempts = testPolicy.MaxAttempts

	state, err := m.Complete(context.Background(), j, uuid.Nil, errors.New("connection refused"))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if state != model.JobFailed {
		t.Errorf("state: got %s, want %s", state, model.JobFailed)
	}

	got, _ := repo.Get(context.Background(), j.ID)
	if got.State != model.JobFailed {
		t.Errorf("stored state: got %s, want %s", got.State, model.JobFailed)
	}
}

func TestCancel_Pending(t *testing.T) {
	m, repo, _ := newTestManager()
	j := enqueued(t, m, repo)

	if err := m.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	got, _ := repo.Get(context.Background(), j.ID)
	if got.State != model.JobCancelled {
		t.Errorf("state: got %s, want %s", got.State, model.JobCancelled)
	}
}

func TestCancel_RunningSetsFlagOnly(t *testing.T) {
	m, repo, _ := newTestManager()
	j := claimRunning(t, m, repo)

	if err := m.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	got, _ := repo.Get(context.Background(), j.ID)
	if got.State != model.JobRunning {
		t.Errorf("state: got %s, want %s", got.State, model.JobRunning)
	}
	if !got.CancelRequested {
		t.Error("cancel flag not set on running job")
	}
}

func TestCancel_TerminalIsNoop(t *testing.T) {
	m, repo, _ := newTestManager()
	j := claimRunning(t, m, repo)
	if _, err := m.Complete(context.Background(), j, uuid.New(), nil); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if err := m.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("Cancel of terminal job errored: %v", err)
	}
	got, _ := repo.Get(context.Background(), j.ID)
	if got.State != model.JobSucceeded {
		t.Errorf("state: got %s, want %s", got.State, model.JobSucceeded)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BackoffBase: time.Second, BackoffCap: time.Minute}

	for attempt := 1; attempt <= 10; attempt++ {
		full := time.Second << (attempt - 1)
		if full > time.Minute {
			full = time.Minute
		}
		for i := 0; i < 20; i++ {
			d := p.Delay(attempt)
			if d < full/2 || d > full {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, full/2, full)
			}
		}
	}
}

func TestReaper_ReclaimsStaleRunning(t *testing.T) {
	m, repo, _ := newTestManager()
	j := claimRunning(t, m, repo)

	// Backdate the job past the liveness window.
	repo.mu.Lock()
	repo.jobs[j.ID].UpdatedAt = time.Now().Add(-time.Hour)
	repo.mu.Unlock()

	m.reapOnce(context.Background())

	got, _ := repo.Get(context.Background(), j.ID)
	if got.State != model.JobRetrying {
		t.Errorf("state: got %s, want %s", got.State, model.JobRetrying)
	}
}

func TestReaper_FailsStaleRunningOutOfAttempts(t *testing.T) {
	m, repo, _ := newTestManager()
	j := claimRunning(t, m, repo)

	repo.mu.Lock()
	repo.jobs[j.ID].Attempts = testPolicy.MaxAttempts
	repo.jobs[j.ID].UpdatedAt = time.Now().Add(-time.Hour)
	repo.mu.Unlock()

	m.reapOnce(context.Background())

	got, _ := repo.Get(context.Background(), j.ID)
	if got.State != model.JobFailed {
		t.Errorf("state: got %s, want %s", got.State, model.JobFailed)
	}
}

func TestReaper_PromotesDueRetries(t *testing.T) {
	m, repo, notifier := newTestManager()
	j := claimRunning(t, m, repo)

	if _, err := m.Complete(context.Background(), j, uuid.Nil, errors.New("connection refused")); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// Fast-forward past the backoff deadline.
	past := time.Now().Add(-time.Second)
	repo.mu.Lock()
	repo.jobs[j.ID].NextAttemptAt = &past
	repo.mu.Unlock()

	before := notifier.count()
	m.reapOnce(context.Background())

	got, _ := repo.Get(context.Background(), j.ID)
	if got.State != model.JobPending {
		t.Errorf("state: got %s, want %s", got.State, model.JobPending)
	}
	if notifier.count() != before+1 {
		t.Errorf("notifications: got %d, want %d", notifier.count(), before+1)
	}
}

func TestReaper_RenotifiesStalePending(t *testing.T) {
	m, repo, notifier := newTestManager()
	j := enqueued(t, m, repo)

	repo.mu.Lock()
	repo.jobs[j.ID].UpdatedAt = time.Now().Add(-time.Hour)
	repo.mu.Unlock()

	before := notifier.count()
	m.reapOnce(context.Background())

	if notifier.count() != before+1 {
		t.Errorf("notifications: got %d, want %d", notifier.count(), before+1)
	}
}
