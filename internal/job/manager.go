// Package job tracks the lifecycle of asynchronous transformation
// jobs: pending -> running -> {succeeded, failed}, with bounded retries
// through the retrying state and cancellation handling. The metadata
// store is the source of truth; every transition goes through a
// conditional update so claims stay exclusive and redeliveries are
// no-ops.
package job

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/gidorah/image-processing-service-api/internal/engine"
	"github.com/gidorah/image-processing-service-api/internal/model"
)

// Repository persists jobs with atomic conditional updates.
type Repository interface {
	Create(ctx context.Context, j model.Job) error
	Get(ctx context.Context, id uuid.UUID) (model.Job, error)
	// Claim moves a pending job to running and increments its attempt
	// count. ok is false when the job is not pending (already claimed,
	// terminal, or unknown) so redelivered notifications are no-ops.
	Claim(ctx context.Context, id uuid.UUID) (j model.Job, ok bool, err error)
	// MarkSucceeded sets the terminal succeeded state and the result
	// artifact reference in one atomic update.
	MarkSucceeded(ctx context.Context, id uuid.UUID, artifactID uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkCancelled(ctx context.Context, id uuid.UUID) error
	MarkRetrying(ctx context.Context, id uuid.UUID, reason string, nextAttemptAt time.Time) error
	// CancelPending cancels a job only if it is still pending.
	CancelPending(ctx context.Context, id uuid.UUID) (bool, error)
	// RequestCancel sets the cancellation flag on a running job; the
	// worker honors it once the current pipeline finishes.
	RequestCancel(ctx context.Context, id uuid.UUID) error
	// PromoteRetrying moves a retrying job whose backoff elapsed back
	// to pending. ok is false if the job moved on in the meantime.
	PromoteRetrying(ctx context.Context, id uuid.UUID) (bool, error)
	// DueRetries lists retrying jobs whose next attempt time has passed.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]model.Job, error)
	// StaleRunning lists running jobs not updated since the cutoff,
	// i.e. whose worker presumably crashed mid-pipeline.
	StaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]model.Job, error)
	// StalePending lists pending jobs not updated since the cutoff,
	// whose notification was presumably lost.
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]model.Job, error)
}

// Notifier delivers "a job is pending" notifications to workers.
// Delivery is at-least-once.
type Notifier interface {
	NotifyPending(ctx context.Context, jobID uuid.UUID) error
}

// RetryPolicy bounds retries and shapes the backoff between them.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	BackoffBase time.Duration // delay before the second attempt
	BackoffCap  time.Duration // upper bound on any delay
}

// Delay returns the jittered exponential backoff after the given
// attempt number (1-based). Jitter spreads retries so a shared
// dependency outage does not produce a thundering herd.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffCap {
			d = p.BackoffCap
			break
		}
	}
	if p.BackoffCap > 0 && d > p.BackoffCap {
		d = p.BackoffCap
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// Manager owns all job state transitions.
type Manager struct {
	repo     Repository
	notifier Notifier
	policy   RetryPolicy
	liveness time.Duration // running-state timeout before the reaper reclaims a job
}

func NewManager(repo Repository, n Notifier, policy RetryPolicy, liveness time.Duration) *Manager {
	return &Manager{repo: repo, notifier: n, policy: policy, liveness: liveness}
}

// Enqueue persists a new pending job and notifies the workers.
func (m *Manager) Enqueue(ctx context.Context, j model.Job) error {
	j.State = model.JobPending
	if err := m.repo.Create(ctx, j); err != nil {
		return err
	}
	return m.notifier.NotifyPending(ctx, j.ID)
}

// Get returns the current job record.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (model.Job, error) {
	return m.repo.Get(ctx, id)
}

// Claim attempts the exclusive pending -> running transition. A false
// result means the notification was a redelivery or the job moved on.
func (m *Manager) Claim(ctx context.Context, id uuid.UUID) (model.Job, bool, error) {
	return m.repo.Claim(ctx, id)
}

// Complete records the outcome of a finished run and returns the state
// the job ended up in. On success the artifact reference is set
// atomically with the succeeded state, unless cancellation was
// requested while the job ran, in which case the job ends cancelled.
// Failures are classified: permanent errors terminate the job,
// transient ones schedule a retry until attempts run out.
func (m *Manager) Complete(ctx context.Context, j model.Job, artifactID uuid.UUID, runErr error) (model.JobState, error) {
	if runErr == nil {
		cur, err := m.repo.Get(ctx, j.ID)
		if err == nil && cur.CancelRequested {
			return model.JobCancelled, m.repo.MarkCancelled(ctx, j.ID)
		}
		return model.JobSucceeded, m.repo.MarkSucceeded(ctx, j.ID, artifactID)
	}

	if engine.IsPermanent(runErr) || j.Attempts >= m.policy.MaxAttempts {
		return model.JobFailed, m.repo.MarkFailed(ctx, j.ID, runErr.Error())
	}

	delay := m.policy.Delay(j.Attempts)
	zlog.Logger.Info().
		Str("job_id", j.ID.String()).
		Int("attempts", j.Attempts).
		Dur("backoff", delay).
		Msg("scheduling job retry")
	return model.JobRetrying, m.repo.MarkRetrying(ctx, j.ID, runErr.Error(), time.Now().Add(delay))
}

// Cancel cancels a job. A pending job becomes terminal cancelled
// immediately; a running job only gets the flag set and finishes its
// current pipeline first, so no partially-written artifact is left
// behind. Cancelling a terminal job is a no-op.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) error {
	cancelled, err := m.repo.CancelPending(ctx, id)
	if err != nil {
		return err
	}
	if cancelled {
		return nil
	}

	j, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return nil
	}
	return m.repo.RequestCancel(ctx, id)
}

// RunReaper periodically reclaims jobs stuck in running past the
// liveness timeout (worker crash) and promotes retrying jobs whose
// backoff elapsed back to pending, re-notifying the workers. It returns
// when the context is cancelled.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zlog.Logger.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
			m.reapOnce(ctx)
		}
	}
}

func (m *Manager) reapOnce(ctx context.Context) {
	now := time.Now()

	// Workers that died mid-pipeline leave jobs in running; treat the
	// timeout as a retryable failure.
	stale, err := m.repo.StaleRunning(ctx, now.Add(-m.liveness), 100)
	if err != nil {
		zlog.Logger.Err(err).Msg("reaper: failed to list stale running jobs")
	}
	for _, j := range stale {
		if j.Attempts >= m.policy.MaxAttempts {
			if err := m.repo.MarkFailed(ctx, j.ID, "worker liveness timeout"); err != nil {
				zlog.Logger.Err(err).Str("job_id", j.ID.String()).Msg("reaper: failed to fail stale job")
			}
			continue
		}
		delay := m.policy.Delay(j.Attempts)
		if err := m.repo.MarkRetrying(ctx, j.ID, "worker liveness timeout", now.Add(delay)); err != nil {
			zlog.Logger.Err(err).Str("job_id", j.ID.String()).Msg("reaper: failed to reclaim stale job")
		}
	}

	// Pending jobs untouched for a full liveness window had their
	// notification lost somewhere; send another one. The transport is
	// at-least-once anyway, and claiming is idempotent.
	lost, err := m.repo.StalePending(ctx, now.Add(-m.liveness), 100)
	if err != nil {
		zlog.Logger.Err(err).Msg("reaper: failed to list stale pending jobs")
	}
	for _, j := range lost {
		if err := m.notifier.NotifyPending(ctx, j.ID); err != nil {
			zlog.Logger.Err(err).Str("job_id", j.ID.String()).Msg("reaper: failed to re-notify pending job")
		}
	}

	due, err := m.repo.DueRetries(ctx, now, 100)
	if err != nil {
		zlog.Logger.Err(err).Msg("reaper: failed to list due retries")
		return
	}
	for _, j := range due {
		ok, err := m.repo.PromoteRetrying(ctx, j.ID)
		if err != nil {
			zlog.Logger.Err(err).Str("job_id", j.ID.String()).Msg("reaper: failed to promote retrying job")
			continue
		}
		if !ok {
			continue
		}
		if err := m.notifier.NotifyPending(ctx, j.ID); err != nil {
			// The job stays pending; the next reaper pass or a
			// redelivered notification picks it up.
			zlog.Logger.Err(err).Str("job_id", j.ID.String()).Msg("reaper: failed to notify pending job")
		}
	}
}
