// Package worker runs the fixed-size pool that executes claimed jobs.
// Each worker pulls one job at a time and runs the transformation to
// completion before claiming the next; there is no preemption
// mid-pipeline.
package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/gidorah/image-processing-service-api/internal/job"
	"github.com/gidorah/image-processing-service-api/internal/metrics"
	"github.com/gidorah/image-processing-service-api/internal/model"
)

// Executor runs one job's transformation and returns the resulting
// artifact. The transform service implements it.
type Executor interface {
	Execute(ctx context.Context, j model.Job) (model.Artifact, error)
}

// Pool is a fixed-size worker pool fed by the queue consumer.
type Pool struct {
	size    int
	jobs    chan uuid.UUID
	manager *job.Manager
	exec    Executor
	metrics *metrics.Metrics
}

func NewPool(size int, m *job.Manager, exec Executor, mtr *metrics.Metrics) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:    size,
		jobs:    make(chan uuid.UUID),
		manager: m,
		exec:    exec,
		metrics: mtr,
	}
}

// Submit hands a job ID to the pool, blocking until a worker picks it
// up or the context ends. Blocking here gives the queue consumer
// natural backpressure: offsets are only committed once a worker has
// the notification.
func (p *Pool) Submit(ctx context.Context, id uuid.UUID) error {
	select {
	case p.jobs <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the workers. They exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.run(ctx, wg)
	}
}

func (p *Pool) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.jobs:
			p.process(ctx, id)
		}
	}
}

func (p *Pool) process(ctx context.Context, id uuid.UUID) {
	j, ok, err := p.manager.Claim(ctx, id)
	if err != nil {
		zlog.Logger.Err(err).Str("job_id", id.String()).Msg("failed to claim job")
		return
	}
	if !ok {
		// Redelivered notification for a job that is already running
		// or terminal; nothing to do.
		return
	}

	artifact, runErr := p.exec.Execute(ctx, j)

	var artifactID uuid.UUID
	if runErr == nil {
		artifactID = artifact.ID
	}

	state, err := p.manager.Complete(ctx, j, artifactID, runErr)
	if err != nil {
		zlog.Logger.Err(err).Str("job_id", id.String()).Msg("failed to record job outcome")
		return
	}

	if state.Terminal() {
		p.metrics.IncJobCompleted(string(state))
	}

	zlog.Logger.Info().
		Str("job_id", id.String()).
		Str("state", string(state)).
		Int("attempts", j.Attempts).
		Msg("job processed")
}
