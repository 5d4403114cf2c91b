package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/gidorah/image-processing-service-api/internal/model"
)

var ErrJobNotFound = errors.New("job not found")

// Repository persists jobs in PostgreSQL. State transitions are
// conditional updates keyed on the current state, which is what makes
// claims exclusive and redeliveries no-ops.
type Repository struct {
	db *dbpg.DB
}

func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

const jobColumns = `id, owner_id, source_id, operations, output_format, state, attempts,
		last_error, artifact_id, cancel_requested, next_attempt_at, created_at, updated_at`

func (r *Repository) Create(ctx context.Context, j model.Job) error {
	ops, err := json.Marshal(j.Operations)
	if err != nil {
		return fmt.Errorf("create: failed to marshal operations: %w", err)
	}

	query := `
		INSERT INTO jobs (id, owner_id, source_id, operations, output_format, state)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.db.ExecContext(ctx, query, j.ID, j.OwnerID, j.SourceID, ops, j.OutputFormat, model.JobPending); err != nil {
		return fmt.Errorf("create: failed to insert job: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	row := r.db.Master.QueryRowContext(ctx, query, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, ErrJobNotFound
		}
		return model.Job{}, fmt.Errorf("get: failed to get job: %w", err)
	}
	return j, nil
}

// Claim is the exclusive pending -> running transition. The WHERE
// clause on state makes it atomic: exactly one caller wins, everyone
// else sees zero rows and treats the notification as a redelivery.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID) (model.Job, bool, error) {
	query := `
		UPDATE jobs
		SET state = $2, attempts = attempts + 1, updated_at = now()
		WHERE id = $1 AND state = $3
		RETURNING ` + jobColumns

	row := r.db.Master.QueryRowContext(ctx, query, id, model.JobRunning, model.JobPending)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, false, nil
		}
		return model.Job{}, false, fmt.Errorf("claim: failed to claim job: %w", err)
	}
	return j, true, nil
}

// MarkSucceeded sets the terminal state and the result reference in one
// statement, so there is no window where the job is succeeded without
// an artifact.
func (r *Repository) MarkSucceeded(ctx context.Context, id uuid.UUID, artifactID uuid.UUID) error {
	query := `
		UPDATE jobs
		SET state = $2, artifact_id = $3, last_error = '', next_attempt_at = NULL, updated_at = now()
		WHERE id = $1 AND state = $4
	`
	return r.transition(ctx, query, id, model.JobSucceeded, artifactID, model.JobRunning)
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE jobs
		SET state = $2, last_error = $3, next_attempt_at = NULL, updated_at = now()
		WHERE id = $1 AND state IN ($4, $5)
	`
	return r.transition(ctx, query, id, model.JobFailed, reason, model.JobRunning, model.JobRetrying)
}

func (r *Repository) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs
		SET state = $2, next_attempt_at = NULL, updated_at = now()
		WHERE id = $1 AND state = $3
	`
	return r.transition(ctx, query, id, model.JobCancelled, model.JobRunning)
}

func (r *Repository) MarkRetrying(ctx context.Context, id uuid.UUID, reason string, nextAttemptAt time.Time) error {
	query := `
		UPDATE jobs
		SET state = $2, last_error = $3, next_attempt_at = $4, updated_at = now()
		WHERE id = $1 AND state = $5
	`
	return r.transition(ctx, query, id, model.JobRetrying, reason, nextAttemptAt, model.JobRunning)
}

func (r *Repository) CancelPending(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE jobs
		SET state = $2, updated_at = now()
		WHERE id = $1 AND state = $3
	`
	res, err := r.db.ExecContext(ctx, query, id, model.JobCancelled, model.JobPending)
	if err != nil {
		return false, fmt.Errorf("cancel: failed to cancel pending job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel: failed to get number of rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *Repository) RequestCancel(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs
		SET cancel_requested = TRUE, updated_at = now()
		WHERE id = $1 AND state = $2
	`
	if _, err := r.db.ExecContext(ctx, query, id, model.JobRunning); err != nil {
		return fmt.Errorf("cancel: failed to request cancellation: %w", err)
	}
	return nil
}

func (r *Repository) PromoteRetrying(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE jobs
		SET state = $2, next_attempt_at = NULL, updated_at = now()
		WHERE id = $1 AND state = $3
	`
	res, err := r.db.ExecContext(ctx, query, id, model.JobPending, model.JobRetrying)
	if err != nil {
		return false, fmt.Errorf("promote: failed to promote retrying job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("promote: failed to get number of rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *Repository) DueRetries(ctx context.Context, now time.Time, limit int) ([]model.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE state = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at
		LIMIT $3
	`
	return r.list(ctx, query, model.JobRetrying, now, limit)
}

func (r *Repository) StaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]model.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`
	return r.list(ctx, query, model.JobRunning, cutoff, limit)
}

func (r *Repository) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]model.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`
	return r.list(ctx, query, model.JobPending, cutoff, limit)
}

func (r *Repository) transition(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition: failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition: failed to get number of rows affected: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *Repository) list(ctx context.Context, query string, args ...interface{}) ([]model.Job, error) {
	rows, err := r.db.Master.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list: failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (model.Job, error) {
	var (
		j         model.Job
		ops       []byte
		lastError sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.SourceID, &ops, &j.OutputFormat, &j.State, &j.Attempts,
		&lastError, &j.ArtifactID, &j.CancelRequested, &j.NextAttemptAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return model.Job{}, err
	}
	j.LastError = lastError.String
	if len(ops) > 0 {
		if err := json.Unmarshal(ops, &j.Operations); err != nil {
			return model.Job{}, fmt.Errorf("unmarshal operations: %w", err)
		}
	}
	return j, nil
}
