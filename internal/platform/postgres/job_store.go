package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/platform/logger"
	"github.com/storyloom/storyloom-api/internal/store"
)

// PostgresJobStore implements the store.JobStore interface using
// PostgreSQL. Claiming relies on FOR UPDATE SKIP LOCKED plus a status
// compare-and-set, so concurrent workers never double-claim a job.
type PostgresJobStore struct {
	db store.DBTX
}

// NewPostgresJobStore creates a new PostgresJobStore. It accepts a
// database connection or transaction that should be initialized and
// managed by the caller.
func NewPostgresJobStore(db store.DBTX) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

// Ensure PostgresJobStore implements store.JobStore
var _ store.JobStore = (*PostgresJobStore)(nil)

// WithTx implements store.JobStore.WithTx
func (s *PostgresJobStore) WithTx(tx *sql.Tx) store.JobStore {
	return &PostgresJobStore{db: tx}
}

const jobColumns = `id, owner_id, params, status, cancel_requested, stage, percent,
	error_summary, heartbeat_at, created_at, updated_at`

// CreateJob implements store.JobStore.CreateJob
func (s *PostgresJobStore) CreateJob(ctx context.Context, job *domain.Job) error {
	log := logger.FromContext(ctx)

	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal job params: %w", err)
	}

	query := `
		INSERT INTO jobs (id, owner_id, params, status, cancel_requested, stage, percent,
			error_summary, heartbeat_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.OwnerID,
		params,
		job.Status,
		job.CancelRequested,
		job.Stage,
		job.Percent,
		job.ErrorSummary,
		job.CreatedAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to create job",
			"job_id", job.ID,
			"error", err)
		return MapError(err)
	}

	log.Debug("job created", "job_id", job.ID, "owner_id", job.OwnerID)
	return nil
}

// GetJob implements store.JobStore.GetJob
func (s *PostgresJobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	row := s.db.QueryRowContext(ctx, query, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
		}
		return nil, MapError(err)
	}
	return job, nil
}

// ClaimPending implements store.JobStore.ClaimPending. The inner
// select takes the oldest pending row with SKIP LOCKED so parallel
// claimers pass over rows another transaction holds; the outer update
// re-checks the status, making the pending -> running move a true
// compare-and-set.
func (s *PostgresJobStore) ClaimPending(ctx context.Context) (*domain.Job, error) {
	log := logger.FromContext(ctx)

	query := `
		UPDATE jobs
		SET status = $1, heartbeat_at = $2, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $3
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = $3
		RETURNING ` + jobColumns

	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, query, domain.JobStatusRunning, now, domain.JobStatusPending)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNoPendingJobs
		}
		log.Error("failed to claim pending job", "error", err)
		return nil, MapError(err)
	}

	log.Debug("claimed pending job", "job_id", job.ID)
	return job, nil
}

// UpdateStatus implements store.JobStore.UpdateStatus. The WHERE clause
// excludes terminal rows, so a finished job is never rewritten; that
// case is reported as ErrJobTerminal.
func (s *PostgresJobStore) UpdateStatus(ctx context.Context, jobID uuid.UUID, status domain.JobStatus, errorSummary string) error {
	log := logger.FromContext(ctx)

	query := `
		UPDATE jobs
		SET status = $1, error_summary = $2, updated_at = $3
		WHERE id = $4 AND status NOT IN ($5, $6, $7)
	`

	result, err := s.db.ExecContext(ctx, query,
		status,
		errorSummary,
		time.Now().UTC(),
		jobID,
		domain.JobStatusSucceeded,
		domain.JobStatusFailed,
		domain.JobStatusCancelled,
	)
	if err != nil {
		log.Error("failed to update job status",
			"job_id", jobID,
			"status", status,
			"error", err)
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.classifyMissedUpdate(ctx, jobID)
	}

	log.Debug("job status updated", "job_id", jobID, "status", status)
	return nil
}

// UpdateProgress implements store.JobStore.UpdateProgress
func (s *PostgresJobStore) UpdateProgress(ctx context.Context, jobID uuid.UUID, stage domain.StageKind, percent int) error {
	query := `
		UPDATE jobs
		SET stage = $1, percent = $2, updated_at = $3
		WHERE id = $4
	`

	result, err := s.db.ExecContext(ctx, query, stage, percent, time.Now().UTC(), jobID)
	if err != nil {
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return nil
}

// RequestCancel implements store.JobStore.RequestCancel. Pending jobs
// flip straight to cancelled; running jobs only get the flag set and
// the owning worker finishes the move at its next stage boundary.
func (s *PostgresJobStore) RequestCancel(ctx context.Context, jobID uuid.UUID) (bool, error) {
	log := logger.FromContext(ctx)

	query := `
		UPDATE jobs
		SET cancel_requested = TRUE,
			status = CASE WHEN status = $1 THEN $2 ELSE status END,
			stage = CASE WHEN status = $1 THEN $3 ELSE stage END,
			updated_at = $4
		WHERE id = $5 AND status IN ($1, $6)
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusPending,
		domain.JobStatusCancelled,
		domain.StageCancelled,
		time.Now().UTC(),
		jobID,
		domain.JobStatusRunning,
	)
	if err != nil {
		log.Error("failed to request job cancellation",
			"job_id", jobID,
			"error", err)
		return false, MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, s.classifyMissedUpdate(ctx, jobID)
	}

	log.Info("job cancellation requested", "job_id", jobID)
	return true, nil
}

// Heartbeat implements store.JobStore.Heartbeat
func (s *PostgresJobStore) Heartbeat(ctx context.Context, jobID uuid.UUID) error {
	query := `
		UPDATE jobs
		SET heartbeat_at = $1
		WHERE id = $2 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), jobID, domain.JobStatusRunning)
	if err != nil {
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// The job finished or was reclaimed between beats; nothing to
		// refresh.
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return nil
}

// ReclaimStale implements store.JobStore.ReclaimStale. Requeued jobs
// keep their cancel flag, so a cancellation requested while the
// original worker was dead still takes effect on the next claim.
func (s *PostgresJobStore) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	log := logger.FromContext(ctx)

	query := `
		UPDATE jobs
		SET status = $1, updated_at = $2
		WHERE status = $3 AND heartbeat_at < $4
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusPending,
		now,
		domain.JobStatusRunning,
		now.Add(-olderThan),
	)
	if err != nil {
		log.Error("failed to reclaim stale jobs", "error", err)
		return 0, MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		log.Warn("requeued stale running jobs",
			"count", rowsAffected,
			"heartbeat_older_than", olderThan)
	}
	return int(rowsAffected), nil
}

// DeleteTerminalBefore implements store.JobStore.DeleteTerminalBefore.
// Pages go with the job through the ON DELETE CASCADE on the pages
// table.
func (s *PostgresJobStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	log := logger.FromContext(ctx)

	query := `
		DELETE FROM jobs
		WHERE status IN ($1, $2, $3) AND updated_at < $4
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusSucceeded,
		domain.JobStatusFailed,
		domain.JobStatusCancelled,
		cutoff,
	)
	if err != nil {
		log.Error("failed to delete terminal jobs", "error", err)
		return 0, MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		log.Info("deleted terminal jobs past retention", "count", rowsAffected)
	}
	return int(rowsAffected), nil
}

// classifyMissedUpdate distinguishes "job does not exist" from "job is
// already terminal" after an update matched zero rows.
func (s *PostgresJobStore) classifyMissedUpdate(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", store.ErrJobTerminal, jobID, job.Status)
	}
	return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job          domain.Job
		params       []byte
		errorSummary sql.NullString
		heartbeatAt  sql.NullTime
	)

	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&params,
		&job.Status,
		&job.CancelRequested,
		&job.Stage,
		&job.Percent,
		&errorSummary,
		&heartbeatAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(params, &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job params: %w", err)
	}
	job.ErrorSummary = errorSummary.String
	if heartbeatAt.Valid {
		job.HeartbeatAt = heartbeatAt.Time
	}
	return &job, nil
}
