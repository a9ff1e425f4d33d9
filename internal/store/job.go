package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/storyloom/storyloom-api/internal/domain"
)

// JobStore defines the interface for persisting generation jobs.
// Implementations must enforce the domain's monotonic status
// transitions: once a job is terminal no further status change is
// applied.
type JobStore interface {
	// CreateJob persists a new job in the pending state.
	CreateJob(ctx context.Context, job *domain.Job) error

	// GetJob retrieves a read-only snapshot of a job by ID.
	// Returns ErrJobNotFound if it does not exist.
	GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)

	// ClaimPending atomically claims the oldest pending job, moving it
	// pending -> running guarded by a compare-and-set on the current
	// status, so no job is ever claimed by two workers. Returns
	// ErrNoPendingJobs when there is nothing to claim.
	ClaimPending(ctx context.Context) (*domain.Job, error)

	// UpdateStatus transitions a job to the given status with an
	// optional redacted error summary. Updates targeting a job that is
	// already terminal return ErrJobTerminal.
	UpdateStatus(ctx context.Context, jobID uuid.UUID, status domain.JobStatus, errorSummary string) error

	// UpdateProgress records the job's current stage and percent so
	// status polls can derive progress without the event stream.
	UpdateProgress(ctx context.Context, jobID uuid.UUID, stage domain.StageKind, percent int) error

	// RequestCancel marks a pending or running job as
	// cancellation-requested. The owning worker observes the flag at
	// stage boundaries. Returns false with ErrJobTerminal when the job
	// already finished.
	RequestCancel(ctx context.Context, jobID uuid.UUID) (bool, error)

	// Heartbeat refreshes the claimed job's liveness timestamp. Called
	// periodically by the owning worker while the job runs.
	Heartbeat(ctx context.Context, jobID uuid.UUID) error

	// ReclaimStale requeues running jobs whose heartbeat is older than
	// the given age back to pending, making crashed workers' jobs
	// claimable again. Returns the number of jobs requeued.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)

	// DeleteTerminalBefore removes terminal jobs older than the cutoff,
	// together with their pages. Returns the number of jobs deleted.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	// WithTx returns a JobStore bound to the provided transaction. The
	// transaction is created and managed by the caller.
	WithTx(tx *sql.Tx) JobStore
}

// PageStore persists generated page content. SavePageResult is an
// idempotent upsert keyed by (job ID, page number): re-generating and
// overwriting a page is safe, which is what at-least-once job execution
// relies on.
type PageStore interface {
	// SavePageResult stores or replaces the content for one page.
	SavePageResult(ctx context.Context, jobID uuid.UUID, page domain.PageContent) error

	// GetPages returns all persisted pages for a job ordered by page
	// number.
	GetPages(ctx context.Context, jobID uuid.UUID) ([]domain.PageContent, error)

	// WithTx returns a PageStore bound to the provided transaction.
	WithTx(tx *sql.Tx) PageStore
}
