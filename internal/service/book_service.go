package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/store"
)

// Common sentinel errors for BookService
var (
	// ErrJobNotFound indicates that the job does not exist or belongs to
	// another owner. The two cases are deliberately indistinguishable.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinished indicates a cancel request against a job that
	// already reached a terminal state.
	ErrJobFinished = errors.New("job already finished")

	// ErrBookNotReady indicates the book content was requested before
	// the job succeeded.
	ErrBookNotReady = errors.New("book is not ready")
)

// BookServiceError wraps errors from the book service with context.
type BookServiceError struct {
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface for BookServiceError.
func (e *BookServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("book service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("book service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *BookServiceError) Unwrap() error {
	return e.Err
}

// newBookServiceError wraps err, passing service sentinels through
// unwrapped.
func newBookServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrJobFinished) || errors.Is(err, ErrBookNotReady) {
		return err
	}
	if errors.Is(err, store.ErrJobNotFound) {
		return ErrJobNotFound
	}
	if errors.Is(err, store.ErrJobTerminal) {
		return ErrJobFinished
	}
	return &BookServiceError{Operation: operation, Message: message, Err: err}
}

// Book is an assembled, finished picture book: the job record plus its
// pages in order.
type Book struct {
	Job   *domain.Job          `json:"job"`
	Pages []domain.PageContent `json:"pages"`
}

// BookService provides the request-side job operations: enqueueing,
// status reads, cancellation, and fetching the finished book. All
// lookups are owner-scoped; a job belonging to someone else behaves
// exactly like a missing one.
type BookService struct {
	jobs   store.JobStore
	pages  store.PageStore
	db     *sql.DB // optional; enables transactional reads
	logger *slog.Logger
}

// NewBookService creates a new BookService. db may be nil, in which
// case multi-entity reads run without a shared snapshot.
func NewBookService(jobs store.JobStore, pages store.PageStore, db *sql.DB, logger *slog.Logger) (*BookService, error) {
	if jobs == nil {
		return nil, &BookServiceError{Operation: "create_service", Message: "job store cannot be nil"}
	}
	if pages == nil {
		return nil, &BookServiceError{Operation: "create_service", Message: "page store cannot be nil"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &BookService{
		jobs:   jobs,
		pages:  pages,
		db:     db,
		logger: logger.With("component", "book_service"),
	}, nil
}

// EnqueueBook creates a new pending job for the owner. Workers pick it
// up asynchronously; the caller gets the job record back immediately.
func (s *BookService) EnqueueBook(ctx context.Context, ownerID uuid.UUID, params domain.BookParams) (*domain.Job, error) {
	job, err := domain.NewJob(ownerID, params)
	if err != nil {
		return nil, newBookServiceError("enqueue_book", "invalid book parameters", err)
	}

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		s.logger.Error("failed to enqueue job",
			"owner_id", ownerID,
			"error", err)
		return nil, newBookServiceError("enqueue_book", "failed to save job", err)
	}

	s.logger.Info("job enqueued",
		"job_id", job.ID,
		"owner_id", ownerID,
		"pages", params.PageCount)
	return job, nil
}

// GetJob returns the owner's job, including its current stage and
// percent for status polling.
func (s *BookService) GetJob(ctx context.Context, ownerID, jobID uuid.UUID) (*domain.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, newBookServiceError("get_job", "failed to retrieve job", err)
	}
	if job.OwnerID != ownerID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// CancelJob requests cooperative cancellation of the owner's job and
// returns the refreshed record. Pending jobs are cancelled immediately;
// running jobs finish their current stage first.
func (s *BookService) CancelJob(ctx context.Context, ownerID, jobID uuid.UUID) (*domain.Job, error) {
	if _, err := s.GetJob(ctx, ownerID, jobID); err != nil {
		return nil, err
	}

	if _, err := s.jobs.RequestCancel(ctx, jobID); err != nil {
		if !errors.Is(err, store.ErrJobTerminal) {
			s.logger.Error("failed to request cancellation",
				"job_id", jobID,
				"error", err)
		}
		return nil, newBookServiceError("cancel_job", "failed to request cancellation", err)
	}

	return s.GetJob(ctx, ownerID, jobID)
}

// GetBook returns the finished book for a succeeded job. When the
// service holds a database handle the job and its pages are read in one
// transaction so a concurrent retention sweep cannot split them.
func (s *BookService) GetBook(ctx context.Context, ownerID, jobID uuid.UUID) (*Book, error) {
	if s.db == nil {
		return s.getBook(ctx, s.jobs, s.pages, ownerID, jobID)
	}

	var book *Book
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		b, err := s.getBook(ctx, s.jobs.WithTx(tx), s.pages.WithTx(tx), ownerID, jobID)
		if err != nil {
			return err
		}
		book = b
		return nil
	})
	if err != nil {
		return nil, newBookServiceError("get_book", "failed to load book", err)
	}
	return book, nil
}

func (s *BookService) getBook(ctx context.Context, jobs store.JobStore, pages store.PageStore, ownerID, jobID uuid.UUID) (*Book, error) {
	job, err := jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, newBookServiceError("get_book", "failed to retrieve job", err)
	}
	if job.OwnerID != ownerID {
		return nil, ErrJobNotFound
	}
	if job.Status != domain.JobStatusSucceeded {
		return nil, fmt.Errorf("%w: job is %s", ErrBookNotReady, job.Status)
	}

	content, err := pages.GetPages(ctx, jobID)
	if err != nil {
		return nil, newBookServiceError("get_book", "failed to retrieve pages", err)
	}
	return &Book{Job: job, Pages: content}, nil
}
