package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/generation"
	"github.com/storyloom/storyloom-api/internal/redact"
	"github.com/storyloom/storyloom-api/internal/retry"
	"github.com/storyloom/storyloom-api/internal/store"
)

// Common errors
var (
	ErrNilJobStore     = errors.New("job store cannot be nil")
	ErrNilPageStore    = errors.New("page store cannot be nil")
	ErrNilGenerator    = errors.New("generator cannot be nil")
	ErrNilProgress     = errors.New("progress publisher cannot be nil")
	ErrNilLogger       = errors.New("logger cannot be nil")
	ErrJobCancelled    = errors.New("job cancelled by request")
	ErrStageGeneration = errors.New("stage generation failed")
)

// ProgressPublisher is the slice of the progress bus the pipeline
// needs: fire-and-forget publication of one stamped event.
type ProgressPublisher interface {
	Publish(jobID uuid.UUID, stage domain.Stage, percent int, detail string) domain.ProgressEvent
}

// BookGenerationTask executes one claimed book job end to end: story
// text, one illustration per page, persistence, terminal status. All
// provider calls go through the retry wrapper; cancellation is checked
// at every stage boundary and between pages, never mid-call.
type BookGenerationTask struct {
	jobs     store.JobStore
	pages    store.PageStore
	stories  generation.StoryGenerator
	images   generation.ImageGenerator
	progress ProgressPublisher
	retryCfg retry.Config
	logger   *slog.Logger
}

// NewBookGenerationTask wires the pipeline. retryCfg applies to every
// provider call the pipeline makes.
func NewBookGenerationTask(
	jobs store.JobStore,
	pages store.PageStore,
	stories generation.StoryGenerator,
	images generation.ImageGenerator,
	progress ProgressPublisher,
	retryCfg retry.Config,
	logger *slog.Logger,
) (*BookGenerationTask, error) {
	if jobs == nil {
		return nil, ErrNilJobStore
	}
	if pages == nil {
		return nil, ErrNilPageStore
	}
	if stories == nil || images == nil {
		return nil, ErrNilGenerator
	}
	if progress == nil {
		return nil, ErrNilProgress
	}
	if logger == nil {
		return nil, ErrNilLogger
	}

	return &BookGenerationTask{
		jobs:     jobs,
		pages:    pages,
		stories:  stories,
		images:   images,
		progress: progress,
		retryCfg: retryCfg,
		logger:   logger.With("component", "book_generation_task"),
	}, nil
}

// Execute runs the pipeline for a job that was already claimed into
// the running state. It always finalizes the job to a terminal status
// before returning; the returned error reports why the job failed and
// is nil for both success and cooperative cancellation.
func (t *BookGenerationTask) Execute(ctx context.Context, job *domain.Job) error {
	logger := t.logger.With("job_id", job.ID)
	total := job.Params.PageCount

	t.advance(ctx, job.ID, domain.Stage{Kind: domain.StageInitializing},
		domain.PercentInitializing, "preparing generation")

	if job.CancelRequested {
		return t.finalizeCancelled(ctx, job.ID, domain.PercentInitializing, logger)
	}

	// Story text: one slow structured completion.
	t.advance(ctx, job.ID, domain.Stage{Kind: domain.StageGeneratingText},
		domain.PercentText, "writing the story")

	story, err := retry.Do(ctx, t.retryCfg, logger, retry.ClassifyGeneration,
		func(ctx context.Context, endpoint string) (*generation.Story, error) {
			return t.stories.GenerateStory(ctx, endpoint, job.Params)
		})
	if err != nil {
		return t.finalizeFailed(ctx, job.ID, domain.PercentText, err, logger)
	}

	if cancelled, err := t.cancelRequested(ctx, job.ID); err != nil {
		return t.finalizeFailed(ctx, job.ID, domain.PercentText, err, logger)
	} else if cancelled {
		return t.finalizeCancelled(ctx, job.ID, domain.PercentText, logger)
	}

	// One illustration per page. Each completed page is persisted
	// immediately so a reclaim after a crash only redoes the remainder.
	for i, page := range story.Pages {
		pageNum := i + 1
		percent := domain.PagePercent(i, total)

		t.advance(ctx, job.ID,
			domain.Stage{Kind: domain.StageGeneratingPage, Page: pageNum, TotalPages: total},
			percent, fmt.Sprintf("illustrating page %d of %d", pageNum, total))

		img, err := retry.Do(ctx, t.retryCfg, logger, retry.ClassifyGeneration,
			func(ctx context.Context, endpoint string) (*generation.ImageData, error) {
				return t.images.GenerateImage(ctx, endpoint, page.ImagePrompt, job.Params.Style)
			})
		if err != nil {
			return t.finalizeFailed(ctx, job.ID, percent, err, logger)
		}

		content := domain.PageContent{
			PageNumber:  pageNum,
			Text:        page.Text,
			ImagePrompt: page.ImagePrompt,
			ImageRef:    img.Ref,
		}
		if err := t.pages.SavePageResult(ctx, job.ID, content); err != nil {
			return t.finalizeFailed(ctx, job.ID, percent, err, logger)
		}

		t.advance(ctx, job.ID,
			domain.Stage{Kind: domain.StageGeneratingPage, Page: pageNum, TotalPages: total},
			domain.PagePercent(pageNum, total),
			fmt.Sprintf("illustrated page %d of %d", pageNum, total))

		if cancelled, err := t.cancelRequested(ctx, job.ID); err != nil {
			return t.finalizeFailed(ctx, job.ID, percent, err, logger)
		} else if cancelled {
			return t.finalizeCancelled(ctx, job.ID, domain.PagePercent(pageNum, total), logger)
		}
	}

	t.advance(ctx, job.ID, domain.Stage{Kind: domain.StagePersisting},
		domain.PercentPersisting, "saving the finished book")

	if err := t.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusSucceeded, ""); err != nil {
		logger.Error("failed to mark job succeeded", "error", err)
		return err
	}

	t.advance(ctx, job.ID, domain.Stage{Kind: domain.StageCompleted},
		domain.PercentDone, "book ready")
	logger.Info("job completed", "pages", total)
	return nil
}

// advance records the stage on the job row and publishes the matching
// progress event. Store failures here are logged, not fatal: losing a
// progress write must not kill a healthy generation.
func (t *BookGenerationTask) advance(ctx context.Context, jobID uuid.UUID, stage domain.Stage, percent int, detail string) {
	if err := t.jobs.UpdateProgress(ctx, jobID, stage.Kind, percent); err != nil {
		t.logger.Warn("failed to persist job progress",
			"job_id", jobID,
			"stage", stage.Kind,
			"error", err)
	}
	t.progress.Publish(jobID, stage, percent, detail)
}

// cancelRequested re-reads the job's cancellation flag. Called only at
// stage boundaries.
func (t *BookGenerationTask) cancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, err := t.jobs.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.CancelRequested, nil
}

// finalizeCancelled moves the job to cancelled and emits the terminal
// event. Cooperative cancellation is a normal outcome, so it returns
// nil.
func (t *BookGenerationTask) finalizeCancelled(ctx context.Context, jobID uuid.UUID, percent int, logger *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)
	if err := t.jobs.UpdateStatus(ctx, jobID, domain.JobStatusCancelled, ""); err != nil {
		logger.Error("failed to mark job cancelled", "error", err)
		return err
	}
	t.advance(ctx, jobID, domain.Stage{Kind: domain.StageCancelled}, percent, "cancelled by request")
	logger.Info("job cancelled at stage boundary")
	return nil
}

// finalizeFailed stores a redacted summary of the cause, emits the
// terminal event, and surfaces the original error to the runner. The
// cause may be the job's own expired deadline, so the terminal write
// runs detached from it; otherwise the job stays running and is
// reclaimed and re-run forever.
func (t *BookGenerationTask) finalizeFailed(ctx context.Context, jobID uuid.UUID, percent int, cause error, logger *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)
	summary := redact.Summarize(cause)
	if err := t.jobs.UpdateStatus(ctx, jobID, domain.JobStatusFailed, summary); err != nil {
		logger.Error("failed to mark job failed", "error", err)
	}
	t.advance(ctx, jobID, domain.Stage{Kind: domain.StageFailed}, percent, summary)
	logger.Error("job failed", "error", cause)
	return fmt.Errorf("%w: %w", ErrStageGeneration, cause)
}
