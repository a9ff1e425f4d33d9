package task

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/generation"
	"github.com/storyloom/storyloom-api/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// fastRetry retries without real delays.
func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		BackoffFactor: 2,
		Sleep:         func(context.Context, time.Duration) error { return nil },
	}
}

// capturingPublisher records published events in order.
type capturingPublisher struct {
	mu     sync.Mutex
	events []domain.ProgressEvent

	// OnPublish, when set, runs for every event. Tests use it to flip
	// the cancel flag at a precise point in the pipeline.
	OnPublish func(domain.ProgressEvent)
}

func (p *capturingPublisher) Publish(jobID uuid.UUID, stage domain.Stage, percent int, detail string) domain.ProgressEvent {
	p.mu.Lock()
	event := domain.ProgressEvent{
		JobID:     jobID,
		Sequence:  uint64(len(p.events) + 1),
		Stage:     stage,
		Percent:   percent,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	p.events = append(p.events, event)
	hook := p.OnPublish
	p.mu.Unlock()

	if hook != nil {
		hook(event)
	}
	return event
}

func (p *capturingPublisher) Events() []domain.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ProgressEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *capturingPublisher) StageKinds() []domain.StageKind {
	kinds := []domain.StageKind{}
	for _, e := range p.Events() {
		kinds = append(kinds, e.Stage.Kind)
	}
	return kinds
}

// scriptedStoryGen returns a canned story or error.
type scriptedStoryGen struct {
	fn func(ctx context.Context, endpoint string, params domain.BookParams) (*generation.Story, error)
}

func (g *scriptedStoryGen) GenerateStory(ctx context.Context, endpoint string, params domain.BookParams) (*generation.Story, error) {
	return g.fn(ctx, endpoint, params)
}

// scriptedImageGen counts calls and delegates per call.
type scriptedImageGen struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, prompt string) (*generation.ImageData, error)
}

func (g *scriptedImageGen) GenerateImage(_ context.Context, _ string, prompt string, _ string) (*generation.ImageData, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.mu.Unlock()
	return g.fn(call, prompt)
}

func (g *scriptedImageGen) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func cannedStory(pages int) *generation.Story {
	story := &generation.Story{Title: "Test Book", Description: "A test."}
	for i := 1; i <= pages; i++ {
		story.Pages = append(story.Pages, generation.StoryPage{
			PageNumber:  i,
			Text:        fmt.Sprintf("Text %d", i),
			ImagePrompt: fmt.Sprintf("Prompt %d", i),
		})
	}
	return story
}

func runningJob(t *testing.T, jobs *MockJobStore, pageCount int) *domain.Job {
	t.Helper()
	job, err := domain.NewJob(uuid.New(), domain.BookParams{
		Theme:     "a curious otter",
		TargetAge: 4,
		PageCount: pageCount,
	})
	require.NoError(t, err)
	require.NoError(t, jobs.CreateJob(context.Background(), job))

	claimed, err := jobs.ClaimPending(context.Background())
	require.NoError(t, err)
	return claimed
}

func TestExecute_HappyPathWithTransientImageFailure(t *testing.T) {
	t.Parallel()

	jobs := NewMockJobStore()
	pages := NewMockPageStore()
	pub := &capturingPublisher{}
	job := runningJob(t, jobs, 2)

	stories := &scriptedStoryGen{fn: func(_ context.Context, _ string, _ domain.BookParams) (*generation.Story, error) {
		return cannedStory(2), nil
	}}
	images := &scriptedImageGen{fn: func(call int, prompt string) (*generation.ImageData, error) {
		// First attempt at page 1 fails transiently; the retry succeeds.
		if call == 1 {
			return nil, fmt.Errorf("%w: 503 from provider", generation.ErrTransient)
		}
		return &generation.ImageData{Ref: fmt.Sprintf("img-%d", call), MIMEType: "image/png"}, nil
	}}

	pipeline, err := NewBookGenerationTask(jobs, pages, stories, images, pub, fastRetry(), testLogger())
	require.NoError(t, err)

	require.NoError(t, pipeline.Execute(context.Background(), job))

	final, err := jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, final.Status)
	assert.Empty(t, final.ErrorSummary)

	saved, err := pages.GetPages(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, "Text 1", saved[0].Text)
	assert.NotEmpty(t, saved[0].ImageRef)

	assert.Equal(t, []domain.StageKind{
		domain.StageInitializing,
		domain.StageGeneratingText,
		domain.StageGeneratingPage,
		domain.StageGeneratingPage,
		domain.StageGeneratingPage,
		domain.StageGeneratingPage,
		domain.StagePersisting,
		domain.StageCompleted,
	}, pub.StageKinds())

	events := pub.Events()
	percents := make([]int, len(events))
	for i, e := range events {
		percents[i] = e.Percent
	}
	assert.Equal(t, []int{0, 10, 30, 60, 60, 90, 90, 100}, percents)

	// The last page's completion surfaces before the persisting jump.
	assert.Equal(t, 2, events[5].Stage.Page)
	assert.Equal(t, 90, events[5].Percent)

	assert.Equal(t, 3, images.Calls(), "one failed attempt plus one per page")
}

func TestExecute_CancelBetweenPages(t *testing.T) {
	t.Parallel()

	jobs := NewMockJobStore()
	pages := NewMockPageStore()
	job := runningJob(t, jobs, 4)

	// Request cancellation while page 1 is being illustrated; the
	// pipeline must observe it at the next boundary, after page 1 is
	// saved, before page 2 starts.
	pub := &capturingPublisher{}
	pub.OnPublish = func(e domain.ProgressEvent) {
		if e.Stage.Kind == domain.StageGeneratingPage && e.Stage.Page == 1 {
			_, err := jobs.RequestCancel(context.Background(), job.ID)
			require.NoError(t, err)
		}
	}

	stories := &scriptedStoryGen{fn: func(_ context.Context, _ string, _ domain.BookParams) (*generation.Story, error) {
		return cannedStory(4), nil
	}}
	images := &scriptedImageGen{fn: func(call int, _ string) (*generation.ImageData, error) {
		return &generation.ImageData{Ref: fmt.Sprintf("img-%d", call)}, nil
	}}

	pipeline, err := NewBookGenerationTask(jobs, pages, stories, images, pub, fastRetry(), testLogger())
	require.NoError(t, err)

	require.NoError(t, pipeline.Execute(context.Background(), job))

	final, err := jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, final.Status)

	assert.Equal(t, 1, images.Calls(), "no pages generated past the boundary")
	saved, _ := pages.GetPages(context.Background(), job.ID)
	assert.Len(t, saved, 1, "the completed page survives cancellation")

	kinds := pub.StageKinds()
	assert.Equal(t, domain.StageCancelled, kinds[len(kinds)-1])
}

func TestExecute_CancelRequestedBeforeStart(t *testing.T) {
	t.Parallel()

	jobs := NewMockJobStore()
	pages := NewMockPageStore()
	pub := &capturingPublisher{}
	job := runningJob(t, jobs, 2)
	job.CancelRequested = true

	stories := &scriptedStoryGen{fn: func(_ context.Context, _ string, _ domain.BookParams) (*generation.Story, error) {
		t.Fatal("story generator must not be called")
		return nil, nil
	}}
	images := &scriptedImageGen{fn: func(int, string) (*generation.ImageData, error) { return nil, nil }}

	pipeline, err := NewBookGenerationTask(jobs, pages, stories, images, pub, fastRetry(), testLogger())
	require.NoError(t, err)

	require.NoError(t, pipeline.Execute(context.Background(), job))

	final, _ := jobs.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.JobStatusCancelled, final.Status)
	assert.Zero(t, images.Calls())
}

func TestExecute_FatalStoryFailureRedactsSummary(t *testing.T) {
	t.Parallel()

	jobs := NewMockJobStore()
	pages := NewMockPageStore()
	pub := &capturingPublisher{}
	job := runningJob(t, jobs, 2)

	stories := &scriptedStoryGen{fn: func(_ context.Context, _ string, _ domain.BookParams) (*generation.Story, error) {
		return nil, fmt.Errorf("%w: api_key=\"AIzaSySecret12345\" rejected", generation.ErrFatal)
	}}
	images := &scriptedImageGen{fn: func(int, string) (*generation.ImageData, error) { return nil, nil }}

	pipeline, err := NewBookGenerationTask(jobs, pages, stories, images, pub, fastRetry(), testLogger())
	require.NoError(t, err)

	err = pipeline.Execute(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageGeneration)
	assert.ErrorIs(t, err, generation.ErrFatal)

	final, _ := jobs.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.NotEmpty(t, final.ErrorSummary)
	assert.NotContains(t, final.ErrorSummary, "AIzaSySecret12345")

	kinds := pub.StageKinds()
	assert.Equal(t, domain.StageFailed, kinds[len(kinds)-1])
}

func TestExecute_ExhaustedImageRetriesFailJob(t *testing.T) {
	t.Parallel()

	jobs := NewMockJobStore()
	pages := NewMockPageStore()
	pub := &capturingPublisher{}
	job := runningJob(t, jobs, 1)

	stories := &scriptedStoryGen{fn: func(_ context.Context, _ string, _ domain.BookParams) (*generation.Story, error) {
		return cannedStory(1), nil
	}}
	images := &scriptedImageGen{fn: func(int, string) (*generation.ImageData, error) {
		return nil, fmt.Errorf("%w: provider down", generation.ErrTransient)
	}}

	pipeline, err := NewBookGenerationTask(jobs, pages, stories, images, pub, fastRetry(), testLogger())
	require.NoError(t, err)

	err = pipeline.Execute(context.Background(), job)
	require.Error(t, err)

	final, _ := jobs.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Equal(t, 3, images.Calls(), "all attempts consumed")
}

func TestExecute_ExpiredDeadlineStillMarksJobFailed(t *testing.T) {
	t.Parallel()

	jobs := NewMockJobStore()
	pages := NewMockPageStore()
	pub := &capturingPublisher{}
	job := runningJob(t, jobs, 1)

	// Status writes behave like database/sql: a done context makes them
	// fail. The terminal write must land anyway.
	var mu sync.Mutex
	var gotStatus domain.JobStatus
	var gotSummary string
	jobs.UpdateStatusFn = func(ctx context.Context, _ uuid.UUID, status domain.JobStatus, summary string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		mu.Lock()
		gotStatus = status
		gotSummary = summary
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	stories := &scriptedStoryGen{fn: func(ctx context.Context, _ string, _ domain.BookParams) (*generation.Story, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	images := &scriptedImageGen{fn: func(int, string) (*generation.ImageData, error) { return nil, nil }}

	pipeline, err := NewBookGenerationTask(jobs, pages, stories, images, pub, fastRetry(), testLogger())
	require.NoError(t, err)

	err = pipeline.Execute(ctx, job)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.JobStatusFailed, gotStatus,
		"job must reach failed even though its context expired")
	assert.NotEmpty(t, gotSummary)
}

func TestExecute_ReclaimedRerunOverwritesPages(t *testing.T) {
	t.Parallel()

	jobs := NewMockJobStore()
	pages := NewMockPageStore()
	pub := &capturingPublisher{}
	job := runningJob(t, jobs, 2)

	stories := &scriptedStoryGen{fn: func(_ context.Context, _ string, _ domain.BookParams) (*generation.Story, error) {
		return cannedStory(2), nil
	}}
	images := &scriptedImageGen{fn: func(call int, _ string) (*generation.ImageData, error) {
		return &generation.ImageData{Ref: fmt.Sprintf("img-%d", call)}, nil
	}}

	pipeline, err := NewBookGenerationTask(jobs, pages, stories, images, pub, fastRetry(), testLogger())
	require.NoError(t, err)

	// First run generates both pages but dies before the terminal
	// status write, like a worker crash.
	jobs.UpdateStatusFn = func(context.Context, uuid.UUID, domain.JobStatus, string) error {
		return fmt.Errorf("connection reset during status write")
	}
	require.Error(t, pipeline.Execute(context.Background(), job))

	// The stale job is reclaimed and re-run from the start.
	reclaimed, err := jobs.ReclaimStale(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)
	job, err = jobs.ClaimPending(context.Background())
	require.NoError(t, err)

	jobs.UpdateStatusFn = nil
	require.NoError(t, pipeline.Execute(context.Background(), job))

	final, err := jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, final.Status)

	// Same (job, page) keys: the rerun's saves replace the first run's,
	// leaving exactly one row per page with the latest content.
	saved, err := pages.GetPages(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, "img-3", saved[0].ImageRef)
	assert.Equal(t, "img-4", saved[1].ImageRef)
	assert.Equal(t, "Text 1", saved[0].Text)
	assert.Equal(t, 4, images.Calls(), "every page regenerated on the rerun")
}

func TestNewBookGenerationTask_ValidatesDependencies(t *testing.T) {
	t.Parallel()

	jobs := NewMockJobStore()
	pages := NewMockPageStore()
	pub := &capturingPublisher{}
	stories := &scriptedStoryGen{fn: nil}
	images := &scriptedImageGen{fn: nil}

	_, err := NewBookGenerationTask(nil, pages, stories, images, pub, fastRetry(), testLogger())
	assert.ErrorIs(t, err, ErrNilJobStore)

	_, err = NewBookGenerationTask(jobs, nil, stories, images, pub, fastRetry(), testLogger())
	assert.ErrorIs(t, err, ErrNilPageStore)

	_, err = NewBookGenerationTask(jobs, pages, nil, images, pub, fastRetry(), testLogger())
	assert.ErrorIs(t, err, ErrNilGenerator)

	_, err = NewBookGenerationTask(jobs, pages, stories, images, nil, fastRetry(), testLogger())
	assert.ErrorIs(t, err, ErrNilProgress)

	_, err = NewBookGenerationTask(jobs, pages, stories, images, pub, fastRetry(), nil)
	assert.ErrorIs(t, err, ErrNilLogger)
}
