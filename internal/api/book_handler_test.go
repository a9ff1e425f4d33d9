package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom-api/internal/api/shared"
	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/service"
	"github.com/storyloom/storyloom-api/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type handlerEnv struct {
	handler *BookHandler
	books   *service.BookService
	jobs    *task.MockJobStore
	pages   *task.MockPageStore
	userID  uuid.UUID
	router  chi.Router
}

// injectUser stands in for the auth middleware in tests.
func injectUser(userID uuid.UUID) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), shared.UserIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	jobs := task.NewMockJobStore()
	pages := task.NewMockPageStore()
	books, err := service.NewBookService(jobs, pages, nil, testLogger())
	require.NoError(t, err)

	env := &handlerEnv{
		handler: NewBookHandler(books, testLogger()),
		books:   books,
		jobs:    jobs,
		pages:   pages,
		userID:  uuid.New(),
	}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(injectUser(env.userID))
			r.Post("/books", env.handler.CreateBook)
			r.Get("/jobs/{jobID}", env.handler.GetJob)
			r.Post("/jobs/{jobID}/cancel", env.handler.CancelJob)
			r.Get("/jobs/{jobID}/book", env.handler.GetBook)
		})
	})
	env.router = r
	return env
}

func (env *handlerEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func (env *handlerEnv) enqueue(t *testing.T) JobResponse {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/books", CreateBookRequest{
		Theme:     "a fox who learns to swim",
		TargetAge: 5,
		PageCount: 4,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var job JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	return job
}

func TestCreateBook(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	job := env.enqueue(t)

	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, domain.StageInitializing, job.Stage)
	assert.Equal(t, 0, job.Percent)

	stored, err := env.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, env.userID, stored.OwnerID)
}

func TestCreateBook_MalformedBody(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/books", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBook_ValidationFailure(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	rec := env.do(t, http.MethodPost, "/api/books", CreateBookRequest{
		Theme:     "missing page count",
		TargetAge: 5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp shared.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "PageCount")
}

func TestCreateBook_RequiresAuthentication(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/books", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	// Call the handler directly, bypassing the user-injecting middleware.
	env.handler.CreateBook(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	job := env.enqueue(t)

	rec := env.do(t, http.MethodGet, "/api/jobs/"+job.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, job.ID, got.ID)
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	rec := env.do(t, http.MethodGet, "/api/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_InvalidID(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	rec := env.do(t, http.MethodGet, "/api/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	job := env.enqueue(t)

	rec := env.do(t, http.MethodPost, "/api/jobs/"+job.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.JobStatusCancelled, got.Status)
	assert.True(t, got.CancelRequested)

	// A second cancel conflicts with the terminal state.
	rec = env.do(t, http.MethodPost, "/api/jobs/"+job.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetBook(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	job := env.enqueue(t)
	ctx := context.Background()

	// Still generating.
	rec := env.do(t, http.MethodGet, "/api/jobs/"+job.ID.String()+"/book", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Finish the job the way a worker would.
	_, err := env.jobs.ClaimPending(ctx)
	require.NoError(t, err)
	for i := 1; i <= 2; i++ {
		require.NoError(t, env.pages.SavePageResult(ctx, job.ID, domain.PageContent{
			PageNumber: i,
			Text:       "page text",
			ImageRef:   "gemini/images/abc.png",
		}))
	}
	require.NoError(t, env.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusSucceeded, ""))

	rec = env.do(t, http.MethodGet, "/api/jobs/"+job.ID.String()+"/book", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var book BookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &book))
	assert.Equal(t, job.ID, book.JobID)
	assert.Equal(t, "a fox who learns to swim", book.Title)
	assert.Len(t, book.Pages, 2)
}
