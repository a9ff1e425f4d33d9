package api

import (
	"log/slog"
	"net/http"

	"github.com/storyloom/storyloom-api/internal/api/shared"
	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/platform/logger"
	"github.com/storyloom/storyloom-api/internal/service"
)

// BookHandler handles book generation HTTP requests
type BookHandler struct {
	books  *service.BookService
	logger *slog.Logger
}

// NewBookHandler creates a new BookHandler
func NewBookHandler(books *service.BookService, logger *slog.Logger) *BookHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for BookHandler")
	}

	return &BookHandler{
		books:  books,
		logger: logger.With(slog.String("component", "book_handler")),
	}
}

// CreateBook handles POST /books requests. It validates the parameters,
// enqueues a generation job, and returns 202 with the job record; the
// actual generation happens asynchronously in the worker pool.
func (h *BookHandler) CreateBook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, ok := getUserIDFromContext(r)
	if !ok {
		log.Warn("user ID not found or invalid in request context")
		shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
		return
	}

	var req CreateBookRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		log.Warn("failed to decode request body", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	job, err := h.books.EnqueueBook(r.Context(), userID, domain.BookParams{
		Theme:     req.Theme,
		Keywords:  req.Keywords,
		TargetAge: req.TargetAge,
		PageCount: req.PageCount,
		Style:     req.Style,
	})
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Info("book generation enqueued",
		slog.String("job_id", job.ID.String()),
		slog.String("user_id", userID.String()),
		slog.Int("pages", req.PageCount))
	shared.RespondWithJSON(w, r, http.StatusAccepted, jobToResponse(job))
}

// GetJob handles GET /jobs/{jobID} requests. It is the polling surface:
// clients that cannot hold a WebSocket read stage and percent from here.
func (h *BookHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, jobID, ok := requireUserAndJobID(w, r, log)
	if !ok {
		return
	}

	job, err := h.books.GetJob(r.Context(), userID, jobID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, jobToResponse(job))
}

// CancelJob handles POST /jobs/{jobID}/cancel requests. Cancellation is
// cooperative: a running job stops at its next stage boundary, so the
// returned record may still show it running.
func (h *BookHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, jobID, ok := requireUserAndJobID(w, r, log)
	if !ok {
		return
	}

	job, err := h.books.CancelJob(r.Context(), userID, jobID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Info("cancellation requested",
		slog.String("job_id", jobID.String()),
		slog.String("status", string(job.Status)))
	shared.RespondWithJSON(w, r, http.StatusOK, jobToResponse(job))
}

// GetBook handles GET /jobs/{jobID}/book requests, returning the
// assembled book once the job has succeeded.
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, jobID, ok := requireUserAndJobID(w, r, log)
	if !ok {
		return
	}

	book, err := h.books.GetBook(r.Context(), userID, jobID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	title := book.Job.Params.Title
	if title == "" {
		title = book.Job.Params.Theme
	}
	response := BookResponse{
		JobID:     book.Job.ID,
		Title:     title,
		Pages:     make([]PageResponse, 0, len(book.Pages)),
		CreatedAt: book.Job.CreatedAt,
	}
	for _, page := range book.Pages {
		response.Pages = append(response.Pages, PageResponse{
			PageNumber: page.PageNumber,
			Text:       page.Text,
			ImageRef:   page.ImageRef,
		})
	}

	shared.RespondWithJSON(w, r, http.StatusOK, response)
}
