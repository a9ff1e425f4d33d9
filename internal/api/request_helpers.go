package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/api/shared"
)

// getUserIDFromContext extracts the authenticated user's UUID from the
// request context, where the auth middleware placed it.
func getUserIDFromContext(r *http.Request) (uuid.UUID, bool) {
	userID, ok := r.Context().Value(shared.UserIDContextKey).(uuid.UUID)
	if !ok || userID == uuid.Nil {
		return uuid.Nil, false
	}
	return userID, true
}

// requireUserAndJobID extracts the user ID from the context and the job
// ID from the URL path, writing an error response if either fails.
func requireUserAndJobID(
	w http.ResponseWriter,
	r *http.Request,
	log *slog.Logger,
) (userID, jobID uuid.UUID, ok bool) {
	userID, found := getUserIDFromContext(r)
	if !found {
		log.Warn("user ID not found or invalid in request context")
		shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
		return uuid.Nil, uuid.Nil, false
	}

	raw := chi.URLParam(r, "jobID")
	if raw == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Job ID is required")
		return uuid.Nil, uuid.Nil, false
	}
	jobID, err := uuid.Parse(raw)
	if err != nil {
		log.Warn("invalid job ID format", slog.String("job_id", raw))
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid job ID format")
		return uuid.Nil, uuid.Nil, false
	}

	return userID, jobID, true
}
