package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/domain"
)

// Common request/response structures

// CreateBookRequest defines the payload for the book enqueue endpoint.
type CreateBookRequest struct {
	Theme     string   `json:"theme"              validate:"required,min=1,max=200"`
	Keywords  []string `json:"keywords,omitempty" validate:"max=10,dive,min=1,max=40"`
	TargetAge int      `json:"target_age"         validate:"required,gte=1,lte=14"`
	PageCount int      `json:"page_count"         validate:"required,gte=1,lte=40"`
	Style     string   `json:"style,omitempty"    validate:"max=60"`
}

// JobResponse is the public view of a generation job, returned by the
// enqueue, status, and cancel endpoints.
type JobResponse struct {
	ID              uuid.UUID        `json:"id"`
	Status          domain.JobStatus `json:"status"`
	CancelRequested bool             `json:"cancel_requested"`
	Stage           domain.StageKind `json:"stage"`
	Percent         int              `json:"percent"`
	ErrorSummary    string           `json:"error_summary,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// PageResponse is one finished page of a book.
type PageResponse struct {
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
	ImageRef   string `json:"image_ref,omitempty"`
}

// BookResponse is the assembled book returned once a job succeeds.
type BookResponse struct {
	JobID     uuid.UUID      `json:"job_id"`
	Title     string         `json:"title"`
	Pages     []PageResponse `json:"pages"`
	CreatedAt time.Time      `json:"created_at"`
}

func jobToResponse(job *domain.Job) JobResponse {
	return JobResponse{
		ID:              job.ID,
		Status:          job.Status,
		CancelRequested: job.CancelRequested,
		Stage:           job.Stage,
		Percent:         job.Percent,
		ErrorSummary:    job.ErrorSummary,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
}
