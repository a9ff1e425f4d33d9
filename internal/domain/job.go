package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a generation job.
type JobStatus string

// Possible job status values. Transitions are monotonic along
// pending -> running -> {succeeded, failed, cancelled}; the three
// terminal states are final.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Common validation errors for Job
var (
	ErrEmptyJobID         = errors.New("job ID cannot be empty")
	ErrEmptyJobOwnerID    = errors.New("job owner ID cannot be empty")
	ErrInvalidJobStatus   = errors.New("invalid job status")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrInvalidPageCount   = errors.New("page count must be between 1 and 40")
	ErrEmptyTheme         = errors.New("book theme cannot be empty")
	ErrInvalidTargetAge   = errors.New("target age must be between 1 and 14")
	ErrJobAlreadyTerminal = errors.New("job is already in a terminal state")
)

// Terminal reports whether the status is final. No transition is
// allowed out of a terminal status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a job may move from one status to
// another. Same-status updates are treated as no-ops and allowed.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning || to == JobStatusCancelled
	case JobStatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// BookParams holds the immutable generation parameters supplied when a
// job is enqueued.
type BookParams struct {
	Title     string   `json:"title,omitempty"`
	Theme     string   `json:"theme"                validate:"required,min=1,max=200"`
	Keywords  []string `json:"keywords,omitempty"   validate:"max=10,dive,min=1,max=40"`
	TargetAge int      `json:"target_age"           validate:"required,gte=1,lte=14"`
	PageCount int      `json:"page_count"           validate:"required,gte=1,lte=40"`
	Style     string   `json:"style,omitempty"      validate:"max=60"`
}

// Job represents one end-to-end book generation request tracked through
// its lifecycle. A job is created by the enqueue call and afterwards
// mutated only by the single worker that claimed it.
type Job struct {
	ID              uuid.UUID  `json:"id"`
	OwnerID         uuid.UUID  `json:"owner_id"`
	Params          BookParams `json:"params"`
	Status          JobStatus  `json:"status"`
	CancelRequested bool       `json:"cancel_requested"`
	Stage           StageKind  `json:"stage"`
	Percent         int        `json:"percent"`
	ErrorSummary    string     `json:"error_summary,omitempty"`
	HeartbeatAt     time.Time  `json:"heartbeat_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewJob creates a new Job in the pending state with a fresh UUID.
// Returns an error if validation fails.
func NewJob(ownerID uuid.UUID, params BookParams) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Params:    params,
		Status:    JobStatusPending,
		Stage:     StageInitializing,
		Percent:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}

	return job, nil
}

// Validate checks that the Job carries consistent data.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return ErrEmptyJobID
	}
	if j.OwnerID == uuid.Nil {
		return ErrEmptyJobOwnerID
	}
	if !isValidJobStatus(j.Status) {
		return ErrInvalidJobStatus
	}
	if j.Params.Theme == "" {
		return ErrEmptyTheme
	}
	if j.Params.PageCount < 1 || j.Params.PageCount > 40 {
		return ErrInvalidPageCount
	}
	if j.Params.TargetAge < 1 || j.Params.TargetAge > 14 {
		return ErrInvalidTargetAge
	}
	return nil
}

// Transition moves the job to the given status, updating UpdatedAt.
// Returns ErrInvalidTransition when the move is not legal.
func (j *Job) Transition(to JobStatus) error {
	if !isValidJobStatus(to) {
		return ErrInvalidJobStatus
	}
	if !CanTransition(j.Status, to) {
		return ErrInvalidTransition
	}
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func isValidJobStatus(status JobStatus) bool {
	switch status {
	case JobStatusPending, JobStatusRunning, JobStatusSucceeded,
		JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// PageContent is the persisted result of one generated page. Saving the
// same page number twice overwrites the earlier content, which is what
// makes job reclaim after a worker crash safe.
type PageContent struct {
	PageNumber  int    `json:"page_number"`
	Text        string `json:"text"`
	ImagePrompt string `json:"image_prompt"`
	ImageRef    string `json:"image_ref,omitempty"`
}
