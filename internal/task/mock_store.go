package task

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/store"
)

// MockJobStore implements the store.JobStore interface for testing.
// It keeps jobs in memory and enforces the same claim and terminal
// guarantees the real store does. Individual operations can be
// overridden through the Fn fields.
type MockJobStore struct {
	mutex sync.Mutex
	jobs  map[uuid.UUID]*domain.Job

	ClaimFn        func(ctx context.Context) (*domain.Job, error)
	UpdateStatusFn func(ctx context.Context, jobID uuid.UUID, status domain.JobStatus, errorSummary string) error

	// HeartbeatCount tracks Heartbeat calls per job for assertions.
	HeartbeatCount map[uuid.UUID]int
}

// NewMockJobStore creates an empty MockJobStore.
func NewMockJobStore() *MockJobStore {
	return &MockJobStore{
		jobs:           make(map[uuid.UUID]*domain.Job),
		HeartbeatCount: make(map[uuid.UUID]int),
	}
}

// Ensure MockJobStore implements store.JobStore
var _ store.JobStore = (*MockJobStore)(nil)

// CreateJob implements store.JobStore.CreateJob
func (m *MockJobStore) CreateJob(_ context.Context, job *domain.Job) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

// GetJob implements store.JobStore.GetJob
func (m *MockJobStore) GetJob(_ context.Context, jobID uuid.UUID) (*domain.Job, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

// ClaimPending implements store.JobStore.ClaimPending
func (m *MockJobStore) ClaimPending(ctx context.Context) (*domain.Job, error) {
	if m.ClaimFn != nil {
		return m.ClaimFn(ctx)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	var oldest *domain.Job
	for _, job := range m.jobs {
		if job.Status != domain.JobStatusPending {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, store.ErrNoPendingJobs
	}

	oldest.Status = domain.JobStatusRunning
	oldest.HeartbeatAt = time.Now().UTC()
	copied := *oldest
	return &copied, nil
}

// UpdateStatus implements store.JobStore.UpdateStatus
func (m *MockJobStore) UpdateStatus(ctx context.Context, jobID uuid.UUID, status domain.JobStatus, errorSummary string) error {
	if m.UpdateStatusFn != nil {
		return m.UpdateStatusFn(ctx, jobID, status, errorSummary)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s", store.ErrJobTerminal, jobID)
	}
	job.Status = status
	job.ErrorSummary = errorSummary
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateProgress implements store.JobStore.UpdateProgress
func (m *MockJobStore) UpdateProgress(_ context.Context, jobID uuid.UUID, stage domain.StageKind, percent int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrJobNotFound
	}
	job.Stage = stage
	job.Percent = percent
	return nil
}

// RequestCancel implements store.JobStore.RequestCancel
func (m *MockJobStore) RequestCancel(_ context.Context, jobID uuid.UUID) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return false, store.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return false, fmt.Errorf("%w: %s", store.ErrJobTerminal, jobID)
	}
	job.CancelRequested = true
	if job.Status == domain.JobStatusPending {
		job.Status = domain.JobStatusCancelled
		job.Stage = domain.StageCancelled
	}
	return true, nil
}

// Heartbeat implements store.JobStore.Heartbeat
func (m *MockJobStore) Heartbeat(_ context.Context, jobID uuid.UUID) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.Status != domain.JobStatusRunning {
		return store.ErrJobNotFound
	}
	job.HeartbeatAt = time.Now().UTC()
	m.HeartbeatCount[jobID]++
	return nil
}

// ReclaimStale implements store.JobStore.ReclaimStale
func (m *MockJobStore) ReclaimStale(_ context.Context, olderThan time.Duration) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	count := 0
	for _, job := range m.jobs {
		if job.Status == domain.JobStatusRunning && job.HeartbeatAt.Before(cutoff) {
			job.Status = domain.JobStatusPending
			count++
		}
	}
	return count, nil
}

// DeleteTerminalBefore implements store.JobStore.DeleteTerminalBefore
func (m *MockJobStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	count := 0
	for id, job := range m.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			count++
		}
	}
	return count, nil
}

// WithTx implements store.JobStore.WithTx. The mock has no transaction
// semantics.
func (m *MockJobStore) WithTx(_ *sql.Tx) store.JobStore {
	return m
}

// MockPageStore implements the store.PageStore interface for testing.
type MockPageStore struct {
	mutex sync.Mutex
	pages map[uuid.UUID]map[int]domain.PageContent

	SaveFn func(ctx context.Context, jobID uuid.UUID, page domain.PageContent) error
}

// NewMockPageStore creates an empty MockPageStore.
func NewMockPageStore() *MockPageStore {
	return &MockPageStore{
		pages: make(map[uuid.UUID]map[int]domain.PageContent),
	}
}

// Ensure MockPageStore implements store.PageStore
var _ store.PageStore = (*MockPageStore)(nil)

// SavePageResult implements store.PageStore.SavePageResult
func (m *MockPageStore) SavePageResult(ctx context.Context, jobID uuid.UUID, page domain.PageContent) error {
	if m.SaveFn != nil {
		return m.SaveFn(ctx, jobID, page)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.pages[jobID] == nil {
		m.pages[jobID] = make(map[int]domain.PageContent)
	}
	m.pages[jobID][page.PageNumber] = page
	return nil
}

// GetPages implements store.PageStore.GetPages
func (m *MockPageStore) GetPages(_ context.Context, jobID uuid.UUID) ([]domain.PageContent, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	byNumber := m.pages[jobID]
	pages := make([]domain.PageContent, 0, len(byNumber))
	for _, page := range byNumber {
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })
	return pages, nil
}

// WithTx implements store.PageStore.WithTx
func (m *MockPageStore) WithTx(_ *sql.Tx) store.PageStore {
	return m
}
