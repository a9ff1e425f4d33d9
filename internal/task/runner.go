package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/store"
)

// RunnerConfig holds configuration for the job runner.
type RunnerConfig struct {
	// WorkerCount determines how many concurrent workers claim jobs.
	WorkerCount int

	// PollInterval is how long an idle worker waits before asking the
	// queue again.
	PollInterval time.Duration

	// HeartbeatInterval is how often a worker refreshes the liveness
	// timestamp of the job it holds.
	HeartbeatInterval time.Duration

	// StaleAfter defines how long a running job may go without a
	// heartbeat before it is considered abandoned and requeued.
	StaleAfter time.Duration

	// ReclaimInterval defines how often to check for abandoned jobs.
	ReclaimInterval time.Duration

	// JobTimeout is the hard ceiling for one job execution.
	JobTimeout time.Duration

	// Retention is how long terminal jobs are kept before the sweeper
	// deletes them; SweepInterval is how often the sweeper runs.
	Retention     time.Duration
	SweepInterval time.Duration
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerCount:       2,
		PollInterval:      2 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		StaleAfter:        2 * time.Minute,
		ReclaimInterval:   30 * time.Second,
		JobTimeout:        30 * time.Minute,
		Retention:         72 * time.Hour,
		SweepInterval:     time.Hour,
	}
}

// Executor runs one claimed job to a terminal state.
type Executor interface {
	Execute(ctx context.Context, job *domain.Job) error
}

// Runner manages the worker pool that drains the job queue. Workers
// poll for pending jobs, claim them one at a time, and heartbeat while
// executing; background monitors requeue abandoned jobs and delete
// terminal ones past retention.
type Runner struct {
	jobs       store.JobStore
	executor   Executor
	config     RunnerConfig
	logger     *slog.Logger
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewRunner creates a new Runner.
func NewRunner(jobs store.JobStore, executor Executor, config RunnerConfig, logger *slog.Logger) *Runner {
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		jobs:       jobs,
		executor:   executor,
		config:     config,
		logger:     logger.With("component", "job_runner"),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start launches the worker pool and the background monitors. Jobs left
// in the running state by a previous crash are requeued immediately so
// workers can pick them back up without waiting for the stale age.
func (r *Runner) Start() error {
	requeued, err := r.jobs.ReclaimStale(r.ctx, r.config.StaleAfter)
	if err != nil {
		return err
	}
	if requeued > 0 {
		r.logger.Info("requeued jobs abandoned before startup", "count", requeued)
	}

	for i := 0; i < r.config.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.wg.Add(1)
	go r.reclaimMonitor()

	if r.config.SweepInterval > 0 && r.config.Retention > 0 {
		r.wg.Add(1)
		go r.retentionSweeper()
	}

	r.logger.Info("job runner started", "workers", r.config.WorkerCount)
	return nil
}

// Stop gracefully shuts down the runner. In-flight jobs observe the
// cancelled context and finalize before their workers exit.
func (r *Runner) Stop() {
	r.cancelFunc()
	r.wg.Wait()
	r.logger.Info("job runner stopped")
}

// worker claims and executes jobs until the runner stops.
func (r *Runner) worker(id int) {
	defer r.wg.Done()

	logger := r.logger.With("worker_id", id)
	logger.Debug("starting worker")

	for {
		job, err := r.jobs.ClaimPending(r.ctx)
		switch {
		case errors.Is(err, store.ErrNoPendingJobs):
			if !r.sleep(r.config.PollInterval) {
				logger.Debug("stopping worker")
				return
			}
			continue
		case err != nil:
			if r.ctx.Err() != nil {
				logger.Debug("stopping worker")
				return
			}
			logger.Error("failed to claim job", "error", err)
			if !r.sleep(r.config.PollInterval) {
				return
			}
			continue
		}

		r.processJob(job, logger)

		if r.ctx.Err() != nil {
			logger.Debug("stopping worker")
			return
		}
	}
}

// processJob executes one claimed job under the hard timeout, with a
// heartbeat goroutine keeping the claim fresh for the whole run.
func (r *Runner) processJob(job *domain.Job, logger *slog.Logger) {
	logger = logger.With("job_id", job.ID)
	logger.Info("processing job", "pages", job.Params.PageCount)

	ctx := r.ctx
	cancel := context.CancelFunc(func() {})
	if r.config.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(r.ctx, r.config.JobTimeout)
	}
	defer cancel()

	stopBeat := r.startHeartbeat(ctx, job, logger)
	defer stopBeat()

	if err := r.executor.Execute(ctx, job); err != nil {
		logger.Error("job execution failed", "error", err)
		return
	}
	logger.Debug("job execution finished")
}

// startHeartbeat refreshes the job's liveness timestamp on a ticker
// until the returned stop function is called.
func (r *Runner) startHeartbeat(ctx context.Context, job *domain.Job, logger *slog.Logger) func() {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(r.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.jobs.Heartbeat(ctx, job.ID); err != nil {
					// The job may have finished or been reclaimed; the
					// next beat either succeeds or the executor is about
					// to return anyway.
					logger.Debug("heartbeat skipped", "error", err)
				}
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// reclaimMonitor periodically requeues running jobs whose heartbeat
// went stale, making work from crashed workers claimable again.
func (r *Runner) reclaimMonitor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			count, err := r.jobs.ReclaimStale(r.ctx, r.config.StaleAfter)
			if err != nil {
				if r.ctx.Err() == nil {
					r.logger.Error("failed to reclaim stale jobs", "error", err)
				}
				continue
			}
			if count > 0 {
				r.logger.Info("reclaimed stale jobs", "count", count)
			}
		}
	}
}

// retentionSweeper deletes terminal jobs older than the retention
// window.
func (r *Runner) retentionSweeper() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-r.config.Retention)
			count, err := r.jobs.DeleteTerminalBefore(r.ctx, cutoff)
			if err != nil {
				if r.ctx.Err() == nil {
					r.logger.Error("retention sweep failed", "error", err)
				}
				continue
			}
			if count > 0 {
				r.logger.Info("retention sweep deleted jobs", "count", count)
			}
		}
	}
}

// sleep waits for the duration or the runner's shutdown, whichever
// comes first. Returns false on shutdown.
func (r *Runner) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.ctx.Done():
		return false
	}
}
