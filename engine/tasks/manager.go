package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ragline/ragline/pkg/metrics"
	"github.com/ragline/ragline/pkg/repo"
)

const defaultMaxConcurrent = 5

var met = metrics.New()

var (
	mActiveJobs      = met.Gauge("ragline_tasks_active_jobs", "Jobs currently running in the worker pool")
	mJobsCompleted   = met.Counter("ragline_tasks_jobs_completed_total", "Jobs that ran to completion")
	mJobsFailed      = met.Counter("ragline_tasks_jobs_failed_total", "Jobs that exited with an error")
	mJobsInterrupted = met.Counter("ragline_tasks_jobs_interrupted_total", "Jobs stopped by a pause or cancel control call")
)

// Metrics returns this package's metrics registry for exposition alongside
// the rest of the binary's /metrics output.
func Metrics() *metrics.Registry { return met }

// RunFunc drives a single job to completion; it is the ingestion
// orchestrator's entry point (C9), injected so this package stays
// ignorant of parsing/embedding/storage concerns.
type RunFunc func(ctx context.Context, job Job) (Job, error)

// Manager is the TaskManager: job submission, control operations, and
// the bounded worker pool that dispatches queued jobs to RunFunc.
type Manager struct {
	store         *Store
	maxConcurrent int
	run           RunFunc
	logger        *slog.Logger

	queue chan string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
	stopped  atomic.Bool
}

// dispatch hands jobID to a local worker unless the pool has already
// begun shutting down, avoiding a send on the closed queue channel.
func (m *Manager) dispatch(jobID string) {
	if m.stopped.Load() {
		return
	}
	select {
	case m.queue <- jobID:
	default:
		m.logger.Warn("tasks: local dispatch channel full", "job", jobID)
	}
}

// New opens the backing KV buckets and starts the worker pool.
func New(ctx context.Context, js jetstream.JetStream, maxConcurrent int, run RunFunc, logger *slog.Logger) (*Manager, error) {
	store, err := OpenStore(ctx, js)
	if err != nil {
		return nil, err
	}
	return NewWithStore(store, maxConcurrent, run, logger), nil
}

// NewWithStore builds a Manager around an already-open Store, bypassing
// New. Used by tests and by callers managing their own JetStream context.
func NewWithStore(store *Store, maxConcurrent int, run RunFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	m := &Manager{
		store:         store,
		maxConcurrent: maxConcurrent,
		run:           run,
		logger:        logger,
		queue:         make(chan string, 4096),
		cancels:       map[string]context.CancelFunc{},
		shutdown:      make(chan struct{}),
	}
	for i := 0; i < maxConcurrent; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Submit creates a new job record, queues it, and returns its id.
func (m *Manager) Submit(ctx context.Context, tenantID string, file FileInfo, cfg Configuration) (string, error) {
	id := "ingest_" + uuid.NewString()
	job := Job{
		ID:            id,
		TenantID:      tenantID,
		Status:        StatusQueued,
		FileInfo:      file,
		Configuration: cfg,
	}
	if _, err := m.store.Create(ctx, job); err != nil {
		return "", err
	}
	if err := m.store.EnqueueJob(ctx, id); err != nil {
		return "", err
	}

	m.dispatch(id)

	m.logger.Info("tasks: submitted", "job", id, "tenant", tenantID)
	return id, nil
}

// Status returns a job's current record.
func (m *Manager) Status(ctx context.Context, jobID string) (Job, error) {
	return m.store.Get(ctx, jobID)
}

// Active returns the active-task set for cross-process visibility.
func (m *Manager) Active(ctx context.Context) ([]string, error) {
	return m.store.ActiveIDs(ctx)
}

// Pause transitions a running job to paused and trips its cancellation
// token; the worker persists the latest checkpoint and exits cleanly.
func (m *Manager) Pause(ctx context.Context, jobID string) error {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !canPause(job.Status) {
		return fmt.Errorf("pause %s from %s: %w", jobID, job.Status, ErrIllegalTransition)
	}
	job.Status = StatusPaused
	if _, err := m.store.Update(ctx, job); err != nil {
		return err
	}
	m.cancel(jobID)
	m.logger.Info("tasks: paused", "job", jobID)
	return nil
}

// Resume re-queues a paused job.
func (m *Manager) Resume(ctx context.Context, jobID string) error {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !canResume(job.Status) {
		return fmt.Errorf("resume %s from %s: %w", jobID, job.Status, ErrIllegalTransition)
	}
	job.Status = StatusQueued
	if _, err := m.store.Update(ctx, job); err != nil {
		return err
	}
	if err := m.store.EnqueueJob(ctx, jobID); err != nil {
		return err
	}

	m.dispatch(jobID)

	m.logger.Info("tasks: resumed", "job", jobID)
	return nil
}

// Cancel moves a job to cancelled from any non-terminal state and trips
// its cancellation token if running.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !canCancel(job.Status) {
		return fmt.Errorf("cancel %s from %s: %w", jobID, job.Status, ErrIllegalTransition)
	}
	wasQueued := job.Status == StatusQueued
	job.Status = StatusCancelled
	if _, err := m.store.Update(ctx, job); err != nil {
		return err
	}
	if wasQueued {
		if err := m.store.RemoveFromQueue(ctx, jobID); err != nil {
			m.logger.Warn("tasks: failed to remove cancelled job from queue", "job", jobID, "error", err)
		}
	}
	m.cancel(jobID)
	m.logger.Info("tasks: cancelled", "job", jobID)
	return nil
}

func (m *Manager) cancel(jobID string) {
	m.mu.Lock()
	cancel, ok := m.cancels[jobID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// CleanupCompleted removes completed/failed/cancelled job records
// updated before the cutoff implied by maxAge, matching the original
// service's periodic sweep.
func (m *Manager) CleanupCompleted(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	entries, err := m.store.List(ctx, repo.ListOpts{})
	if err != nil {
		return 0, err
	}
	for _, job := range entries {
		terminal := job.Status == StatusCompleted || job.Status == StatusFailed || job.Status == StatusCancelled
		if terminal && job.UpdatedAt.Before(cutoff) {
			if err := m.store.Delete(ctx, job.ID); err == nil {
				removed++
			}
		}
	}
	m.logger.Info("tasks: cleanup complete", "removed", removed)
	return removed, nil
}

// worker pulls job ids off the local dispatch channel and runs them,
// bounded to maxConcurrent concurrent workers by the fixed pool size.
func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.shutdown:
			return
		case jobID, ok := <-m.queue:
			if !ok {
				return
			}
			m.process(jobID)
		}
	}
}

func (m *Manager) process(jobID string) {
	ctx := context.Background()

	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		m.logger.Error("tasks: job not found for processing", "job", jobID, "error", err)
		return
	}
	if job.Status != StatusQueued {
		// Paused/cancelled between enqueue and dequeue; nothing to do.
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[jobID] = cancel
	m.mu.Unlock()

	if err := m.store.AddActive(ctx, jobID); err != nil {
		m.logger.Warn("tasks: failed to record active task", "job", jobID, "error", err)
	}

	job.Status = StatusRunning
	if _, err := m.store.Update(ctx, job); err != nil {
		m.logger.Error("tasks: failed to mark job running", "job", jobID, "error", err)
	}

	mActiveJobs.Inc()
	result, runErr := m.run(runCtx, job)
	mActiveJobs.Dec()

	m.mu.Lock()
	delete(m.cancels, jobID)
	m.mu.Unlock()
	cancel()

	if err := m.store.RemoveActive(ctx, jobID); err != nil {
		m.logger.Warn("tasks: failed to clear active task", "job", jobID, "error", err)
	}

	switch {
	case errors.Is(runCtx.Err(), context.Canceled):
		// Status was already set to paused/cancelled by the control call.
		mJobsInterrupted.Inc()
		m.logger.Info("tasks: run interrupted by cancellation token", "job", jobID)
	case runErr != nil:
		result.Status = StatusFailed
		result.ErrorInfo = &ErrorRecord{
			Message:     runErr.Error(),
			Type:        fmt.Sprintf("%T", runErr),
			Timestamp:   time.Now().UTC(),
			Recoverable: false,
		}
		if _, err := m.store.Update(ctx, result); err != nil {
			m.logger.Error("tasks: failed to persist failed job", "job", jobID, "error", err)
		}
		mJobsFailed.Inc()
		m.logger.Error("tasks: job failed", "job", jobID, "error", runErr)
	default:
		result.Status = StatusCompleted
		if _, err := m.store.Update(ctx, result); err != nil {
			m.logger.Error("tasks: failed to persist completed job", "job", jobID, "error", err)
		}
		mJobsCompleted.Inc()
		m.logger.Info("tasks: job completed", "job", jobID)
	}

	m.drainSharedQueue()
}

// drainSharedQueue pulls one job off the shared queue onto the local
// dispatch channel, picking up work submitted or resumed by another
// process that shares this job store.
func (m *Manager) drainSharedQueue() {
	id, err := m.store.DequeueJob(context.Background())
	if err != nil || id == "" {
		return
	}
	m.dispatch(id)
}

// Shutdown cancels every running job and waits for workers to exit. The
// dispatch channel is deliberately never closed: workers exit via the
// shutdown signal instead, so a straggling dispatch() after Shutdown has
// been called is a silent no-op rather than a send-on-closed-channel panic.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.stopped.Store(true)
		close(m.shutdown)
		m.mu.Lock()
		for jobID, cancel := range m.cancels {
			m.logger.Info("tasks: cancelling on shutdown", "job", jobID)
			cancel()
		}
		m.mu.Unlock()
	})
	m.wg.Wait()
}
