package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/repobox/control-plane/internal/models"
	"github.com/repobox/control-plane/internal/queue"
)

// Worker processes case jobs from the queue with bounded concurrency.
type Worker struct {
	engine *Engine
	queue  queue.Queue
	logger *slog.Logger

	concurrency int
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// WorkerConfig holds configuration for the case worker.
type WorkerConfig struct {
	Concurrency int
}

// DefaultWorkerConfig returns a WorkerConfig with sensible defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{Concurrency: 4}
}

// NewWorker creates a case worker.
func NewWorker(cfg *WorkerConfig, engine *Engine, q queue.Queue, logger *slog.Logger) *Worker {
	if cfg == nil {
		cfg = DefaultWorkerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine:      engine,
		queue:       q,
		logger:      logger,
		concurrency: cfg.Concurrency,
		stopCh:      make(chan struct{}),
	}
}

// Start spawns the worker goroutines.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("starting case worker", "concurrency", w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
	return nil
}

// Stop gracefully stops the worker and waits for in-flight jobs.
func (w *Worker) Stop() {
	w.logger.Info("stopping case worker")
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("case worker stopped")
}

// workerLoop is the main loop for a single worker goroutine.
func (w *Worker) workerLoop(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.With("worker_id", workerID)
	logger.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker context cancelled")
			return
		case <-w.stopCh:
			logger.Debug("worker stop signal received")
			return
		default:
			job, err := w.queue.Dequeue(ctx)
			if err != nil {
				if errors.Is(err, queue.ErrNoJobs) {
					time.Sleep(1 * time.Second)
					continue
				}
				logger.Error("failed to dequeue job", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}

			if err := w.engine.runJob(ctx, job); err != nil {
				logger.Error("failed to process job", "job_id", job.ID, "case_id", job.CaseID, "error", err)
				if nackErr := w.queue.Nack(ctx, job.ID); nackErr != nil {
					logger.Error("failed to nack job", "job_id", job.ID, "error", nackErr)
				}
				continue
			}

			if err := w.queue.Ack(ctx, job.ID); err != nil {
				logger.Error("failed to ack job", "job_id", job.ID, "error", err)
			}
		}
	}
}

// RecoveryResult summarizes startup recovery.
type RecoveryResult struct {
	// Interrupted is the number of cases whose pipeline was cut off by
	// a previous process exit and marked failed.
	Interrupted int
	// Resumed is the number of pending cases re-enqueued.
	Resumed int
	// Errors holds per-case recovery errors; recovery keeps going past
	// them.
	Errors []error
}

// RecoverOnStartup reconciles cases left in non-terminal states by a
// previous process run. Mid-pipeline cases are marked failed so callers
// can retry; pending cases are re-enqueued; running cases lose their
// port lease and env values with the old process, so their containers
// are torn down and the cases marked failed as well.
func (e *Engine) RecoverOnStartup(ctx context.Context) (*RecoveryResult, error) {
	result := &RecoveryResult{}
	e.logger.Info("starting case recovery")

	interrupted := []models.CaseStatus{
		models.CaseStatusCloning,
		models.CaseStatusBuilding,
		models.CaseStatusStarting,
		models.CaseStatusRunning,
	}
	for _, status := range interrupted {
		cases, err := e.store.Cases().ListByStatus(ctx, status)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		for _, c := range cases {
			if c.Status == models.CaseStatusRunning {
				e.teardownLocked(ctx, c)
			}
			c.ClearRuntime()
			if err := e.fail(ctx, c, models.StageSystem, models.CodeInternal, "pipeline interrupted by controller restart"); err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			result.Interrupted++
		}
	}

	pending, err := e.store.Cases().ListByStatus(ctx, models.CaseStatusPending)
	if err != nil {
		result.Errors = append(result.Errors, err)
	} else {
		for _, c := range pending {
			job := &models.CaseJob{
				ID:        uuid.New().String(),
				CaseID:    c.ID,
				Action:    models.JobActionLaunch,
				CreatedAt: time.Now().UTC(),
			}
			if err := e.queue.Enqueue(ctx, job); err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			result.Resumed++
		}
	}

	e.logger.Info("case recovery complete",
		"interrupted", result.Interrupted,
		"resumed", result.Resumed,
		"errors", len(result.Errors),
	)
	return result, nil
}
