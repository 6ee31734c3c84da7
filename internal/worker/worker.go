package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/tokensync/internal/logger"
	"github.com/wnt/tokensync/internal/metrics"
	"github.com/wnt/tokensync/internal/queue"
	"github.com/wnt/tokensync/internal/token"
)

// Queue is the part of the job queue a worker uses
type Queue interface {
	PopDue(ctx context.Context, now time.Time) (token.Target, bool, error)
	PushTarget(ctx context.Context, target token.Target, due time.Time) error
	SetInFlight(ctx context.Context, target token.Target, worker string) error
	RemoveInFlight(ctx context.Context, target token.Target) error
	IncrementFailures(ctx context.Context, target token.Target) (int64, error)
	ResetFailures(ctx context.Context, target token.Target) error
}

// BalanceUpdater runs one reconciliation pass for a target
type BalanceUpdater interface {
	UpdateBalance(ctx context.Context, target token.Target) (*token.Holding, error)
}

// Schedule controls when a processed target becomes due again
type Schedule struct {
	Interval   time.Duration
	RetryBase  time.Duration
	RetryMax   time.Duration
	IdleWait   time.Duration
	ErrorPause time.Duration
}

// DefaultSchedule returns the schedule used when only the sync interval is
// configured
func DefaultSchedule(interval time.Duration) Schedule {
	return Schedule{
		Interval:   interval,
		RetryBase:  15 * time.Second,
		RetryMax:   30 * time.Minute,
		IdleWait:   2 * time.Second,
		ErrorPause: 5 * time.Second,
	}
}

// Worker pulls due targets from the queue and syncs them
type Worker struct {
	id       string
	queue    Queue
	syncer   BalanceUpdater
	schedule Schedule
	logger   zerolog.Logger
	stopped  atomic.Bool
	now      func() time.Time
}

// NewWorker creates a new worker instance
func NewWorker(id string, q Queue, syncer BalanceUpdater, schedule Schedule, baseLogger zerolog.Logger) *Worker {
	return &Worker{
		id:       id,
		queue:    q,
		syncer:   syncer,
		schedule: schedule,
		logger:   logger.WithWorker(baseLogger, id),
		now:      time.Now,
	}
}

// Start begins the worker processing loop
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().Msg("Starting worker")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Worker received shutdown signal")
			return nil
		default:
		}

		if w.stopped.Load() {
			w.logger.Info().Msg("Worker stopped")
			return nil
		}

		worked, err := w.processNext(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to process target")
		}

		var pause time.Duration
		switch {
		case err != nil:
			pause = w.schedule.ErrorPause
		case !worked:
			pause = w.schedule.IdleWait
		}
		if pause > 0 {
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Stop signals the worker to stop after its current target
func (w *Worker) Stop() {
	w.stopped.Store(true)
	w.logger.Info().Msg("Worker stop signal received")
}

// processNext claims one due target and syncs it. worked is false when
// nothing was due.
func (w *Worker) processNext(ctx context.Context) (bool, error) {
	target, ok, err := w.queue.PopDue(ctx, w.now())
	if err != nil {
		return false, fmt.Errorf("failed to pop target from queue: %w", err)
	}
	if !ok {
		return false, nil
	}

	if err := w.queue.SetInFlight(ctx, target, w.id); err != nil {
		if requeueErr := w.queue.PushTarget(ctx, target, w.now()); requeueErr != nil {
			w.logger.Error().Err(requeueErr).Str("target", target.String()).Msg("Failed to requeue target after in-flight error")
		}
		return true, err
	}

	log := logger.WithTarget(w.logger, target)
	start := time.Now()

	holding, syncErr := w.syncer.UpdateBalance(ctx, target)
	duration := time.Since(start)
	metrics.RecordWorkerTaskDuration("sync", w.id, duration.Seconds())

	// the job was claimed; always release it and schedule the next run
	cleanup := context.WithoutCancel(ctx)
	if err := w.queue.RemoveInFlight(cleanup, target); err != nil {
		log.Error().Err(err).Msg("Failed to remove target from in-flight tracking")
	}

	due := w.reschedule(cleanup, target, syncErr, log)
	if err := w.queue.PushTarget(cleanup, target, due); err != nil {
		log.Error().Err(err).Msg("Failed to reschedule target")
	}

	if syncErr != nil {
		return true, fmt.Errorf("sync of %s failed: %w", target, syncErr)
	}

	log.Info().
		Str("balance", holding.Balance().String()).
		Dur("duration", duration).
		Time("next_due", due).
		Msg("Target synced")
	return true, nil
}

func (w *Worker) reschedule(ctx context.Context, target token.Target, syncErr error, log zerolog.Logger) time.Time {
	now := w.now()
	if syncErr == nil {
		if err := w.queue.ResetFailures(ctx, target); err != nil {
			log.Warn().Err(err).Msg("Failed to reset failure count")
		}
		return now.Add(w.schedule.Interval)
	}

	failures, err := w.queue.IncrementFailures(ctx, target)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to record failure")
		failures = 1
	}
	delay := queue.Backoff(failures, w.schedule.RetryBase, w.schedule.RetryMax)
	log.Warn().Int64("failures", failures).Dur("retry_in", delay).Msg("Sync failed, backing off")
	return now.Add(delay)
}
