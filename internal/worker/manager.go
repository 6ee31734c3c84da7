package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/tokensync/internal/config"
	"github.com/wnt/tokensync/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// ManagedQueue is the queue as seen by the manager
type ManagedQueue interface {
	Queue
	GetQueueLength(ctx context.Context) (int64, error)
	GetDueLength(ctx context.Context, now time.Time) (int64, error)
	GetInFlight(ctx context.Context) (map[string]string, error)
	RequeueStuck(ctx context.Context, timeout time.Duration) error
}

// HealthReporter reports how many RPC endpoints are usable
type HealthReporter interface {
	GetHealthyEndpointCount() int
}

// Manager manages a dynamic pool of workers
type Manager struct {
	config   config.Config
	queue    ManagedQueue
	syncer   BalanceUpdater
	health   HealthReporter
	schedule Schedule
	workers  []*Worker
	nextID   int
	logger   zerolog.Logger
	mutex    sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	eg       *errgroup.Group
	stopped  bool
}

// NewManager creates a new worker manager
func NewManager(cfg config.Config, q ManagedQueue, syncer BalanceUpdater, health HealthReporter, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)

	return &Manager{
		config:   cfg,
		queue:    q,
		syncer:   syncer,
		health:   health,
		schedule: DefaultSchedule(cfg.SyncInterval),
		logger:   logger.With().Str("component", "worker_manager").Logger(),
		ctx:      egCtx,
		cancel:   cancel,
		eg:       eg,
	}
}

// Start begins the worker manager lifecycle
func (m *Manager) Start() error {
	m.logger.Info().
		Int("min_workers", m.config.MinWorkers).
		Int("max_workers", m.config.MaxWorkers).
		Dur("sync_interval", m.config.SyncInterval).
		Msg("Starting worker manager")

	if err := m.adjustWorkerCount(); err != nil {
		return fmt.Errorf("failed to start initial workers: %w", err)
	}

	m.eg.Go(m.runScalingLoop)
	m.eg.Go(m.runStuckRecovery)
	m.eg.Go(m.runQueueMonitoring)

	m.logger.Info().Msg("Worker manager started successfully")
	return nil
}

// Stop gracefully shuts down the worker manager
func (m *Manager) Stop() error {
	m.mutex.Lock()
	if m.stopped {
		m.mutex.Unlock()
		return nil
	}
	m.stopped = true
	m.mutex.Unlock()

	m.logger.Info().Msg("Stopping worker manager...")
	m.cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.eg.Wait()
	}()

	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			m.logger.Error().Err(err).Msg("Error during worker shutdown")
		}
	case <-time.After(30 * time.Second):
		m.logger.Warn().Msg("Worker shutdown timed out")
	}

	m.mutex.Lock()
	m.workers = nil
	m.mutex.Unlock()

	metrics.WorkersActive.Set(0)
	m.logger.Info().Msg("Worker manager stopped")
	return nil
}

func (m *Manager) runScalingLoop() error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.adjustWorkerCount(); err != nil {
				m.logger.Error().Err(err).Msg("Failed to adjust worker count")
			}
		}
	}
}

// adjustWorkerCount scales workers based on the number of due targets
func (m *Manager) adjustWorkerCount() error {
	queueLength, err := m.queue.GetQueueLength(m.ctx)
	if err != nil {
		return fmt.Errorf("failed to get queue length: %w", err)
	}
	metrics.SyncQueueLength.Set(float64(queueLength))

	due, err := m.queue.GetDueLength(m.ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to get due length: %w", err)
	}

	desiredWorkers := m.calculateDesiredWorkers(int(due))

	m.mutex.Lock()
	currentWorkers := len(m.workers)
	m.mutex.Unlock()

	if desiredWorkers == currentWorkers {
		return nil
	}

	m.logger.Info().
		Int("current_workers", currentWorkers).
		Int("desired_workers", desiredWorkers).
		Int64("queue_length", queueLength).
		Int64("due", due).
		Msg("Adjusting worker count")

	if desiredWorkers > currentWorkers {
		m.addWorkers(desiredWorkers - currentWorkers)
	} else {
		m.removeWorkers(currentWorkers - desiredWorkers)
	}
	return nil
}

// calculateDesiredWorkers determines the worker count for a backlog of due
// targets: one worker per 10 due targets within the configured bounds
func (m *Manager) calculateDesiredWorkers(due int) int {
	desired := due / 10
	if desired < m.config.MinWorkers {
		desired = m.config.MinWorkers
	}
	if desired > m.config.MaxWorkers {
		desired = m.config.MaxWorkers
	}
	return desired
}

func (m *Manager) addWorkers(count int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i := 0; i < count; i++ {
		m.nextID++
		workerID := fmt.Sprintf("worker-%d", m.nextID)
		worker := NewWorker(workerID, m.queue, m.syncer, m.schedule, m.logger)

		m.eg.Go(func() error {
			return worker.Start(m.ctx)
		})
		m.workers = append(m.workers, worker)
	}

	metrics.WorkersActive.Set(float64(len(m.workers)))
	m.logger.Info().
		Int("added", count).
		Int("total_workers", len(m.workers)).
		Msg("Workers added")
}

// removeWorkers stops the newest workers; each finishes its current target
func (m *Manager) removeWorkers(count int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if count > len(m.workers) {
		count = len(m.workers)
	}

	for _, worker := range m.workers[len(m.workers)-count:] {
		worker.Stop()
	}
	m.workers = m.workers[:len(m.workers)-count]

	metrics.WorkersActive.Set(float64(len(m.workers)))
	m.logger.Info().
		Int("removed", count).
		Int("remaining_workers", len(m.workers)).
		Msg("Workers removed")
}

// runStuckRecovery requeues targets whose worker died mid-sync
func (m *Manager) runStuckRecovery() error {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.queue.RequeueStuck(m.ctx, 15*time.Minute); err != nil {
				m.logger.Error().Err(err).Msg("Failed to requeue stuck targets")
			}
		}
	}
}

func (m *Manager) runQueueMonitoring() error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return nil
		case <-ticker.C:
			stats := m.GetStats(m.ctx)
			m.logger.Info().Fields(stats).Msg("Queue monitoring stats")
		}
	}
}

// GetStats returns current manager statistics
func (m *Manager) GetStats(ctx context.Context) map[string]interface{} {
	m.mutex.RLock()
	activeWorkers := len(m.workers)
	m.mutex.RUnlock()

	queueLength, _ := m.queue.GetQueueLength(ctx)
	inFlight, _ := m.queue.GetInFlight(ctx)

	stats := map[string]interface{}{
		"active_workers": activeWorkers,
		"queue_length":   queueLength,
		"in_flight":      len(inFlight),
		"min_workers":    m.config.MinWorkers,
		"max_workers":    m.config.MaxWorkers,
	}
	if m.health != nil {
		stats["healthy_endpoints"] = m.health.GetHealthyEndpointCount()
	}
	return stats
}
