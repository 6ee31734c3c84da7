package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncQueueLength tracks the number of sync jobs in the queue
	SyncQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokensync_queue_length",
		Help: "The number of sync jobs currently in the queue",
	})

	// WorkersActive tracks the number of active workers
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokensync_workers_active",
		Help: "The number of workers currently active",
	})

	// RPCRequestsTotal tracks RPC requests by status
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokensync_rpc_requests_total",
			Help: "The total number of RPC requests",
		},
		[]string{"status"},
	)

	// SyncCycles tracks reconciliation passes by standard and outcome
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokensync_sync_cycles_total",
			Help: "The total number of reconciliation passes",
		},
		[]string{"standard", "outcome"}, // committed, partial, skipped, guarded, aborted
	)

	// SyncCycleSeconds tracks how long a reconciliation pass takes
	SyncCycleSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokensync_sync_cycle_seconds",
			Help:    "Time taken by one reconciliation pass in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"standard"},
	)

	// RangeNarrowings tracks eth_getLogs range narrowing steps per chain
	RangeNarrowings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokensync_range_narrowings_total",
			Help: "The total number of log range narrowing steps",
		},
		[]string{"chain_id"},
	)

	// BatchDegradations tracks chains falling back to serial calls
	BatchDegradations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokensync_batch_degradations_total",
			Help: "The total number of times a chain's batching was degraded",
		},
		[]string{"chain_id"},
	)

	// MalformedEntries tracks skipped logs and call results
	MalformedEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokensync_malformed_entries_total",
			Help: "The total number of skipped undecodable entries",
		},
		[]string{"source"}, // log, call
	)

	// LedgerOperations tracks asset ledger writes
	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokensync_ledger_operations_total",
			Help: "The total number of asset ledger row operations",
		},
		[]string{"operation"}, // added, updated, removed, tombstoned
	)

	// DatabaseOperations tracks database transactions
	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokensync_database_operations_total",
			Help: "The total number of database operations",
		},
		[]string{"operation", "status"},
	)

	// RPCEndpointHealth tracks RPC endpoint health
	RPCEndpointHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tokensync_rpc_endpoint_health",
			Help: "Health status of RPC endpoints (1 = healthy, 0 = unhealthy)",
		},
		[]string{"endpoint"},
	)

	// WorkerTaskDuration tracks how long workers spend on tasks
	WorkerTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokensync_worker_task_duration_seconds",
			Help:    "Time taken by workers to complete tasks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type", "worker_id"},
	)
)

// RecordRPCRequest records an RPC request with the given status
func RecordRPCRequest(status string) {
	RPCRequestsTotal.WithLabelValues(status).Inc()
}

// RecordSyncCycle records the outcome and duration of a reconciliation pass
func RecordSyncCycle(standard, outcome string, duration float64) {
	SyncCycles.WithLabelValues(standard, outcome).Inc()
	SyncCycleSeconds.WithLabelValues(standard).Observe(duration)
}

// RecordRangeNarrowing records one narrowing step
func RecordRangeNarrowing(chainID string) {
	RangeNarrowings.WithLabelValues(chainID).Inc()
}

// RecordBatchDegradation records a chain switching to serial calls
func RecordBatchDegradation(chainID string) {
	BatchDegradations.WithLabelValues(chainID).Inc()
}

// RecordMalformedEntry records a skipped entry
func RecordMalformedEntry(source string) {
	MalformedEntries.WithLabelValues(source).Inc()
}

// RecordLedgerOperations adds n ledger row operations
func RecordLedgerOperations(operation string, n int) {
	if n > 0 {
		LedgerOperations.WithLabelValues(operation).Add(float64(n))
	}
}

// RecordDatabaseOperation records a database operation
func RecordDatabaseOperation(operation, status string) {
	DatabaseOperations.WithLabelValues(operation, status).Inc()
}

// SetRPCEndpointHealth sets the health status of an RPC endpoint
func SetRPCEndpointHealth(endpoint string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	RPCEndpointHealth.WithLabelValues(endpoint).Set(value)
}

// RecordWorkerTaskDuration records the time taken by a worker to complete a task
func RecordWorkerTaskDuration(taskType, workerID string, duration float64) {
	WorkerTaskDuration.WithLabelValues(taskType, workerID).Observe(duration)
}
