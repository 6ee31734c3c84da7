package chain

import (
	"strconv"
	"sync"

	"github.com/wnt/tokensync/internal/metrics"
)

// BatchPolicy tracks the eth_call batch size of each chain. A chain whose
// provider answered a batch inconsistently is degraded to one call per
// request. After RestoreAfter clean verifications in serial mode batching is
// tried again.
type BatchPolicy struct {
	mu           sync.RWMutex
	defaultLimit int
	restoreAfter int
	limits       map[int64]int
	degraded     map[int64]int
}

// NewBatchPolicy creates a policy; defaultLimit <= 0 selects DefaultBatchLimit
func NewBatchPolicy(defaultLimit int) *BatchPolicy {
	if defaultLimit <= 0 {
		defaultLimit = DefaultBatchLimit
	}
	return &BatchPolicy{
		defaultLimit: defaultLimit,
		restoreAfter: RestoreAfter,
		limits:       make(map[int64]int),
		degraded:     make(map[int64]int),
	}
}

// SetLimit overrides the batch size of one chain
func (p *BatchPolicy) SetLimit(chainID int64, limit int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limits[chainID] = limit
}

// Limit returns the batch size to use for a chain. 1 means serial calls.
func (p *BatchPolicy) Limit(chainID int64) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, ok := p.degraded[chainID]; ok {
		return 1
	}
	if limit, ok := p.limits[chainID]; ok && limit > 0 {
		return limit
	}
	return p.defaultLimit
}

// Degrade switches a chain to serial calls. It reports whether the chain
// was batching before.
func (p *BatchPolicy) Degrade(chainID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.degraded[chainID]; ok {
		p.degraded[chainID] = 0
		return false
	}
	p.degraded[chainID] = 0
	metrics.RecordBatchDegradation(strconv.FormatInt(chainID, 10))
	return true
}

// Degraded reports whether a chain is using serial calls
func (p *BatchPolicy) Degraded(chainID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.degraded[chainID]
	return ok
}

// Settle counts a verification of a degraded chain that finished without a
// batching fault. It reports whether batching was re-enabled.
func (p *BatchPolicy) Settle(chainID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	clean, ok := p.degraded[chainID]
	if !ok {
		return false
	}
	clean++
	if clean < p.restoreAfter {
		p.degraded[chainID] = clean
		return false
	}
	delete(p.degraded, chainID)
	return true
}
