package rpc

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/tokensync/internal/metrics"
	"golang.org/x/time/rate"
)

// DefaultRateLimit is the per-endpoint request rate when none is configured
const DefaultRateLimit = 10.0

// Pool manages the RPC endpoints of every configured chain with round-robin
// selection, per-endpoint rate limiting and cooldowns
type Pool struct {
	chains map[int64]*chainEndpoints
	logger zerolog.Logger
}

type chainEndpoints struct {
	endpoints []*Endpoint
	current   int
	mutex     sync.Mutex
}

// Endpoint represents a single RPC endpoint with its own rate limiter
type Endpoint struct {
	ChainID       int64
	URL           string
	client        *http.Client
	limiter       *rate.Limiter
	healthy       bool
	cooldownUntil time.Time
	mutex         sync.RWMutex
}

// NewPool creates a pool from chain id to endpoint URLs. ratePerSecond <= 0
// selects DefaultRateLimit.
func NewPool(urls map[int64][]string, ratePerSecond float64, logger zerolog.Logger) *Pool {
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultRateLimit
	}
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}

	p := &Pool{
		chains: make(map[int64]*chainEndpoints, len(urls)),
		logger: logger.With().Str("component", "rpc_pool").Logger(),
	}

	for chainID, list := range urls {
		if len(list) == 0 {
			continue
		}
		group := &chainEndpoints{endpoints: make([]*Endpoint, len(list))}
		for i, url := range list {
			group.endpoints[i] = &Endpoint{
				ChainID: chainID,
				URL:     url,
				client: &http.Client{
					Timeout: 30 * time.Second,
				},
				limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
				healthy: true,
			}
			metrics.SetRPCEndpointHealth(url, true)
		}
		group.current = rand.Intn(len(list))
		p.chains[chainID] = group
	}

	return p
}

// Chains returns the configured chain ids in ascending order
func (p *Pool) Chains() []int64 {
	ids := make([]int64, 0, len(p.chains))
	for id := range p.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HasChain reports whether any endpoint serves chainID
func (p *Pool) HasChain(chainID int64) bool {
	_, ok := p.chains[chainID]
	return ok
}

// GetClient returns the next available endpoint of a chain using round-robin.
// When every endpoint is rate limited or unhealthy it waits on the first one.
func (p *Pool) GetClient(ctx context.Context, chainID int64) (*http.Client, string, error) {
	group, ok := p.chains[chainID]
	if !ok {
		return nil, "", fmt.Errorf("no RPC endpoints configured for chain %d", chainID)
	}

	group.mutex.Lock()
	startIndex := group.current
	for attempts := 0; attempts < len(group.endpoints); attempts++ {
		endpoint := group.endpoints[group.current]
		group.current = (group.current + 1) % len(group.endpoints)

		endpoint.mutex.RLock()
		inCooldown := time.Now().Before(endpoint.cooldownUntil)
		healthy := endpoint.healthy
		endpoint.mutex.RUnlock()

		if inCooldown || !healthy {
			p.logger.Debug().
				Int64("chain_id", chainID).
				Str("endpoint", endpoint.URL).
				Bool("cooldown", inCooldown).
				Bool("healthy", healthy).
				Msg("Skipping endpoint")
			continue
		}

		if endpoint.limiter.Allow() {
			group.mutex.Unlock()
			return endpoint.client, endpoint.URL, nil
		}
	}
	endpoint := group.endpoints[startIndex]
	group.mutex.Unlock()

	p.logger.Debug().
		Int64("chain_id", chainID).
		Str("endpoint", endpoint.URL).
		Msg("All endpoints busy, waiting for availability")

	reservation := endpoint.limiter.Reserve()
	if !reservation.OK() {
		return nil, "", fmt.Errorf("rate limiter failed to make reservation")
	}

	if delay := reservation.Delay(); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			reservation.Cancel()
			return nil, "", ctx.Err()
		}
	}

	return endpoint.client, endpoint.URL, nil
}

func (p *Pool) find(url string) *Endpoint {
	for _, group := range p.chains {
		for _, endpoint := range group.endpoints {
			if endpoint.URL == url {
				return endpoint
			}
		}
	}
	return nil
}

// MarkUnhealthy marks an endpoint as unhealthy
func (p *Pool) MarkUnhealthy(url string) {
	endpoint := p.find(url)
	if endpoint == nil {
		return
	}

	endpoint.mutex.Lock()
	wasHealthy := endpoint.healthy
	endpoint.healthy = false
	endpoint.mutex.Unlock()

	metrics.SetRPCEndpointHealth(url, false)
	if wasHealthy {
		p.logger.Warn().Str("endpoint", url).Msg("Marked endpoint as unhealthy")
	}
}

// MarkHealthy marks an endpoint as healthy and clears its cooldown
func (p *Pool) MarkHealthy(url string) {
	endpoint := p.find(url)
	if endpoint == nil {
		return
	}

	endpoint.mutex.Lock()
	wasHealthy := endpoint.healthy
	endpoint.healthy = true
	endpoint.cooldownUntil = time.Time{}
	endpoint.mutex.Unlock()

	metrics.SetRPCEndpointHealth(url, true)
	if !wasHealthy {
		p.logger.Info().Str("endpoint", url).Msg("Marked endpoint as healthy")
	}
}

// SetCooldown puts an endpoint in cooldown for the specified duration
func (p *Pool) SetCooldown(url string, duration time.Duration) {
	endpoint := p.find(url)
	if endpoint == nil {
		return
	}

	endpoint.mutex.Lock()
	endpoint.cooldownUntil = time.Now().Add(duration)
	endpoint.mutex.Unlock()

	p.logger.Warn().
		Str("endpoint", url).
		Dur("duration", duration).
		Msg("Set endpoint cooldown")
}

// GetHealthyEndpointCount returns the number of healthy endpoints across all chains
func (p *Pool) GetHealthyEndpointCount() int {
	count := 0
	now := time.Now()
	for _, group := range p.chains {
		for _, endpoint := range group.endpoints {
			endpoint.mutex.RLock()
			if endpoint.healthy && now.After(endpoint.cooldownUntil) {
				count++
			}
			endpoint.mutex.RUnlock()
		}
	}
	return count
}

// GetStats returns pool statistics
func (p *Pool) GetStats() map[string]interface{} {
	endpoints := make([]map[string]interface{}, 0)
	for _, chainID := range p.Chains() {
		for _, endpoint := range p.chains[chainID].endpoints {
			endpoint.mutex.RLock()
			endpoints = append(endpoints, map[string]interface{}{
				"chain_id":       chainID,
				"url":            endpoint.URL,
				"healthy":        endpoint.healthy,
				"in_cooldown":    time.Now().Before(endpoint.cooldownUntil),
				"cooldown_until": endpoint.cooldownUntil,
			})
			endpoint.mutex.RUnlock()
		}
	}

	return map[string]interface{}{
		"total_endpoints":   len(endpoints),
		"healthy_endpoints": p.GetHealthyEndpointCount(),
		"endpoints":         endpoints,
	}
}
