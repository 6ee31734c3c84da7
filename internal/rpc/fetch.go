package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/tokensync/internal/metrics"
)

// ErrBatchCountMismatch is returned when a batch response does not carry
// exactly one answer per request
var ErrBatchCountMismatch = errors.New("batch response count does not match request count")

// Request represents a JSON RPC request
type Request struct {
	Jsonrpc string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// Response represents a JSON RPC response
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Error represents a JSON RPC error object
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorCode returns the JSON RPC error code
func (e *Error) ErrorCode() int {
	return e.Code
}

// StatusError is returned for non-200 HTTP answers
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code from %s: %d", e.Endpoint, e.StatusCode)
}

// Fetcher sends raw JSON RPC batches through the pool. Batches are sent
// without a client library so the answer count can be checked against the
// request count.
type Fetcher struct {
	pool       *Pool
	logger     zerolog.Logger
	maxRetries int
	baseDelay  time.Duration
}

// NewFetcher creates a new batch fetcher
func NewFetcher(pool *Pool, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		pool:       pool,
		logger:     logger.With().Str("component", "rpc_fetcher").Logger(),
		maxRetries: 2,
		baseDelay:  250 * time.Millisecond,
	}
}

// Batch sends requests as one JSON RPC batch and returns the responses in
// request order. Transport failures are retried with exponential backoff; a
// well-formed answer with missing or extra entries is not retried and yields
// ErrBatchCountMismatch.
func (f *Fetcher) Batch(ctx context.Context, chainID int64, requests []Request) ([]Response, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			delay := f.baseDelay * time.Duration(1<<(attempt-1))
			f.logger.Debug().
				Int64("chain_id", chainID).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("Retrying batch after delay")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				metrics.RecordRPCRequest("cancelled")
				return nil, ctx.Err()
			}
		}

		responses, err := f.batchOnce(ctx, chainID, requests)
		if err == nil {
			metrics.RecordRPCRequest("success")
			return responses, nil
		}
		if errors.Is(err, ErrBatchCountMismatch) {
			metrics.RecordRPCRequest("batch_mismatch")
			return nil, err
		}
		if ctx.Err() != nil {
			metrics.RecordRPCRequest("cancelled")
			return nil, ctx.Err()
		}

		lastErr = err
		f.logger.Warn().
			Err(err).
			Int64("chain_id", chainID).
			Int("batch_size", len(requests)).
			Int("attempt", attempt+1).
			Msg("Batch request failed")
	}

	metrics.RecordRPCRequest("failed")
	return nil, fmt.Errorf("batch failed after %d attempts: %w", f.maxRetries+1, lastErr)
}

func (f *Fetcher) batchOnce(ctx context.Context, chainID int64, requests []Request) ([]Response, error) {
	client, endpoint, err := f.pool.GetClient(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get RPC client: %w", err)
	}

	requestBody, err := json.Marshal(requests)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RPC batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := client.Do(httpReq)
	duration := time.Since(startTime)

	if err != nil {
		f.handleError(endpoint, err, duration)
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		f.handleRateLimit(endpoint)
		return nil, &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		f.pool.MarkUnhealthy(endpoint)
		return nil, &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	// Some providers answer an oversized batch with a single error object
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var single Response
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("failed to unmarshal RPC response: %w", err)
		}
		f.pool.MarkHealthy(endpoint)
		if single.Error != nil {
			return nil, fmt.Errorf("%w: provider rejected batch of %d: %v", ErrBatchCountMismatch, len(requests), single.Error)
		}
		return nil, fmt.Errorf("%w: got 1 response for %d requests", ErrBatchCountMismatch, len(requests))
	}

	var responses []Response
	if err := json.Unmarshal(trimmed, &responses); err != nil {
		return nil, fmt.Errorf("failed to unmarshal RPC batch response: %w", err)
	}

	f.pool.MarkHealthy(endpoint)

	ordered, err := matchResponses(requests, responses)
	if err != nil {
		return nil, err
	}

	f.logger.Debug().
		Int64("chain_id", chainID).
		Str("endpoint", endpoint).
		Int("batch_size", len(requests)).
		Dur("duration", duration).
		Msg("Batch completed")

	return ordered, nil
}

// matchResponses orders responses by request id. Providers may answer a
// batch in any order.
func matchResponses(requests []Request, responses []Response) ([]Response, error) {
	if len(responses) != len(requests) {
		return nil, fmt.Errorf("%w: got %d responses for %d requests", ErrBatchCountMismatch, len(responses), len(requests))
	}

	byID := make(map[int]Response, len(responses))
	for _, r := range responses {
		byID[r.ID] = r
	}

	ordered := make([]Response, len(requests))
	for i, req := range requests {
		r, ok := byID[req.ID]
		if !ok {
			return nil, fmt.Errorf("%w: no response for request id %d", ErrBatchCountMismatch, req.ID)
		}
		ordered[i] = r
	}
	return ordered, nil
}

// handleError handles transport errors and marks endpoints as unhealthy
func (f *Fetcher) handleError(endpoint string, err error, duration time.Duration) {
	f.logger.Error().
		Err(err).
		Str("endpoint", endpoint).
		Dur("duration", duration).
		Msg("RPC request failed")

	f.pool.MarkUnhealthy(endpoint)
	metrics.RecordRPCRequest("error")
}

// handleRateLimit handles rate limiting by setting cooldown
func (f *Fetcher) handleRateLimit(endpoint string) {
	f.logger.Warn().
		Str("endpoint", endpoint).
		Msg("Rate limited by endpoint")

	f.pool.SetCooldown(endpoint, time.Minute)
	metrics.RecordRPCRequest("rate_limited")
}
