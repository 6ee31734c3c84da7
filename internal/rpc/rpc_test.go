package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRoundRobin(t *testing.T) {
	pool := NewPool(map[int64][]string{
		1:   {"http://a", "http://b"},
		137: {"http://polygon"},
	}, 1000, zerolog.Nop())

	assert.Equal(t, []int64{1, 137}, pool.Chains())
	assert.True(t, pool.HasChain(137))
	assert.False(t, pool.HasChain(10))

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		_, url, err := pool.GetClient(context.Background(), 1)
		require.NoError(t, err)
		seen[url]++
	}
	assert.Equal(t, 2, seen["http://a"])
	assert.Equal(t, 2, seen["http://b"])

	_, url, err := pool.GetClient(context.Background(), 137)
	require.NoError(t, err)
	assert.Equal(t, "http://polygon", url)

	_, _, err = pool.GetClient(context.Background(), 10)
	assert.Error(t, err)
}

func TestPoolHealth(t *testing.T) {
	pool := NewPool(map[int64][]string{1: {"http://a", "http://b"}}, 1000, zerolog.Nop())
	assert.Equal(t, 2, pool.GetHealthyEndpointCount())

	pool.MarkUnhealthy("http://a")
	assert.Equal(t, 1, pool.GetHealthyEndpointCount())
	for i := 0; i < 3; i++ {
		_, url, err := pool.GetClient(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, "http://b", url)
	}

	pool.SetCooldown("http://b", time.Minute)
	assert.Equal(t, 0, pool.GetHealthyEndpointCount())

	// every endpoint is unavailable: the pool still hands one out
	_, _, err := pool.GetClient(context.Background(), 1)
	require.NoError(t, err)

	pool.MarkHealthy("http://a")
	pool.MarkHealthy("http://b")
	assert.Equal(t, 2, pool.GetHealthyEndpointCount())

	stats := pool.GetStats()
	assert.Equal(t, 2, stats["total_endpoints"])
}

func batchServer(t *testing.T, reply func(reqs []Request) interface{}, status *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != nil {
			if code := atomic.LoadInt32(status); code != 0 {
				atomic.StoreInt32(status, 0)
				w.WriteHeader(int(code))
				return
			}
		}
		var reqs []Request
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply(reqs))
	}))
}

func requests(n int) []Request {
	out := make([]Request, n)
	for i := range out {
		out[i] = Request{Jsonrpc: "2.0", ID: i + 1, Method: "eth_call"}
	}
	return out
}

func TestFetcherBatch(t *testing.T) {
	t.Run("reorders responses by id", func(t *testing.T) {
		server := batchServer(t, func(reqs []Request) interface{} {
			out := make([]Response, 0, len(reqs))
			for i := len(reqs) - 1; i >= 0; i-- {
				out = append(out, Response{Jsonrpc: "2.0", ID: reqs[i].ID, Result: json.RawMessage(`"0x0` + string(rune('0'+reqs[i].ID)) + `"`)})
			}
			return out
		}, nil)
		defer server.Close()

		pool := NewPool(map[int64][]string{1: {server.URL}}, 1000, zerolog.Nop())
		fetcher := NewFetcher(pool, zerolog.Nop())

		responses, err := fetcher.Batch(context.Background(), 1, requests(3))
		require.NoError(t, err)
		require.Len(t, responses, 3)
		for i, resp := range responses {
			assert.Equal(t, i+1, resp.ID)
		}
	})

	t.Run("short answer is a count mismatch", func(t *testing.T) {
		var calls int32
		server := batchServer(t, func(reqs []Request) interface{} {
			atomic.AddInt32(&calls, 1)
			return []Response{{Jsonrpc: "2.0", ID: reqs[0].ID, Result: json.RawMessage(`"0x"`)}}
		}, nil)
		defer server.Close()

		pool := NewPool(map[int64][]string{1: {server.URL}}, 1000, zerolog.Nop())
		fetcher := NewFetcher(pool, zerolog.Nop())

		_, err := fetcher.Batch(context.Background(), 1, requests(2))
		assert.ErrorIs(t, err, ErrBatchCountMismatch)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a mismatch must not be retried")
	})

	t.Run("single error object is a count mismatch", func(t *testing.T) {
		server := batchServer(t, func(reqs []Request) interface{} {
			return Response{Jsonrpc: "2.0", Error: &Error{Code: -32600, Message: "batch too large"}}
		}, nil)
		defer server.Close()

		pool := NewPool(map[int64][]string{1: {server.URL}}, 1000, zerolog.Nop())
		fetcher := NewFetcher(pool, zerolog.Nop())

		_, err := fetcher.Batch(context.Background(), 1, requests(2))
		assert.ErrorIs(t, err, ErrBatchCountMismatch)
	})

	t.Run("retries after a server error", func(t *testing.T) {
		status := int32(http.StatusBadGateway)
		server := batchServer(t, func(reqs []Request) interface{} {
			out := make([]Response, len(reqs))
			for i, r := range reqs {
				out[i] = Response{Jsonrpc: "2.0", ID: r.ID, Result: json.RawMessage(`"0x"`)}
			}
			return out
		}, &status)
		defer server.Close()

		pool := NewPool(map[int64][]string{1: {server.URL}}, 1000, zerolog.Nop())
		fetcher := NewFetcher(pool, zerolog.Nop())
		fetcher.baseDelay = time.Millisecond

		responses, err := fetcher.Batch(context.Background(), 1, requests(2))
		require.NoError(t, err)
		assert.Len(t, responses, 2)
		assert.Equal(t, 1, pool.GetHealthyEndpointCount())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		pool := NewPool(map[int64][]string{1: {"http://unused"}}, 1000, zerolog.Nop())
		responses, err := NewFetcher(pool, zerolog.Nop()).Batch(context.Background(), 1, nil)
		require.NoError(t, err)
		assert.Nil(t, responses)
	})
}
