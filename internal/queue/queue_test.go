package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/tokensync/internal/token"
)

func TestSplitValue(t *testing.T) {
	worker, ts, ok := splitValue("worker-3,1700000000")
	require.True(t, ok)
	assert.Equal(t, "worker-3", worker)
	assert.Equal(t, int64(1700000000), ts)

	_, _, ok = splitValue("worker-3")
	assert.False(t, ok)

	_, _, ok = splitValue("worker-3,yesterday")
	assert.False(t, ok)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		failures int64
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{6, 16 * time.Minute},
		{7, 30 * time.Minute},
		{100, 30 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.failures, 30*time.Second, 30*time.Minute), "failures=%d", tt.failures)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("not a url", zerolog.Nop())
	assert.Error(t, err)
}

func TestTxHashesListKey(t *testing.T) {
	assert.Equal(t, "sync_tx_hashes:137", txHashesListKey(137))
}

func TestQueueRoundTrip(t *testing.T) {
	if os.Getenv("RUN_REDIS_TESTS") == "" {
		t.Skip("set RUN_REDIS_TESTS=1 and REDIS_URL to run against Redis")
	}
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}

	c, err := NewClient(url, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.client.FlushDB(ctx).Err())

	target := token.Target{
		Key: token.Key{
			ChainID:  1,
			Contract: common.HexToAddress("0x2222222222222222222222222222222222222222"),
			Wallet:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		},
		Standard: token.ERC721,
	}
	now := time.Now()

	require.NoError(t, c.PushTarget(ctx, target, now.Add(time.Hour)))
	_, ok, err := c.PopDue(ctx, now)
	require.NoError(t, err)
	assert.False(t, ok, "target is not due yet")

	require.NoError(t, c.PushTarget(ctx, target, now))
	length, err := c.GetQueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	popped, ok, err := c.PopDue(ctx, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, target, popped)

	n, err := c.IncrementFailures(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, c.ResetFailures(ctx, target))

	require.NoError(t, c.SetInFlight(ctx, target, "worker-1"))
	require.NoError(t, c.RequeueStuck(ctx, -time.Minute))
	length, err = c.GetQueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	require.NoError(t, c.EnqueueTxHashes(ctx, 1, []string{"0xaa", "0xbb"}))
	hashes, err := c.client.LRange(ctx, txHashesListKey(1), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"0xaa", "0xbb"}, hashes)
}
