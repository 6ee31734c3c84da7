package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/tokensync/internal/token"
)

func TestWithTarget(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("debug", &buf)

	target := token.Target{
		Key: token.Key{
			ChainID:  137,
			Contract: common.HexToAddress("0xABCDEF0000000000000000000000000000000001"),
			Wallet:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		},
		Standard: token.ERC1155,
	}
	workerLog := WithWorker(WithTarget(log, target), "worker-1")
	workerLog.Info().Msg("synced")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tokensync", entry["service"])
	assert.Equal(t, "worker-1", entry["worker_id"])
	assert.Equal(t, float64(137), entry["chain_id"])
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", entry["contract"])
	assert.Equal(t, "erc1155", entry["standard"])
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("loud", &buf)

	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}
