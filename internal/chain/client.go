package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/wnt/tokensync/internal/rpc"
)

// CallResult is the outcome of one call inside a batch
type CallResult struct {
	Data []byte
	Err  error
}

// Client is the chain access used by the sync pipeline
type Client interface {
	ChainID() int64
	BlockNumber(ctx context.Context) (uint64, error)
	// FilterLogs returns a *RangeOverflowError when the provider rejects the
	// query as too large
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	// BatchCallContract returns one result per message, in order, or an error
	// wrapping rpc.ErrBatchCountMismatch
	BatchCallContract(ctx context.Context, msgs []ethereum.CallMsg) ([]CallResult, error)
}

// EthClient implements Client on top of go-ethereum's ethclient for single
// calls and the pool's raw batch fetcher for eth_call batches
type EthClient struct {
	chainID int64
	pool    *rpc.Pool
	fetcher *rpc.Fetcher
	logger  zerolog.Logger

	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

// NewEthClient creates a client for one chain
func NewEthClient(chainID int64, pool *rpc.Pool, fetcher *rpc.Fetcher, logger zerolog.Logger) *EthClient {
	return &EthClient{
		chainID: chainID,
		pool:    pool,
		fetcher: fetcher,
		logger:  logger.With().Str("component", "eth_client").Int64("chain_id", chainID).Logger(),
		clients: make(map[string]*ethclient.Client),
	}
}

func (c *EthClient) ChainID() int64 {
	return c.chainID
}

func (c *EthClient) client(ctx context.Context) (*ethclient.Client, string, error) {
	httpClient, url, err := c.pool.GetClient(ctx, c.chainID)
	if err != nil {
		return nil, "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ec, ok := c.clients[url]; ok {
		return ec, url, nil
	}

	rc, err := gethrpc.DialHTTPWithClient(url, httpClient)
	if err != nil {
		return nil, url, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	ec := ethclient.NewClient(rc)
	c.clients[url] = ec
	return ec, url, nil
}

// report feeds the outcome of a call back into the endpoint pool. JSON RPC
// level errors mean the endpoint answered and stays healthy.
func (c *EthClient) report(url string, err error) {
	if err == nil {
		c.pool.MarkHealthy(url)
		return
	}

	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode == http.StatusServiceUnavailable {
			c.pool.SetCooldown(url, time.Minute)
			return
		}
		c.pool.MarkUnhealthy(url)
		return
	}

	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		c.pool.MarkHealthy(url)
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		c.pool.MarkUnhealthy(url)
	}
}

func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	ec, url, err := c.client(ctx)
	if err != nil {
		return 0, err
	}
	n, err := ec.BlockNumber(ctx)
	c.report(url, err)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber failed: %w", err)
	}
	return n, nil
}

func (c *EthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ec, url, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	logs, err := ec.FilterLogs(ctx, q)
	c.report(url, err)
	if err != nil {
		c.logger.Debug().
			Err(err).
			Str("endpoint", url).
			Interface("from_block", q.FromBlock).
			Interface("to_block", q.ToBlock).
			Msg("eth_getLogs rejected")
		return nil, ClassifyLogError(fmt.Errorf("eth_getLogs failed: %w", err))
	}
	return logs, nil
}

func (c *EthClient) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	ec, url, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := ec.CallContract(ctx, msg, nil)
	c.report(url, err)
	if err != nil {
		return nil, fmt.Errorf("eth_call failed: %w", err)
	}
	return out, nil
}

func (c *EthClient) BatchCallContract(ctx context.Context, msgs []ethereum.CallMsg) ([]CallResult, error) {
	requests := make([]rpc.Request, len(msgs))
	for i, msg := range msgs {
		requests[i] = rpc.Request{
			Jsonrpc: "2.0",
			ID:      i + 1,
			Method:  "eth_call",
			Params:  []interface{}{callArg(msg), "latest"},
		}
	}

	responses, err := c.fetcher.Batch(ctx, c.chainID, requests)
	if err != nil {
		return nil, err
	}

	results := make([]CallResult, len(responses))
	for i, resp := range responses {
		if resp.Error != nil {
			results[i].Err = resp.Error
			continue
		}
		var data hexutil.Bytes
		if err := json.Unmarshal(resp.Result, &data); err != nil {
			results[i].Err = fmt.Errorf("invalid eth_call result: %w", err)
			continue
		}
		results[i].Data = data
	}
	return results, nil
}

func callArg(msg ethereum.CallMsg) map[string]interface{} {
	arg := map[string]interface{}{
		"to":   msg.To,
		"data": hexutil.Bytes(msg.Data),
	}
	if msg.From != (common.Address{}) {
		arg["from"] = msg.From
	}
	if msg.Gas != 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	if msg.Value != nil && msg.Value.Sign() != 0 {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}
	return arg
}
