package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/tokensync/internal/chain"
	"github.com/wnt/tokensync/internal/checkpoint"
	"github.com/wnt/tokensync/internal/database"
	"github.com/wnt/tokensync/internal/eventlog"
	"github.com/wnt/tokensync/internal/ledger"
	"github.com/wnt/tokensync/internal/models"
	"github.com/wnt/tokensync/internal/reconcile"
	"github.com/wnt/tokensync/internal/rpc"
	"github.com/wnt/tokensync/internal/token"
	"gorm.io/gorm"
)

var (
	contract = common.HexToAddress("0x2222222222222222222222222222222222222222")
	wallet   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	other    = common.HexToAddress("0x3333333333333333333333333333333333333333")

	errTransport = errors.New("dial tcp: connection refused")
)

// fakeClient is an in-memory chain.Client for one contract
type fakeClient struct {
	mu sync.Mutex

	head     uint64
	logs     []types.Log
	owners   map[int64]common.Address
	balances map[int64]int64
	tokens   []int64

	overflowAbove uint64
	failLogsAt    uint64
	failCalls     bool

	gate    chan struct{}
	entered chan struct{}

	blockNumberCalls int32
	callCount        int32
}

func (f *fakeClient) ChainID() int64 { return 1 }

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	atomic.AddInt32(&f.blockNumberCalls, 1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return f.head, nil
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	if f.overflowAbove > 0 && to-from+1 > f.overflowAbove {
		return nil, chain.ClassifyLogError(fmt.Errorf("query returned more than 10000 results. Try with this block range [0x%x, 0x%x].", from, from+f.overflowAbove-1))
	}
	if f.failLogsAt > 0 && from <= f.failLogsAt && f.failLogsAt <= to {
		return nil, errTransport
	}

	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeClient) CallContract(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	atomic.AddInt32(&f.callCount, 1)
	if f.failCalls {
		return nil, errTransport
	}
	return f.answer(msg.Data)
}

func (f *fakeClient) BatchCallContract(_ context.Context, msgs []ethereum.CallMsg) ([]chain.CallResult, error) {
	atomic.AddInt32(&f.callCount, 1)
	if f.failCalls {
		return nil, errTransport
	}
	out := make([]chain.CallResult, len(msgs))
	for i, msg := range msgs {
		out[i].Data, out[i].Err = f.answer(msg.Data)
	}
	return out, nil
}

func (f *fakeClient) answer(data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	revert := &rpc.Error{Code: 3, Message: "execution reverted"}
	sel, args := data[:4], data[4:]
	erc721, erc1155 := chain.ERC721ABI.Methods, chain.ERC1155ABI.Methods

	switch {
	case bytes.Equal(sel, erc721["ownerOf"].ID):
		owner, ok := f.owners[new(big.Int).SetBytes(args).Int64()]
		if !ok {
			return nil, revert
		}
		return erc721["ownerOf"].Outputs.Pack(owner)
	case bytes.Equal(sel, erc721["balanceOf"].ID):
		return erc721["balanceOf"].Outputs.Pack(big.NewInt(int64(len(f.tokens))))
	case bytes.Equal(sel, erc721["tokenOfOwnerByIndex"].ID):
		i := new(big.Int).SetBytes(args[32:]).Int64()
		if i >= int64(len(f.tokens)) {
			return nil, revert
		}
		return erc721["tokenOfOwnerByIndex"].Outputs.Pack(big.NewInt(f.tokens[i]))
	case bytes.Equal(sel, erc1155["balanceOf"].ID):
		return erc1155["balanceOf"].Outputs.Pack(big.NewInt(f.balances[new(big.Int).SetBytes(args[32:]).Int64()]))
	case bytes.Equal(sel, erc1155["balanceOfBatch"].ID):
		values, err := erc1155["balanceOfBatch"].Inputs.Unpack(args)
		if err != nil {
			return nil, err
		}
		var out []*big.Int
		for _, id := range values[1].([]*big.Int) {
			out = append(out, big.NewInt(f.balances[id.Int64()]))
		}
		return erc1155["balanceOfBatch"].Outputs.Pack(out)
	}
	return nil, revert
}

type recordingSink struct {
	mu     sync.Mutex
	hashes []string
}

func (r *recordingSink) EnqueueTxHashes(_ context.Context, _ int64, hashes []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashes = append(r.hashes, hashes...)
	return nil
}

type harness struct {
	syncer      *Syncer
	store       *ledger.Store
	checkpoints *checkpoint.Manager
	db          *gorm.DB
	sink        *recordingSink
}

func newHarness(t *testing.T, client *fakeClient) *harness {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)

	log := zerolog.Nop()
	store := ledger.NewStore(db, log)
	checkpoints := checkpoint.NewManager(db, 0, log)
	sink := &recordingSink{}

	s, err := New(
		map[int64]chain.Client{1: client},
		checkpoints,
		eventlog.NewFetcher(0, log),
		reconcile.New(chain.NewBatchPolicy(0), log),
		store,
		Options{CacheSize: 16, Sink: sink},
		log,
	)
	require.NoError(t, err)
	return &harness{syncer: s, store: store, checkpoints: checkpoints, db: db, sink: sink}
}

func (h *harness) seed(t *testing.T, target token.Target, balances map[int64]int64) {
	t.Helper()
	var diff ledger.Diff
	for id, bal := range balances {
		diff.Added = append(diff.Added, ledger.Change{TokenID: big.NewInt(id), Balance: big.NewInt(bal)})
	}
	require.NoError(t, h.store.Commit(context.Background(), func(tx *gorm.DB) error {
		return h.store.ApplyTx(tx, target.Key, target.Profile(), diff)
	}))
}

func target(standard token.Standard) token.Target {
	return token.Target{Key: token.Key{ChainID: 1, Contract: contract, Wallet: wallet}, Standard: standard}
}

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func transferLog(block uint64, from, to common.Address, id int64) types.Log {
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{chain.TransferTopic, addressTopic(from), addressTopic(to), common.BigToHash(big.NewInt(id))},
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d-%d", block, id))),
	}
}

func batchLog(t *testing.T, block uint64, from, to common.Address, ids, values []int64) types.Log {
	t.Helper()
	toBig := func(vs []int64) []*big.Int {
		out := make([]*big.Int, len(vs))
		for i, v := range vs {
			out[i] = big.NewInt(v)
		}
		return out
	}
	data, err := chain.ERC1155ABI.Events["TransferBatch"].Inputs.NonIndexed().Pack(toBig(ids), toBig(values))
	require.NoError(t, err)
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{chain.TransferBatchTopic, addressTopic(wallet), addressTopic(from), addressTopic(to)},
		Data:        data,
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      crypto.Keccak256Hash([]byte(fmt.Sprintf("batch-%d", block))),
	}
}

func heldIDs(h *token.Holding) []string {
	var out []string
	for _, id := range h.HeldIDs() {
		out = append(out, id.String())
	}
	return out
}

func TestUpdateBalanceOwnership(t *testing.T) {
	client := &fakeClient{
		head:   100,
		logs:   []types.Log{transferLog(50, common.Address{}, wallet, 12)},
		owners: map[int64]common.Address{5: wallet, 9: other, 12: wallet},
	}
	h := newHarness(t, client)
	tgt := target(token.ERC721)
	h.seed(t, tgt, map[int64]int64{5: 1, 9: 1})
	ctx := context.Background()

	holding, err := h.syncer.UpdateBalance(ctx, tgt)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "12"}, heldIDs(holding))
	assert.Equal(t, "2", holding.Balance().String())

	stored, err := h.store.Load(ctx, tgt.Key, tgt.Standard)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "12"}, heldIDs(stored))

	cp, err := h.checkpoints.Get(ctx, tgt.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(100), cp.EndBlock)
	assert.Equal(t, models.SyncStateSynced, cp.State)

	var transfers int64
	require.NoError(t, h.db.Model(&models.TransferRecord{}).Count(&transfers).Error)
	assert.Equal(t, int64(1), transfers)
	assert.Len(t, h.sink.hashes, 1)

	// a second pass at the same head changes nothing
	holding, err = h.syncer.UpdateBalance(ctx, tgt)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "12"}, heldIDs(holding))
	cp, err = h.checkpoints.Get(ctx, tgt.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(100), cp.EndBlock)
}

func TestUpdateBalanceMultiBalance(t *testing.T) {
	client := &fakeClient{
		head:     200,
		logs:     []types.Log{batchLog(t, 120, wallet, other, []int64{1, 2}, []int64{1, 5})},
		balances: map[int64]int64{1: 2, 2: 5},
	}
	h := newHarness(t, client)
	tgt := target(token.ERC1155)
	h.seed(t, tgt, map[int64]int64{1: 3})

	holding, err := h.syncer.UpdateBalance(context.Background(), tgt)
	require.NoError(t, err)
	assert.Equal(t, "2", holding.BalanceOf(big.NewInt(1)).String())
	assert.Equal(t, "5", holding.BalanceOf(big.NewInt(2)).String())
	assert.Equal(t, "7", holding.Balance().String())
}

func TestTransportErrorLeavesStateUnchanged(t *testing.T) {
	client := &fakeClient{
		head:      200,
		logs:      []types.Log{batchLog(t, 120, wallet, other, []int64{1, 2}, []int64{1, 5})},
		balances:  map[int64]int64{1: 2, 2: 5},
		failCalls: true,
	}
	h := newHarness(t, client)
	tgt := target(token.ERC1155)
	h.seed(t, tgt, map[int64]int64{1: 3})
	ctx := context.Background()

	_, err := h.syncer.UpdateBalance(ctx, tgt)
	assert.ErrorIs(t, err, ErrCycleAborted)
	assert.ErrorIs(t, err, errTransport)

	stored, err := h.store.Load(ctx, tgt.Key, tgt.Standard)
	require.NoError(t, err)
	assert.Equal(t, "3", stored.BalanceOf(big.NewInt(1)).String())
	assert.Equal(t, "0", stored.BalanceOf(big.NewInt(2)).String())

	cp, err := h.checkpoints.Get(ctx, tgt.Key)
	require.NoError(t, err)
	assert.False(t, cp.Persisted)
	assert.Empty(t, h.sink.hashes)
}

func TestPartialFetchAdvancesToCoveredBlock(t *testing.T) {
	client := &fakeClient{
		head:          100,
		logs:          []types.Log{transferLog(20, other, wallet, 7), transferLog(90, other, wallet, 8)},
		owners:        map[int64]common.Address{7: wallet, 8: wallet},
		overflowAbove: 40,
		failLogsAt:    70,
	}
	h := newHarness(t, client)
	tgt := target(token.ERC721)
	ctx := context.Background()

	holding, err := h.syncer.UpdateBalance(ctx, tgt)
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, heldIDs(holding))

	cp, err := h.checkpoints.Get(ctx, tgt.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(39), cp.EndBlock)
	assert.Equal(t, models.SyncStateCatchingUp, cp.State)

	// the provider recovers; the next pass continues after the covered block
	client.failLogsAt = 0
	holding, err = h.syncer.UpdateBalance(ctx, tgt)
	require.NoError(t, err)
	assert.Equal(t, []string{"7", "8"}, heldIDs(holding))

	cp, err = h.checkpoints.Get(ctx, tgt.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(100), cp.EndBlock)
}

func TestSingleFlight(t *testing.T) {
	client := &fakeClient{
		head:    10,
		owners:  map[int64]common.Address{5: wallet},
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	h := newHarness(t, client)
	tgt := target(token.ERC721)
	h.seed(t, tgt, map[int64]int64{5: 1})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.syncer.UpdateBalance(ctx, tgt)
		done <- err
	}()

	select {
	case <-client.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass never reached the chain")
	}

	holding, err := h.syncer.UpdateBalance(ctx, tgt)
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, heldIDs(holding))
	assert.Equal(t, int32(1), atomic.LoadInt32(&client.blockNumberCalls))

	_, _, err = h.syncer.PrepareTicketTransfer(ctx, target(token.ERC875), other, nil)
	assert.ErrorIs(t, err, ErrBusy)

	close(client.gate)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), atomic.LoadInt32(&client.blockNumberCalls))
}

func TestEnumerablePass(t *testing.T) {
	client := &fakeClient{tokens: []int64{9, 3}}
	h := newHarness(t, client)
	tgt := target(token.ERC721Enumerable)
	h.seed(t, tgt, map[int64]int64{1: 1, 3: 1})

	holding, err := h.syncer.UpdateBalance(context.Background(), tgt)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "9"}, heldIDs(holding))
	assert.Zero(t, atomic.LoadInt32(&client.blockNumberCalls))
}

func TestResync(t *testing.T) {
	client := &fakeClient{head: 100, owners: map[int64]common.Address{}}
	h := newHarness(t, client)
	tgt := target(token.ERC721)
	ctx := context.Background()

	_, err := h.syncer.UpdateBalance(ctx, tgt)
	require.NoError(t, err)

	client.logs = []types.Log{transferLog(30, other, wallet, 4)}
	client.owners[4] = wallet

	// the checkpoint already covers block 30, so only a resync finds it
	holding, err := h.syncer.UpdateBalance(ctx, tgt)
	require.NoError(t, err)
	assert.Empty(t, heldIDs(holding))

	holding, err = h.syncer.Resync(ctx, tgt)
	require.NoError(t, err)
	assert.Equal(t, []string{"4"}, heldIDs(holding))
}

func TestResyncWaitsForRunningPass(t *testing.T) {
	client := &fakeClient{
		head:    200,
		owners:  map[int64]common.Address{},
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	h := newHarness(t, client)
	tgt := target(token.ERC721)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.syncer.UpdateBalance(ctx, tgt)
		done <- err
	}()

	select {
	case <-client.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass never reached the chain")
	}

	_, err := h.syncer.Resync(ctx, tgt)
	assert.ErrorIs(t, err, ErrBusy)

	close(client.gate)
	require.NoError(t, <-done)

	cp, err := h.checkpoints.Get(ctx, tgt.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(200), cp.EndBlock)

	client.mu.Lock()
	client.logs = []types.Log{transferLog(30, other, wallet, 4)}
	client.owners[4] = wallet
	client.mu.Unlock()

	holding, err := h.syncer.Resync(ctx, tgt)
	require.NoError(t, err)
	assert.Equal(t, []string{"4"}, heldIDs(holding))

	cp, err = h.checkpoints.Get(ctx, tgt.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(200), cp.EndBlock)
}

func TestTicketInventory(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, client)
	tgt := target(token.ERC875)
	ctx := context.Background()

	_, err := h.syncer.SeedInventory(ctx, target(token.ERC721), nil)
	assert.ErrorIs(t, err, ErrNotIndexArray)

	holding, err := h.syncer.SeedInventory(ctx, tgt, []*big.Int{big.NewInt(101), big.NewInt(102), big.NewInt(103)})
	require.NoError(t, err)
	assert.Equal(t, "3", holding.Balance().String())

	data, indices, err := h.syncer.PrepareTicketTransfer(ctx, tgt, other, []*big.Int{big.NewInt(102)})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, indices)
	assert.Equal(t, crypto.Keccak256([]byte("transfer(address,uint256[])"))[:4], data[:4])

	last, err := h.syncer.LastKnown(ctx, tgt)
	require.NoError(t, err)
	assert.Equal(t, []*big.Int{big.NewInt(101), big.NewInt(0), big.NewInt(103)}, last.Slots)
	assert.Equal(t, "2", last.Balance().String())

	// the slot is spent; the same id cannot be sent twice
	_, _, err = h.syncer.PrepareTicketTransfer(ctx, tgt, other, []*big.Int{big.NewInt(102)})
	assert.ErrorIs(t, err, token.ErrEmptyTransfer)

	holding, err = h.syncer.UpdateBalance(ctx, tgt)
	require.NoError(t, err)
	assert.Equal(t, "2", holding.Balance().String())
	assert.Zero(t, atomic.LoadInt32(&client.callCount))
}
