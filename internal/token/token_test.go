package token

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testWallet   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testContract = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func ids(values ...int64) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return out
}

func idStrings(list []*big.Int) []string {
	out := make([]string, len(list))
	for i, id := range list {
		out[i] = id.String()
	}
	return out
}

func TestProfileFor(t *testing.T) {
	tests := []struct {
		standard     Standard
		verification Verification
		eventSync    bool
		tombstones   bool
	}{
		{ERC721, VerifyOwnership, true, false},
		{ERC721Legacy, VerifyOwnership, true, false},
		{ERC721Enumerable, VerifyEnumerable, false, false},
		{ERC1155, VerifyMultiBalance, true, false},
		{ERC875, VerifyNone, false, true},
		{ERC875Legacy, VerifyNone, false, true},
		{ERC721Ticket, VerifyNone, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.standard.String(), func(t *testing.T) {
			p := ProfileFor(tt.standard)
			assert.Equal(t, tt.verification, p.Verification)
			assert.Equal(t, tt.eventSync, p.EventSync)
			assert.Equal(t, tt.tombstones, p.IndexArray())
		})
	}
}

func TestParseStandard(t *testing.T) {
	s, err := ParseStandard(" ERC1155 ")
	require.NoError(t, err)
	assert.Equal(t, ERC1155, s)

	_, err = ParseStandard("erc20")
	assert.Error(t, err)

	_, err = ParseStandard("unknown")
	assert.Error(t, err)
}

func TestTargetRoundTrip(t *testing.T) {
	target := Target{
		Key:      Key{ChainID: 137, Contract: testContract, Wallet: testWallet},
		Standard: ERC721Enumerable,
	}

	parsed, err := ParseTarget(target.String())
	require.NoError(t, err)
	assert.Equal(t, target, parsed)

	_, err = ParseTarget("137:0xabc:0xdef")
	assert.Error(t, err)

	_, err = ParseTarget("x:" + testContract.Hex() + ":" + testWallet.Hex() + ":erc721")
	assert.Error(t, err)
}

func TestHoldingBalance(t *testing.T) {
	key := Key{ChainID: 1, Contract: testContract, Wallet: testWallet}

	t.Run("ownership counts held ids", func(t *testing.T) {
		h := NewHolding(key, ERC721)
		h.Set(big.NewInt(5), big.NewInt(1))
		h.Set(big.NewInt(9), big.NewInt(1))
		assert.Equal(t, int64(2), h.Balance().Int64())

		h.Remove(big.NewInt(9))
		assert.Equal(t, int64(1), h.Balance().Int64())
		assert.Equal(t, ids(5), h.HeldIDs())
	})

	t.Run("multi-balance sums quantities", func(t *testing.T) {
		h := NewHolding(key, ERC1155)
		h.Set(big.NewInt(1), big.NewInt(2))
		h.Set(big.NewInt(2), big.NewInt(5))

		sum := new(big.Int)
		for _, a := range h.Assets {
			sum.Add(sum, a.Balance)
		}
		assert.Equal(t, sum, h.Balance())
		assert.Equal(t, int64(7), h.Balance().Int64())
	})

	t.Run("index-array counts unspent slots", func(t *testing.T) {
		h := NewHolding(key, ERC875)
		h.Slots = ids(10, 0, 12, 0)
		assert.Equal(t, int64(2), h.Balance().Int64())
	})
}

func TestHoldingClone(t *testing.T) {
	h := NewHolding(Key{ChainID: 1}, ERC1155)
	h.Set(big.NewInt(1), big.NewInt(3))
	h.Slots = ids(4)

	c := h.Clone()
	c.Assets["1"].Balance.SetInt64(99)
	c.Slots[0].SetInt64(0)

	assert.Equal(t, int64(3), h.BalanceOf(big.NewInt(1)).Int64())
	assert.Equal(t, int64(4), h.Slots[0].Int64())
}

func TestUniqueIDs(t *testing.T) {
	got := UniqueIDs(ids(9, 5), ids(12, 5), nil)
	assert.Equal(t, ids(5, 9, 12), got)
}

func TestInventoryIndicesFor(t *testing.T) {
	inv := NewInventory(ids(100, 101, 100, 0, 102))

	t.Run("maps ids to distinct slots", func(t *testing.T) {
		assert.Equal(t, []int{0, 2, 4}, inv.IndicesFor(ids(100, 100, 102)))
	})

	t.Run("ignores zero ids", func(t *testing.T) {
		assert.Equal(t, []int{1}, inv.IndicesFor(ids(0, 101)))
	})

	t.Run("unknown id yields empty result", func(t *testing.T) {
		assert.Empty(t, inv.IndicesFor(ids(101, 999)))
	})

	t.Run("more copies than held yields empty result", func(t *testing.T) {
		assert.Empty(t, inv.IndicesFor(ids(101, 101)))
	})
}

func TestInventorySpend(t *testing.T) {
	inv := NewInventory(ids(100, 101, 102))

	require.NoError(t, inv.Spend([]int{1}))
	assert.Equal(t, ids(100, 0, 102), inv.Slots())
	assert.Equal(t, 3, inv.Len())
	assert.Equal(t, 2, inv.Unspent())

	err := inv.Spend([]int{0, 3})
	assert.Error(t, err)
	assert.Equal(t, 2, inv.Unspent(), "a failed spend must not zero any slot")
}

func TestTransferCall(t *testing.T) {
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")

	t.Run("erc875 packs uint256 indices", func(t *testing.T) {
		data, err := TransferCall(ERC875, testWallet, to, []int{0, 2}, ids(100, 100))
		require.NoError(t, err)

		method, err := ticketABI.MethodById(data[:4])
		require.NoError(t, err)
		assert.Equal(t, "transfer", method.Name)

		args, err := method.Inputs.Unpack(data[4:])
		require.NoError(t, err)
		assert.Equal(t, to, args[0])
		assert.Equal(t, []string{"0", "2"}, idStrings(args[1].([]*big.Int)))
	})

	t.Run("legacy erc875 packs uint16 indices", func(t *testing.T) {
		data, err := TransferCall(ERC875Legacy, testWallet, to, []int{3}, ids(7))
		require.NoError(t, err)

		args, err := legacyTicketABI.Methods["transfer"].Inputs.Unpack(data[4:])
		require.NoError(t, err)
		assert.Equal(t, []uint16{3}, args[1])
	})

	t.Run("erc721 ticket transfers a single id", func(t *testing.T) {
		data, err := TransferCall(ERC721Ticket, testWallet, to, []int{1}, ids(55))
		require.NoError(t, err)

		args, err := erc721TicketABI.Methods["safeTransferFrom"].Inputs.Unpack(data[4:])
		require.NoError(t, err)
		assert.Equal(t, testWallet, args[0])
		assert.Equal(t, "55", args[2].(*big.Int).String())

		_, err = TransferCall(ERC721Ticket, testWallet, to, []int{1, 2}, ids(55, 56))
		assert.Error(t, err)
	})

	t.Run("rejects empty and unsupported transfers", func(t *testing.T) {
		_, err := TransferCall(ERC875, testWallet, to, nil, nil)
		assert.ErrorIs(t, err, ErrEmptyTransfer)

		_, err = TransferCall(ERC1155, testWallet, to, []int{0}, ids(1))
		assert.ErrorIs(t, err, ErrNoTransferFunction)
	})
}
