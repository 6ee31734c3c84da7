package token

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/wnt/tokensync/internal/chain"
)

var (
	ErrNoTransferFunction = errors.New("standard has no index-array transfer function")
	ErrEmptyTransfer      = errors.New("no slots to transfer")
)

var (
	ticketABI       = chain.MustParseABI(`[{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"indices","type":"uint256[]"}],"name":"transfer","outputs":[],"payable":false,"stateMutability":"nonpayable","type":"function"}]`)
	legacyTicketABI = chain.MustParseABI(`[{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"indices","type":"uint16[]"}],"name":"transfer","outputs":[],"payable":false,"stateMutability":"nonpayable","type":"function"}]`)
	erc721TicketABI = chain.MustParseABI(`[{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"name":"safeTransferFrom","outputs":[],"payable":false,"stateMutability":"nonpayable","type":"function"}]`)
)

// TransferCall builds the calldata that moves the given slots of an
// index-array inventory from one wallet to another. ids are the token ids
// stored at those slots, in the same order.
func TransferCall(standard Standard, from, to common.Address, indices []int, ids []*big.Int) ([]byte, error) {
	if len(indices) == 0 {
		return nil, ErrEmptyTransfer
	}

	switch standard {
	case ERC875:
		args := make([]*big.Int, len(indices))
		for i, idx := range indices {
			args[i] = big.NewInt(int64(idx))
		}
		return ticketABI.Pack("transfer", to, args)

	case ERC875Legacy:
		args := make([]uint16, len(indices))
		for i, idx := range indices {
			if idx > math.MaxUint16 {
				return nil, fmt.Errorf("slot %d does not fit a legacy uint16 index", idx)
			}
			args[i] = uint16(idx)
		}
		return legacyTicketABI.Pack("transfer", to, args)

	case ERC721Ticket:
		if len(ids) != 1 {
			return nil, fmt.Errorf("erc721 tickets transfer one token at a time, got %d", len(ids))
		}
		return erc721TicketABI.Pack("safeTransferFrom", from, to, ids[0])

	default:
		return nil, fmt.Errorf("%w: %s", ErrNoTransferFunction, standard)
	}
}
