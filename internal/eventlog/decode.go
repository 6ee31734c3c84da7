package eventlog

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/wnt/tokensync/internal/chain"
	"github.com/wnt/tokensync/internal/metrics"
	"github.com/wnt/tokensync/internal/token"
)

var (
	// ErrMalformedLog marks a log that does not decode as a transfer of the
	// expected standard
	ErrMalformedLog = errors.New("malformed transfer log")
	// ErrPendingLog marks a log without a block
	ErrPendingLog = errors.New("pending log")
	// ErrRemovedLog marks a log dropped by a reorg
	ErrRemovedLog = errors.New("removed log")
)

// EventKind is the transfer event a log carried
type EventKind int

const (
	KindTransfer EventKind = iota
	KindTransferSingle
	KindTransferBatch
)

func (k EventKind) String() string {
	switch k {
	case KindTransferSingle:
		return "transfer_single"
	case KindTransferBatch:
		return "transfer_batch"
	default:
		return "transfer"
	}
}

// TransferEvent is a decoded transfer. TokenIDs and Amounts have the same
// length; ERC721 transfers carry an amount of one.
type TransferEvent struct {
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	Operator    common.Address
	From        common.Address
	To          common.Address
	TokenIDs    []*big.Int
	Amounts     []*big.Int
	Kind        EventKind
}

// Involves reports whether wallet is the sender or the receiver
func (e TransferEvent) Involves(wallet common.Address) bool {
	return e.From == wallet || e.To == wallet
}

var (
	singleArgs = chain.ERC1155ABI.Events["TransferSingle"].Inputs.NonIndexed()
	batchArgs  = chain.ERC1155ABI.Events["TransferBatch"].Inputs.NonIndexed()
)

// Decode turns a log into a TransferEvent for the given standard
func Decode(l types.Log, standard token.Standard) (TransferEvent, error) {
	if l.Removed {
		return TransferEvent{}, ErrRemovedLog
	}
	if l.BlockHash == (common.Hash{}) && l.BlockNumber == 0 {
		return TransferEvent{}, ErrPendingLog
	}
	if len(l.Topics) == 0 {
		return TransferEvent{}, fmt.Errorf("%w: no topics", ErrMalformedLog)
	}

	ev := TransferEvent{
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
	}

	switch l.Topics[0] {
	case chain.TransferTopic:
		if standard == token.ERC1155 {
			return ev, fmt.Errorf("%w: Transfer event on an erc1155 contract", ErrMalformedLog)
		}
		// ERC20 transfers share the signature but index only two addresses
		if len(l.Topics) != 4 {
			return ev, fmt.Errorf("%w: Transfer with %d topics", ErrMalformedLog, len(l.Topics))
		}
		ev.Kind = KindTransfer
		ev.From = topicAddress(l.Topics[1])
		ev.To = topicAddress(l.Topics[2])
		ev.TokenIDs = []*big.Int{l.Topics[3].Big()}
		ev.Amounts = []*big.Int{big.NewInt(1)}
		return ev, nil

	case chain.TransferSingleTopic:
		if len(l.Topics) != 4 {
			return ev, fmt.Errorf("%w: TransferSingle with %d topics", ErrMalformedLog, len(l.Topics))
		}
		values, err := singleArgs.Unpack(l.Data)
		if err != nil || len(values) != 2 {
			return ev, fmt.Errorf("%w: TransferSingle data: %v", ErrMalformedLog, err)
		}
		id, okID := values[0].(*big.Int)
		amount, okAmount := values[1].(*big.Int)
		if !okID || !okAmount {
			return ev, fmt.Errorf("%w: TransferSingle data types", ErrMalformedLog)
		}
		ev.Kind = KindTransferSingle
		ev.Operator = topicAddress(l.Topics[1])
		ev.From = topicAddress(l.Topics[2])
		ev.To = topicAddress(l.Topics[3])
		ev.TokenIDs = []*big.Int{id}
		ev.Amounts = []*big.Int{amount}
		return ev, nil

	case chain.TransferBatchTopic:
		if len(l.Topics) != 4 {
			return ev, fmt.Errorf("%w: TransferBatch with %d topics", ErrMalformedLog, len(l.Topics))
		}
		values, err := batchArgs.Unpack(l.Data)
		if err != nil || len(values) != 2 {
			return ev, fmt.Errorf("%w: TransferBatch data: %v", ErrMalformedLog, err)
		}
		ids, okIDs := values[0].([]*big.Int)
		amounts, okAmounts := values[1].([]*big.Int)
		if !okIDs || !okAmounts {
			return ev, fmt.Errorf("%w: TransferBatch data types", ErrMalformedLog)
		}
		if len(ids) != len(amounts) {
			return ev, fmt.Errorf("%w: TransferBatch has %d ids and %d values", ErrMalformedLog, len(ids), len(amounts))
		}
		ev.Kind = KindTransferBatch
		ev.Operator = topicAddress(l.Topics[1])
		ev.From = topicAddress(l.Topics[2])
		ev.To = topicAddress(l.Topics[3])
		ev.TokenIDs = ids
		ev.Amounts = amounts
		return ev, nil

	default:
		return ev, fmt.Errorf("%w: unknown event %s", ErrMalformedLog, l.Topics[0].Hex())
	}
}

// DecodeAll decodes logs in order and keeps the transfers that involve
// wallet. Removed, pending and malformed logs are skipped.
func DecodeAll(logs []types.Log, standard token.Standard, wallet common.Address, logger zerolog.Logger) []TransferEvent {
	events := make([]TransferEvent, 0, len(logs))
	for _, l := range logs {
		ev, err := Decode(l, standard)
		switch {
		case err == nil:
		case errors.Is(err, ErrRemovedLog), errors.Is(err, ErrPendingLog):
			continue
		default:
			metrics.RecordMalformedEntry("log")
			logger.Debug().
				Err(err).
				Str("tx_hash", l.TxHash.Hex()).
				Uint("log_index", l.Index).
				Msg("Skipping undecodable log")
			continue
		}
		if !ev.Involves(wallet) {
			continue
		}
		events = append(events, ev)
	}
	return events
}

// TouchedIDs returns the sorted union of the ids moved by events and the
// ids already held
func TouchedIDs(events []TransferEvent, held []*big.Int) []*big.Int {
	moved := make([]*big.Int, 0, len(events))
	for _, ev := range events {
		moved = append(moved, ev.TokenIDs...)
	}
	return token.UniqueIDs(moved, held)
}

func topicAddress(h common.Hash) common.Address {
	return common.BytesToAddress(h.Bytes())
}
