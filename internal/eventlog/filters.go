package eventlog

import (
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/wnt/tokensync/internal/chain"
	"github.com/wnt/tokensync/internal/token"
)

// Filters builds the log queries for one holding, without a block range.
// With topic filtering there is one query for transfers out of the wallet
// and one for transfers into it; otherwise a single contract-wide query is
// returned and the wallet is matched after decoding.
func Filters(contract, wallet common.Address, standard token.Standard, topicFiltering bool) []ethereum.FilterQuery {
	topic0 := []common.Hash{chain.TransferTopic}
	// topic position of the "from" address; "to" follows it
	fromPos := 1
	if standard == token.ERC1155 {
		topic0 = []common.Hash{chain.TransferSingleTopic, chain.TransferBatchTopic}
		fromPos = 2
	}

	if !topicFiltering {
		return []ethereum.FilterQuery{{
			Addresses: []common.Address{contract},
			Topics:    [][]common.Hash{topic0},
		}}
	}

	walletTopic := []common.Hash{common.BytesToHash(wallet.Bytes())}

	sent := make([][]common.Hash, fromPos+1)
	sent[0] = topic0
	sent[fromPos] = walletTopic

	received := make([][]common.Hash, fromPos+2)
	received[0] = topic0
	received[fromPos+1] = walletTopic

	return []ethereum.FilterQuery{
		{Addresses: []common.Address{contract}, Topics: sent},
		{Addresses: []common.Address{contract}, Topics: received},
	}
}
