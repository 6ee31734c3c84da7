package eventlog

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/wnt/tokensync/internal/chain"
	"github.com/wnt/tokensync/internal/metrics"
)

// ErrNarrowingExhausted is returned when a sub-range kept overflowing after
// the maximum number of consecutive narrowings
var ErrNarrowingExhausted = errors.New("log range narrowing exhausted")

// LogSource is the part of a chain client the fetcher needs
type LogSource interface {
	ChainID() int64
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Result is the outcome of one Fetch. When Covered is false no block of the
// requested range was scanned and CoveredTo is meaningless.
type Result struct {
	Logs      []types.Log
	CoveredTo uint64
	Covered   bool
	Complete  bool
	// Steps counts narrowing steps taken
	Steps int
	// Span is the sub-range width in use when the fetch ended
	Span uint64
}

// Fetcher scans a block range with eth_getLogs, narrowing sub-ranges the
// provider rejects as too large
type Fetcher struct {
	maxDepth int
	logger   zerolog.Logger
}

// NewFetcher creates a fetcher; maxDepth <= 0 selects the default depth
func NewFetcher(maxDepth int, logger zerolog.Logger) *Fetcher {
	if maxDepth <= 0 {
		maxDepth = chain.DefaultMaxNarrowingDepth
	}
	return &Fetcher{
		maxDepth: maxDepth,
		logger:   logger.With().Str("component", "log_fetcher").Logger(),
	}
}

// Fetch returns the logs matching any of filters in [from, to]. On error the
// result still carries the logs of every sub-range fully scanned before it.
func (f *Fetcher) Fetch(ctx context.Context, src LogSource, filters []ethereum.FilterQuery, from, to uint64) (Result, error) {
	var res Result
	if from > to {
		return res, fmt.Errorf("invalid log range [%d, %d]", from, to)
	}

	chainLabel := strconv.FormatInt(src.ChainID(), 10)
	seen := make(map[string]struct{})
	cur := from
	span := to - from + 1
	depth := 0

	for cur <= to {
		res.Span = span
		if err := ctx.Err(); err != nil {
			return res, err
		}

		end := cur + span - 1
		if end > to || end < cur {
			end = to
		}

		logs, err := queryAll(ctx, src, filters, cur, end)
		if err != nil {
			var overflow *chain.RangeOverflowError
			if !errors.As(err, &overflow) {
				return res, err
			}

			next := narrow(cur, end, overflow)
			if depth >= f.maxDepth || next == 0 {
				f.logger.Warn().
					Str("chain_id", chainLabel).
					Uint64("from", cur).
					Uint64("to", end).
					Int("depth", depth).
					Msg("Log range still overflowing, giving up on this pass")
				return res, fmt.Errorf("%w at [%d, %d] after %d steps: %v", ErrNarrowingExhausted, cur, end, depth, err)
			}

			depth++
			res.Steps++
			span = next
			res.Span = span
			metrics.RecordRangeNarrowing(chainLabel)
			f.logger.Debug().
				Str("chain_id", chainLabel).
				Uint64("from", cur).
				Uint64("to", end).
				Uint64("new_span", span).
				Msg("Narrowing log range")
			continue
		}

		for _, l := range logs {
			id := l.TxHash.Hex() + ":" + strconv.FormatUint(uint64(l.Index), 10)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			res.Logs = append(res.Logs, l)
		}
		res.CoveredTo = end
		res.Covered = true
		depth = 0
		if end == to {
			break
		}
		cur = end + 1
	}

	sort.SliceStable(res.Logs, func(i, j int) bool {
		if res.Logs[i].BlockNumber != res.Logs[j].BlockNumber {
			return res.Logs[i].BlockNumber < res.Logs[j].BlockNumber
		}
		return res.Logs[i].Index < res.Logs[j].Index
	})
	res.Complete = true
	return res, nil
}

// narrow returns the next span for a sub-range [cur, end] that overflowed,
// or 0 when it cannot shrink any further. The result is strictly smaller
// than the current span.
func narrow(cur, end uint64, overflow *chain.RangeOverflowError) uint64 {
	span := end - cur + 1
	next := span / 2

	if overflow.HasEnd && overflow.SuggestedEnd >= cur && overflow.SuggestedEnd < end {
		if suggested := overflow.SuggestedEnd - cur + 1; suggested < next {
			next = suggested
		}
	}
	if overflow.SuggestedSpan > 0 && overflow.SuggestedSpan < next {
		next = overflow.SuggestedSpan
	}

	if next >= span {
		return 0
	}
	return next
}

func queryAll(ctx context.Context, src LogSource, filters []ethereum.FilterQuery, from, to uint64) ([]types.Log, error) {
	var out []types.Log
	for _, filter := range filters {
		q := filter
		q.FromBlock = new(big.Int).SetUint64(from)
		q.ToBlock = new(big.Int).SetUint64(to)
		logs, err := src.FilterLogs(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, logs...)
	}
	return out, nil
}
