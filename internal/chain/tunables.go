package chain

// Chain ids with provider-specific log limits
const (
	EthereumMainnet int64 = 1
	OKXChain        int64 = 66
	PolygonMainnet  int64 = 137
	PolygonMumbai   int64 = 80001
	PolygonAmoy     int64 = 80002
)

const (
	// DefaultBatchLimit is the largest eth_call batch sent to a provider
	DefaultBatchLimit = 512
	// DefaultMaxEventFetch is the default eth_getLogs block span
	DefaultMaxEventFetch uint64 = 100000
	// DefaultMaxNarrowingDepth bounds consecutive narrowings of one sub-range
	DefaultMaxNarrowingDepth = 16
	// RestoreAfter is the number of clean serial verifications after which a
	// degraded chain batches again
	RestoreAfter = 50
	// MaxEnumerable bounds the balanceOf count an enumerable contract may
	// report before enumeration is refused
	MaxEnumerable = 10000
	// windowGrowthCap bounds the adaptive window as a multiple of MaxEventFetch
	windowGrowthCap = 20
)

// Tunables are the per-chain limits that shape log scanning and batching
type Tunables struct {
	ChainID    int64
	BatchLimit int
	// MaxEventFetch is the block span a single log query starts with
	MaxEventFetch uint64
	// EventBlockLimit is set when providers reject spans above MaxEventFetch
	EventBlockLimit bool
	// TopicFiltering is set when providers accept indexed topic filters
	TopicFiltering bool
	// GenesisBlock is where a fresh scan starts on unlimited chains
	GenesisBlock uint64
}

// TunablesFor returns the built-in tunables of a chain
func TunablesFor(chainID int64) Tunables {
	t := Tunables{
		ChainID:        chainID,
		BatchLimit:     DefaultBatchLimit,
		MaxEventFetch:  DefaultMaxEventFetch,
		TopicFiltering: true,
	}

	switch chainID {
	case PolygonMainnet, PolygonMumbai, PolygonAmoy:
		t.MaxEventFetch = 3000
		t.EventBlockLimit = true
	case OKXChain:
		t.MaxEventFetch = 2000
	}

	return t
}

// MaxWindow is the widest block window a single pass may scan
func (t Tunables) MaxWindow() uint64 {
	if t.EventBlockLimit {
		return t.MaxEventFetch
	}
	return t.MaxEventFetch * windowGrowthCap
}

// FreshStart returns the first block of a never-synced checkpoint. Chains
// with an event block limit only look back a few windows from head.
func (t Tunables) FreshStart(head uint64) uint64 {
	if !t.EventBlockLimit {
		return t.GenesisBlock
	}
	lookback := 3 * t.MaxEventFetch
	if head <= lookback {
		return t.GenesisBlock
	}
	return head - lookback
}

// NextSpan sizes the next window from the number of events the last one
// returned: sparse ranges grow quickly, busy ranges grow slowly.
func (t Tunables) NextSpan(span uint64, events int) uint64 {
	if span == 0 {
		span = t.MaxEventFetch
	}

	next := span
	switch {
	case events == 0:
		next = span * 4
	case events < 1000:
		next = span * 2
	case uint64(events) < t.MaxEventFetch*3/4:
		next = span + t.MaxEventFetch
	}

	if max := t.MaxWindow(); next > max {
		next = max
	}
	return next
}
