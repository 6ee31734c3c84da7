package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/wnt/tokensync/internal/chain"
	"github.com/wnt/tokensync/internal/checkpoint"
	"github.com/wnt/tokensync/internal/eventlog"
	"github.com/wnt/tokensync/internal/ledger"
	"github.com/wnt/tokensync/internal/logger"
	"github.com/wnt/tokensync/internal/metrics"
	"github.com/wnt/tokensync/internal/reconcile"
	"github.com/wnt/tokensync/internal/token"
	"gorm.io/gorm"
)

var (
	// ErrCycleAborted wraps every failure that left the holding unchanged
	ErrCycleAborted = errors.New("sync cycle aborted")
	// ErrBusy is returned by operations that need the holding exclusively
	// while a sync of it is running
	ErrBusy = errors.New("holding is being synced")
	// ErrNotIndexArray is returned by inventory operations on other standards
	ErrNotIndexArray = errors.New("standard has no slot inventory")
)

// Cycle outcomes used as metric labels
const (
	outcomeCommitted = "committed"
	outcomePartial   = "partial"
	outcomeSkipped   = "skipped"
	outcomeGuarded   = "guarded"
	outcomeAborted   = "aborted"
)

// TxSink receives the hashes of transactions that moved a tracked holding
type TxSink interface {
	EnqueueTxHashes(ctx context.Context, chainID int64, hashes []string) error
}

// Options tune a Syncer
type Options struct {
	// CacheSize bounds the number of last known holdings kept in memory
	CacheSize int
	Sink      TxSink
	// Tunables overrides chain.TunablesFor
	Tunables func(chainID int64) chain.Tunables
}

// Syncer runs reconciliation passes. At most one pass per holding runs at a
// time; concurrent callers get the last known state instead.
type Syncer struct {
	clients     map[int64]chain.Client
	checkpoints *checkpoint.Manager
	fetcher     *eventlog.Fetcher
	reconciler  *reconcile.Reconciler
	store       *ledger.Store
	cache       *lru.Cache[string, *token.Holding]
	sink        TxSink
	tunables    func(chainID int64) chain.Tunables
	logger      zerolog.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// New creates a syncer over one chain client per chain id
func New(
	clients map[int64]chain.Client,
	checkpoints *checkpoint.Manager,
	fetcher *eventlog.Fetcher,
	reconciler *reconcile.Reconciler,
	store *ledger.Store,
	opts Options,
	log zerolog.Logger,
) (*Syncer, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, *token.Holding](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create holding cache: %w", err)
	}

	tunables := opts.Tunables
	if tunables == nil {
		tunables = chain.TunablesFor
	}

	return &Syncer{
		clients:     clients,
		checkpoints: checkpoints,
		fetcher:     fetcher,
		reconciler:  reconciler,
		store:       store,
		cache:       cache,
		sink:        opts.Sink,
		tunables:    tunables,
		logger:      log.With().Str("component", "syncer").Logger(),
		running:     make(map[string]struct{}),
	}, nil
}

func (s *Syncer) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[key]; busy {
		return false
	}
	s.running[key] = struct{}{}
	return true
}

func (s *Syncer) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, key)
}

// UpdateBalance runs one reconciliation pass for target and returns the
// resulting holding. If a pass for the same holding is already running the
// last known holding is returned without touching the network.
func (s *Syncer) UpdateBalance(ctx context.Context, target token.Target) (*token.Holding, error) {
	key := target.Key.String()
	standard := target.Standard.String()

	if !s.acquire(key) {
		metrics.RecordSyncCycle(standard, outcomeGuarded, 0)
		return s.LastKnown(ctx, target)
	}
	defer s.release(key)

	return s.run(ctx, target)
}

// run executes one pass; the caller holds the guard of target
func (s *Syncer) run(ctx context.Context, target token.Target) (*token.Holding, error) {
	start := time.Now()
	log := logger.WithTarget(s.logger, target)

	holding, outcome, err := s.pass(ctx, target, log)
	metrics.RecordSyncCycle(target.Standard.String(), outcome, time.Since(start).Seconds())
	if err != nil {
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("Sync cycle aborted")
		return nil, fmt.Errorf("%w for %s: %w", ErrCycleAborted, target, err)
	}

	s.cache.Add(target.Key.String(), holding.Clone())
	log.Debug().
		Str("outcome", outcome).
		Str("balance", holding.Balance().String()).
		Dur("duration", time.Since(start)).
		Msg("Sync cycle finished")
	return holding, nil
}

// LastKnown returns the cached holding of target, falling back to the
// ledger. It never calls the chain.
func (s *Syncer) LastKnown(ctx context.Context, target token.Target) (*token.Holding, error) {
	if h, ok := s.cache.Get(target.Key.String()); ok {
		return h.Clone(), nil
	}
	return s.store.Load(ctx, target.Key, target.Standard)
}

// Resync forgets the checkpoint of target and runs a pass from scratch. It
// returns ErrBusy while another pass of the holding runs.
func (s *Syncer) Resync(ctx context.Context, target token.Target) (*token.Holding, error) {
	key := target.Key.String()
	if !s.acquire(key) {
		return nil, ErrBusy
	}
	defer s.release(key)

	if err := s.checkpoints.Reset(ctx, target.Key); err != nil {
		return nil, err
	}
	s.cache.Remove(key)
	return s.run(ctx, target)
}

func (s *Syncer) pass(ctx context.Context, target token.Target, log zerolog.Logger) (*token.Holding, string, error) {
	client, ok := s.clients[target.ChainID]
	if !ok {
		return nil, outcomeAborted, fmt.Errorf("no client for chain %d", target.ChainID)
	}

	profile := target.Profile()
	held, err := s.store.Load(ctx, target.Key, target.Standard)
	if err != nil {
		return nil, outcomeAborted, err
	}

	switch profile.Verification {
	case token.VerifyNone:
		return held, outcomeSkipped, nil
	case token.VerifyEnumerable:
		return s.enumerablePass(ctx, client, target, profile, held)
	default:
		return s.eventPass(ctx, client, target, profile, held, log)
	}
}

func (s *Syncer) enumerablePass(ctx context.Context, client chain.Client, target token.Target, profile token.Profile, held *token.Holding) (*token.Holding, string, error) {
	res, err := s.reconciler.Verify(ctx, client, profile, target.Contract, target.Wallet, nil)
	if err != nil {
		return nil, outcomeAborted, err
	}

	diff := ledger.Plan(profile, held, res, nil)
	if diff.Empty() {
		return held, outcomeCommitted, nil
	}
	err = s.store.Commit(ctx, func(tx *gorm.DB) error {
		return s.store.ApplyTx(tx, target.Key, profile, diff)
	})
	if err != nil {
		return nil, outcomeAborted, err
	}
	return ledger.Apply(held, diff), outcomeCommitted, nil
}

func (s *Syncer) eventPass(ctx context.Context, client chain.Client, target token.Target, profile token.Profile, held *token.Holding, log zerolog.Logger) (*token.Holding, string, error) {
	cp, err := s.checkpoints.Load(ctx, target.Key, profile)
	if errors.Is(err, checkpoint.ErrSkip) {
		return held, outcomeSkipped, nil
	}
	if err != nil {
		return nil, outcomeAborted, err
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, outcomeAborted, err
	}

	tun := s.tunables(target.ChainID)
	from, to, ok := cp.Window(head, tun)
	if !ok {
		err := s.store.Commit(ctx, func(tx *gorm.DB) error {
			return s.checkpoints.AdvanceTx(tx, cp, head+1, head, head, 0)
		})
		if err != nil {
			return nil, outcomeAborted, err
		}
		return held, outcomeCommitted, nil
	}

	filters := eventlog.Filters(target.Contract, target.Wallet, target.Standard, tun.TopicFiltering)
	fetched, fetchErr := s.fetcher.Fetch(ctx, client, filters, from, to)
	if !fetched.Covered {
		if fetchErr == nil {
			fetchErr = fmt.Errorf("log range [%d, %d] not covered", from, to)
		}
		return nil, outcomeAborted, fetchErr
	}

	events := eventlog.DecodeAll(fetched.Logs, target.Standard, target.Wallet, log)
	touched := eventlog.TouchedIDs(events, held.HeldIDs())

	res, err := s.reconciler.Verify(ctx, client, profile, target.Contract, target.Wallet, touched)
	if err != nil {
		return nil, outcomeAborted, err
	}
	diff := ledger.Plan(profile, held, res, touched)

	nextSpan := tun.NextSpan(fetched.Span, len(fetched.Logs))
	if errors.Is(fetchErr, eventlog.ErrNarrowingExhausted) && fetched.Span > 1 {
		nextSpan = fetched.Span / 2
	}

	err = s.store.Commit(ctx, func(tx *gorm.DB) error {
		if err := s.store.ApplyTx(tx, target.Key, profile, diff); err != nil {
			return err
		}
		if err := s.store.RecordTransfersTx(tx, target.Key, events); err != nil {
			return err
		}
		return s.checkpoints.AdvanceTx(tx, cp, from, fetched.CoveredTo, head, nextSpan)
	})
	if err != nil {
		return nil, outcomeAborted, err
	}

	s.publish(ctx, target.ChainID, events, log)

	outcome := outcomeCommitted
	if fetchErr != nil {
		outcome = outcomePartial
		log.Warn().
			Err(fetchErr).
			Uint64("from", from).
			Uint64("covered_to", fetched.CoveredTo).
			Uint64("to", to).
			Msg("Log range only partially covered, committed what was scanned")
	}

	log.Debug().
		Uint64("from", from).
		Uint64("covered_to", fetched.CoveredTo).
		Int("events", len(events)).
		Int("touched", len(touched)).
		Str("result", res.Kind.String()).
		Int("added", len(diff.Added)).
		Int("updated", len(diff.Updated)).
		Int("removed", len(diff.Removed)).
		Msg("Reconciliation pass committed")

	return ledger.Apply(held, diff), outcome, nil
}

func (s *Syncer) publish(ctx context.Context, chainID int64, events []eventlog.TransferEvent, log zerolog.Logger) {
	if s.sink == nil || len(events) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(events))
	hashes := make([]string, 0, len(events))
	for _, ev := range events {
		h := strings.ToLower(ev.TxHash.Hex())
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		hashes = append(hashes, h)
	}
	if err := s.sink.EnqueueTxHashes(ctx, chainID, hashes); err != nil {
		log.Warn().Err(err).Int("hashes", len(hashes)).Msg("Failed to hand off transaction hashes")
	}
}

// SeedInventory stores the slot list of an index-array holding, replacing
// any previous one
func (s *Syncer) SeedInventory(ctx context.Context, target token.Target, slots []*big.Int) (*token.Holding, error) {
	if !target.Profile().IndexArray() {
		return nil, fmt.Errorf("%w: %s", ErrNotIndexArray, target.Standard)
	}

	key := target.Key.String()
	if !s.acquire(key) {
		return nil, ErrBusy
	}
	defer s.release(key)

	if err := s.store.SaveInventory(ctx, target.Key, slots); err != nil {
		return nil, err
	}
	s.cache.Remove(key)
	return s.store.Load(ctx, target.Key, target.Standard)
}

// PrepareTicketTransfer builds the calldata that sends ids from an
// index-array holding to recipient and marks the used slots spent. It
// returns the calldata and the slot indices it consumed.
func (s *Syncer) PrepareTicketTransfer(ctx context.Context, target token.Target, recipient common.Address, ids []*big.Int) ([]byte, []int, error) {
	if !target.Profile().IndexArray() {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotIndexArray, target.Standard)
	}

	key := target.Key.String()
	if !s.acquire(key) {
		return nil, nil, ErrBusy
	}
	defer s.release(key)

	held, err := s.store.Load(ctx, target.Key, target.Standard)
	if err != nil {
		return nil, nil, err
	}

	inventory := token.NewInventory(held.Slots)
	indices := inventory.IndicesFor(ids)
	slots := inventory.Slots()
	moved := make([]*big.Int, len(indices))
	for i, idx := range indices {
		moved[i] = slots[idx]
	}

	data, err := token.TransferCall(target.Standard, target.Wallet, recipient, indices, moved)
	if err != nil {
		return nil, nil, err
	}
	if err := inventory.Spend(indices); err != nil {
		return nil, nil, err
	}

	err = s.store.Commit(ctx, func(tx *gorm.DB) error {
		return s.store.SpendSlotsTx(tx, target.Key, indices)
	})
	if err != nil {
		return nil, nil, err
	}
	held.Slots = inventory.Slots()
	s.cache.Add(key, held)

	s.logger.Info().
		Str("key", key).
		Str("recipient", token.LowerHex(recipient)).
		Ints("slots", indices).
		Int("unspent", inventory.Unspent()).
		Int("inventory", inventory.Len()).
		Msg("Prepared ticket transfer")
	return data, indices, nil
}
