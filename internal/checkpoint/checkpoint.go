package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/tokensync/internal/chain"
	"github.com/wnt/tokensync/internal/metrics"
	"github.com/wnt/tokensync/internal/models"
	"github.com/wnt/tokensync/internal/token"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSkip means no log scan should run for this holding now: either its
// standard is not event driven or it was checked too recently
var ErrSkip = errors.New("checkpoint: sync skipped")

// Checkpoint is the in-memory view of a holding's scanning cursor
type Checkpoint struct {
	Key           token.Key
	StartBlock    int64
	EndBlock      int64
	WindowSpan    uint64
	State         string
	LastCheckedAt time.Time
	// Persisted is false for a checkpoint that has never been stored
	Persisted bool
}

// Resolved reports whether EndBlock holds a real block number
func (c *Checkpoint) Resolved() bool {
	return c.EndBlock != models.LatestBlock
}

// Window returns the next block range to scan given the chain head. ok is
// false when the checkpoint is already at head.
func (c *Checkpoint) Window(head uint64, tun chain.Tunables) (from, to uint64, ok bool) {
	switch {
	case c.Resolved():
		from = uint64(c.EndBlock + 1)
	case c.Persisted:
		from = uint64(c.StartBlock)
	default:
		from = tun.FreshStart(head)
		if start := uint64(c.StartBlock); start > from {
			from = start
		}
	}
	if from > head {
		return 0, 0, false
	}

	span := c.WindowSpan
	if span == 0 {
		span = tun.MaxEventFetch
	}
	if max := tun.MaxWindow(); span > max {
		span = max
	}

	to = from + span - 1
	if to > head {
		to = head
	}
	return from, to, true
}

// Manager loads and advances checkpoints stored in sync_checkpoints
type Manager struct {
	db          *gorm.DB
	minInterval time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// NewManager creates a manager. minInterval throttles repeated checks of the
// same holding; zero disables the throttle.
func NewManager(db *gorm.DB, minInterval time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		db:          db,
		minInterval: minInterval,
		logger:      logger.With().Str("component", "checkpoint").Logger(),
		now:         time.Now,
	}
}

// Get returns the stored checkpoint of key, or a fresh one when none exists
func (m *Manager) Get(ctx context.Context, key token.Key) (*Checkpoint, error) {
	var row models.SyncCheckpoint
	err := m.db.WithContext(ctx).
		Where("chain_id = ? AND contract_address = ? AND wallet_address = ?",
			key.ChainID, token.LowerHex(key.Contract), token.LowerHex(key.Wallet)).
		Take(&row).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Checkpoint{
			Key:        key,
			StartBlock: 0,
			EndBlock:   models.LatestBlock,
			State:      models.SyncStateFresh,
		}, nil
	}
	if err != nil {
		metrics.RecordDatabaseOperation("checkpoint_load", "failed")
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", key, err)
	}

	return &Checkpoint{
		Key:           key,
		StartBlock:    row.StartBlock,
		EndBlock:      row.EndBlock,
		WindowSpan:    uint64(row.WindowSpan),
		State:         row.SyncState,
		LastCheckedAt: row.LastCheckedAt,
		Persisted:     true,
	}, nil
}

// Load returns the checkpoint to scan from. It returns ErrSkip for profiles
// without event sync and for holdings checked within the throttle interval.
func (m *Manager) Load(ctx context.Context, key token.Key, profile token.Profile) (*Checkpoint, error) {
	if !profile.EventSync {
		return nil, ErrSkip
	}

	cp, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if cp.Persisted && m.minInterval > 0 && m.now().Sub(cp.LastCheckedAt) < m.minInterval {
		m.logger.Debug().
			Str("key", key.String()).
			Time("last_checked_at", cp.LastCheckedAt).
			Msg("Checkpoint checked recently, skipping")
		return nil, ErrSkip
	}

	return cp, nil
}

// AdvanceTx records that [from, coveredTo] has been scanned, inside the
// caller's transaction. coveredTo < from records a check without progress.
// The stored end block never moves backward.
func (m *Manager) AdvanceTx(tx *gorm.DB, cp *Checkpoint, from, coveredTo, head, nextSpan uint64) error {
	now := m.now().UTC()
	next := *cp
	next.LastCheckedAt = now
	if nextSpan > 0 {
		next.WindowSpan = nextSpan
	}

	if coveredTo >= from {
		if !next.Resolved() {
			next.StartBlock = int64(from)
		}
		if end := int64(coveredTo); end > next.EndBlock {
			next.EndBlock = end
		}
		if coveredTo >= head {
			next.State = models.SyncStateSynced
		} else {
			next.State = models.SyncStateCatchingUp
		}
	} else if next.Resolved() && next.EndBlock >= int64(head) {
		next.State = models.SyncStateSynced
	}

	row := models.SyncCheckpoint{
		ChainID:         cp.Key.ChainID,
		ContractAddress: token.LowerHex(cp.Key.Contract),
		WalletAddress:   token.LowerHex(cp.Key.Wallet),
		StartBlock:      next.StartBlock,
		EndBlock:        next.EndBlock,
		WindowSpan:      int64(next.WindowSpan),
		SyncState:       next.State,
		LastCheckedAt:   now,
	}

	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chain_id"}, {Name: "contract_address"}, {Name: "wallet_address"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"end_block":       gorm.Expr("CASE WHEN excluded.end_block > sync_checkpoints.end_block THEN excluded.end_block ELSE sync_checkpoints.end_block END"),
			"window_span":     row.WindowSpan,
			"sync_state":      row.SyncState,
			"last_checked_at": now,
			"updated_at":      now,
		}),
	}).Create(&row).Error
	if err != nil {
		metrics.RecordDatabaseOperation("checkpoint_advance", "failed")
		return fmt.Errorf("failed to advance checkpoint %s: %w", cp.Key, err)
	}
	metrics.RecordDatabaseOperation("checkpoint_advance", "success")

	next.Persisted = true
	*cp = next
	return nil
}

// Reset deletes the stored checkpoint so the next pass starts from scratch
func (m *Manager) Reset(ctx context.Context, key token.Key) error {
	err := m.db.WithContext(ctx).
		Where("chain_id = ? AND contract_address = ? AND wallet_address = ?",
			key.ChainID, token.LowerHex(key.Contract), token.LowerHex(key.Wallet)).
		Delete(&models.SyncCheckpoint{}).Error
	if err != nil {
		metrics.RecordDatabaseOperation("checkpoint_reset", "failed")
		return fmt.Errorf("failed to reset checkpoint %s: %w", key, err)
	}

	m.logger.Info().Str("key", key.String()).Msg("Checkpoint reset")
	return nil
}
