package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/wnt/tokensync/internal/eventlog"
	"github.com/wnt/tokensync/internal/metrics"
	"github.com/wnt/tokensync/internal/models"
	"github.com/wnt/tokensync/internal/token"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists holdings in asset_records
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewStore creates a ledger store
func NewStore(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

func scope(tx *gorm.DB, key token.Key) *gorm.DB {
	return tx.Where("chain_id = ? AND contract_address = ? AND wallet_address = ?",
		key.ChainID, token.LowerHex(key.Contract), token.LowerHex(key.Wallet))
}

// Load reads the stored holding of key. Index-array standards are returned
// as an ordered slot list.
func (s *Store) Load(ctx context.Context, key token.Key, standard token.Standard) (*token.Holding, error) {
	var rows []models.AssetRecord
	if err := scope(s.db.WithContext(ctx), key).Order("slot ASC").Find(&rows).Error; err != nil {
		metrics.RecordDatabaseOperation("ledger_load", "failed")
		return nil, fmt.Errorf("failed to load holding %s: %w", key, err)
	}

	holding := token.NewHolding(key, standard)
	for _, row := range rows {
		id, okID := token.ParseID(row.TokenID)
		balance, okBalance := token.ParseID(row.Balance)
		if !okID || !okBalance {
			metrics.RecordMalformedEntry("ledger")
			s.logger.Warn().Uint("row_id", row.ID).Str("token_id", row.TokenID).Msg("Skipping unparsable asset record")
			continue
		}

		if row.Slot != token.NoSlot {
			holding.Slots = append(holding.Slots, id)
			continue
		}
		if balance.Sign() <= 0 {
			continue
		}
		holding.Set(id, balance)
		holding.Assets[token.IDKey(id)].MetadataRef = row.MetadataRef
		if row.UpdatedAt.After(holding.UpdatedAt) {
			holding.UpdatedAt = row.UpdatedAt
		}
	}

	return holding, nil
}

// Commit runs fn in one database transaction
func (s *Store) Commit(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(fn)
	if err != nil {
		metrics.RecordDatabaseOperation("ledger_commit", "failed")
		return err
	}
	metrics.RecordDatabaseOperation("ledger_commit", "success")
	return nil
}

// ApplyTx writes diff for key inside tx. Removed ids are deleted, or
// tombstoned in place for index-array standards.
func (s *Store) ApplyTx(tx *gorm.DB, key token.Key, profile token.Profile, diff Diff) error {
	if diff.Empty() {
		return nil
	}

	if len(diff.Removed) > 0 {
		removed := make([]string, len(diff.Removed))
		for i, id := range diff.Removed {
			removed[i] = token.IDKey(id)
		}

		if profile.Tombstones {
			err := scope(tx.Model(&models.AssetRecord{}), key).
				Where("token_id IN ? AND slot <> ?", removed, token.NoSlot).
				Updates(map[string]interface{}{"token_id": "0", "balance": "0"}).Error
			if err != nil {
				return fmt.Errorf("failed to tombstone assets of %s: %w", key, err)
			}
			metrics.RecordLedgerOperations("tombstoned", len(removed))
		} else {
			err := scope(tx, key).
				Where("token_id IN ? AND slot = ?", removed, token.NoSlot).
				Delete(&models.AssetRecord{}).Error
			if err != nil {
				return fmt.Errorf("failed to delete assets of %s: %w", key, err)
			}
			metrics.RecordLedgerOperations("removed", len(removed))
		}
	}

	upserts := make([]models.AssetRecord, 0, len(diff.Added)+len(diff.Updated))
	for _, c := range append(append([]Change{}, diff.Added...), diff.Updated...) {
		upserts = append(upserts, assetRow(key, c.TokenID, c.Balance, token.NoSlot))
	}
	if len(upserts) > 0 {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "chain_id"}, {Name: "contract_address"}, {Name: "wallet_address"},
				{Name: "token_id"}, {Name: "slot"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"balance", "updated_at"}),
		}).Create(&upserts).Error
		if err != nil {
			return fmt.Errorf("failed to upsert assets of %s: %w", key, err)
		}
		metrics.RecordLedgerOperations("added", len(diff.Added))
		metrics.RecordLedgerOperations("updated", len(diff.Updated))
	}

	return nil
}

// SaveInventory replaces the slot inventory of an index-array holding
func (s *Store) SaveInventory(ctx context.Context, key token.Key, slots []*big.Int) error {
	return s.Commit(ctx, func(tx *gorm.DB) error {
		if err := scope(tx, key).Delete(&models.AssetRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear inventory of %s: %w", key, err)
		}
		if len(slots) == 0 {
			return nil
		}

		rows := make([]models.AssetRecord, len(slots))
		for i, id := range slots {
			balance := big.NewInt(1)
			if id == nil || id.Sign() == 0 {
				id, balance = new(big.Int), new(big.Int)
			}
			rows[i] = assetRow(key, id, balance, i)
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to save inventory of %s: %w", key, err)
		}
		metrics.RecordLedgerOperations("added", len(rows))
		return nil
	})
}

// SpendSlotsTx tombstones the given slots inside tx
func (s *Store) SpendSlotsTx(tx *gorm.DB, key token.Key, indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	result := scope(tx.Model(&models.AssetRecord{}), key).
		Where("slot IN ?", indices).
		Updates(map[string]interface{}{"token_id": "0", "balance": "0"})
	if result.Error != nil {
		return fmt.Errorf("failed to spend slots of %s: %w", key, result.Error)
	}
	if int(result.RowsAffected) != len(indices) {
		return fmt.Errorf("spent %d of %d slots of %s", result.RowsAffected, len(indices), key)
	}
	metrics.RecordLedgerOperations("tombstoned", len(indices))
	return nil
}

// RecordTransfersTx stores transfer activity for key inside tx. Events
// already recorded are ignored.
func (s *Store) RecordTransfersTx(tx *gorm.DB, key token.Key, events []eventlog.TransferEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([]models.TransferRecord, 0, len(events))
	for _, ev := range events {
		rows = append(rows, transferRow(key, ev))
	}

	err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, 200).Error
	if err != nil {
		return fmt.Errorf("failed to record transfers of %s: %w", key, err)
	}
	return nil
}

func assetRow(key token.Key, id, balance *big.Int, slot int) models.AssetRecord {
	return models.AssetRecord{
		ChainID:         key.ChainID,
		ContractAddress: token.LowerHex(key.Contract),
		WalletAddress:   token.LowerHex(key.Wallet),
		TokenID:         token.IDKey(id),
		Slot:            slot,
		Balance:         balance.String(),
		UpdatedAt:       time.Now().UTC(),
	}
}

func transferRow(key token.Key, ev eventlog.TransferEvent) models.TransferRecord {
	direction, counterparty := models.DirectionSent, ev.To
	if ev.To == key.Wallet {
		direction, counterparty = models.DirectionReceived, ev.From
	}

	return models.TransferRecord{
		ChainID:         key.ChainID,
		TxHash:          strings.ToLower(ev.TxHash.Hex()),
		LogIndex:        ev.LogIndex,
		WalletAddress:   token.LowerHex(key.Wallet),
		ContractAddress: token.LowerHex(key.Contract),
		BlockNumber:     ev.BlockNumber,
		Direction:       direction,
		Counterparty:    counterpartyHex(counterparty),
		TokenIDs:        joinInts(ev.TokenIDs),
		Amounts:         joinInts(ev.Amounts),
	}
}

func counterpartyHex(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return token.LowerHex(a)
}

func joinInts(values []*big.Int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = token.IDKey(v)
	}
	return strings.Join(parts, ",")
}
