package models

import "time"

// LatestBlock is the end_block sentinel of a checkpoint that has not been
// resolved against the chain head yet
const LatestBlock int64 = -1

// Sync states recorded on a checkpoint
const (
	SyncStateFresh      = "fresh"
	SyncStateCatchingUp = "catching_up"
	SyncStateSynced     = "synced"
)

// SyncCheckpoint is the persisted log scanning cursor of one
// (chain, contract, wallet) triple
type SyncCheckpoint struct {
	ID              uint   `gorm:"primaryKey"`
	ChainID         int64  `gorm:"not null;uniqueIndex:idx_sync_checkpoints_key"`
	ContractAddress string `gorm:"size:42;not null;uniqueIndex:idx_sync_checkpoints_key"`
	WalletAddress   string `gorm:"size:42;not null;uniqueIndex:idx_sync_checkpoints_key"`
	StartBlock      int64  `gorm:"not null;default:0"`
	EndBlock        int64  `gorm:"not null"`
	// WindowSpan is the block span of the next scanning window
	WindowSpan    int64     `gorm:"not null;default:0"`
	SyncState     string    `gorm:"size:16;not null;default:fresh;index"`
	LastCheckedAt time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Resolved reports whether EndBlock holds a real block number
func (c *SyncCheckpoint) Resolved() bool {
	return c.EndBlock != LatestBlock
}
