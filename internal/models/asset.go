package models

import "time"

// AssetRecord is one persisted token id held by a wallet. Token ids and
// balances are uint256 values stored as decimal strings. Slot is -1
// (token.NoSlot) outside an index-array inventory.
type AssetRecord struct {
	ID              uint   `gorm:"primaryKey"`
	ChainID         int64  `gorm:"not null;uniqueIndex:idx_asset_records_key"`
	ContractAddress string `gorm:"size:42;not null;uniqueIndex:idx_asset_records_key"`
	WalletAddress   string `gorm:"size:42;not null;uniqueIndex:idx_asset_records_key"`
	TokenID         string `gorm:"size:78;not null;uniqueIndex:idx_asset_records_key"`
	Slot            int    `gorm:"not null;uniqueIndex:idx_asset_records_key"`
	Balance         string `gorm:"size:78;not null;default:0"`
	MetadataRef     string `gorm:"size:255"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
