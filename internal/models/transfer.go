package models

import "time"

// Transfer directions relative to the tracked wallet
const (
	DirectionReceived = "received"
	DirectionSent     = "sent"
)

// TransferRecord is one transfer event seen for a tracked wallet
type TransferRecord struct {
	ID              uint   `gorm:"primaryKey"`
	ChainID         int64  `gorm:"not null;uniqueIndex:idx_transfer_records_event"`
	TxHash          string `gorm:"size:66;not null;uniqueIndex:idx_transfer_records_event"`
	LogIndex        uint   `gorm:"not null;uniqueIndex:idx_transfer_records_event"`
	WalletAddress   string `gorm:"size:42;not null;uniqueIndex:idx_transfer_records_event;index:idx_transfer_records_holding"`
	ContractAddress string `gorm:"size:42;not null;index:idx_transfer_records_holding"`
	BlockNumber     uint64 `gorm:"not null;index"`
	Direction       string `gorm:"size:8;not null"`
	Counterparty    string `gorm:"size:42"`
	// TokenIDs and Amounts are comma separated decimal values in event order
	TokenIDs  string `gorm:"type:text"`
	Amounts   string `gorm:"type:text"`
	CreatedAt time.Time
}
