package database

import (
	"fmt"
	"time"

	"github.com/wnt/tokensync/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the postgres database described by dsn and migrates the schema
func Connect(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("failed to connect to database: empty DSN")
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig(true))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Set connection pool settings
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	// Set connection pool limits
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Migrate database schema
	if err := migrateSchema(db); err != nil {
		return nil, err
	}

	return db, nil
}

// OpenSQLite opens a sqlite database at path (":memory:" for a private
// in-memory database) and migrates the schema. It backs tests and the
// single-shot CLI.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), gormConfig(false))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	// sqlite allows a single writer; an in-memory database lives per connection
	sqlDB.SetMaxOpenConns(1)

	if err := migrateSchema(db); err != nil {
		return nil, err
	}

	return db, nil
}

func gormConfig(prepare bool) *gorm.Config {
	return &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: prepare,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func migrateSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.SyncCheckpoint{},
		&models.AssetRecord{},
		&models.TransferRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Composite index for loading one holding
	if err := db.Exec("CREATE INDEX IF NOT EXISTS idx_asset_records_holding ON asset_records(chain_id, contract_address, wallet_address)").Error; err != nil {
		return fmt.Errorf("failed to create holding index: %w", err)
	}

	return nil
}
