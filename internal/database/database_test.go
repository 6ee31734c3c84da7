package database

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/tokensync/internal/models"
	"github.com/wnt/tokensync/internal/token"
)

func TestConnectWithEmptyDSN(t *testing.T) {
	db, err := Connect("")
	assert.Error(t, err)
	assert.Nil(t, db)
}

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)

	for _, model := range []interface{}{&models.SyncCheckpoint{}, &models.AssetRecord{}, &models.TransferRecord{}} {
		assert.True(t, db.Migrator().HasTable(model), "missing table for %T", model)
	}
	assert.True(t, db.Migrator().HasIndex(&models.AssetRecord{}, "idx_asset_records_key"))

	// migration is repeatable
	require.NoError(t, migrateSchema(db))
}

func TestAssetRecordKeyIsUnique(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)

	record := models.AssetRecord{
		ChainID:         1,
		ContractAddress: "0x2222222222222222222222222222222222222222",
		WalletAddress:   "0x1111111111111111111111111111111111111111",
		TokenID:         "115792089237316195423570985008687907853269984665640564039457584007913129639935",
		Slot:            token.NoSlot,
		Balance:         "1",
	}
	require.NoError(t, db.Create(&record).Error)

	dup := record
	dup.ID = 0
	assert.Error(t, db.Create(&dup).Error)

	// same token in another slot is a distinct record
	dup.Slot = 3
	require.NoError(t, db.Create(&dup).Error)

	var stored models.AssetRecord
	require.NoError(t, db.First(&stored, record.ID).Error)
	assert.Equal(t, record.TokenID, stored.TokenID)
	assert.Equal(t, token.NoSlot, stored.Slot)
}

func TestAssetRecordKeepsFirstSlot(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)

	record := models.AssetRecord{
		ChainID:         1,
		ContractAddress: "0x2222222222222222222222222222222222222222",
		WalletAddress:   "0x1111111111111111111111111111111111111111",
		TokenID:         "101",
		Slot:            0,
		Balance:         "1",
	}
	rows := []models.AssetRecord{record}
	require.NoError(t, db.Create(&rows).Error)

	var stored models.AssetRecord
	require.NoError(t, db.Where("token_id = ?", "101").First(&stored).Error)
	assert.Equal(t, 0, stored.Slot)
}

// Runs only when a postgres database is configured
func TestConnectSuccessful(t *testing.T) {
	if os.Getenv("RUN_DB_TESTS") != "true" {
		t.Skip("Skipping database connection test. Set RUN_DB_TESTS=true to enable.")
	}

	requiredVars := []string{"DB_HOST", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_PORT"}
	for _, v := range requiredVars {
		if os.Getenv(v) == "" {
			t.Skipf("Skipping test because %s environment variable is not set", v)
		}
	}

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		os.Getenv("DB_HOST"), os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), os.Getenv("DB_NAME"), os.Getenv("DB_PORT"))

	db, err := Connect(dsn)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.NoError(t, sqlDB.Ping())
}
