package database

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-market/internal/config"
	"github.com/ksred/klear-market/internal/database/migrations"
	"github.com/ksred/klear-market/internal/market"
)

func TestNewDatabase_MigratesSchema(t *testing.T) {
	cfg := config.DatabaseConfig{
		Driver:       config.DriverSQLite,
		DSN:          "file:" + uuid.NewString() + "?mode=memory&cache=shared&_foreign_keys=on",
		MaxOpenConns: 1,
	}
	db, err := NewDatabase(cfg, false)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, model := range migrations.Models() {
		assert.True(t, db.Migrator().HasTable(model), "%T", model)
	}
	assert.True(t, db.Migrator().HasIndex(&market.SellOrder{}, "idx_sell_orders_inventory_price"))
	assert.True(t, db.Migrator().HasIndex(&market.Transaction{}, "idx_transactions_initiated"))

	// Migrations are repeatable.
	require.NoError(t, migrations.CreateMarket(db))
	require.NoError(t, migrations.AddOrderBookIndexes(db))
}

func TestNewDatabase_UnknownDriver(t *testing.T) {
	_, err := NewDatabase(config.DatabaseConfig{Driver: "oracle", DSN: "x"}, false)
	assert.Error(t, err)
}
