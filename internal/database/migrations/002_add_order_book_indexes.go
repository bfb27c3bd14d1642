package migrations

import (
	"gorm.io/gorm"
)

// AddOrderBookIndexes adds the composite indexes behind the clearing queries
func AddOrderBookIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Balance is a sum over an account's own rows
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_entry_at
		 ON ledger_entries(account_id, entry_at)`,

		// Open buy orders are scanned in placement order
		`CREATE INDEX IF NOT EXISTS idx_buy_orders_placed
		 ON buy_orders(placed_at, id)`,

		// Best sell order: stock via inventory, then price
		`CREATE INDEX IF NOT EXISTS idx_sell_orders_inventory_price
		 ON sell_orders(inventory_id, price)`,

		`CREATE INDEX IF NOT EXISTS idx_inventories_stock_status
		 ON inventories(stock_id, status)`,

		// Latest transaction price per stock
		`CREATE INDEX IF NOT EXISTS idx_transactions_initiated
		 ON transactions(initiated_at, id)`,

		// Latest external quote per stock
		`CREATE INDEX IF NOT EXISTS idx_external_market_prices_stock_at
		 ON external_market_prices(stock_id, price_at)`,

		`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires
		 ON idempotency_records(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
