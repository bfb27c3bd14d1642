package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-market/internal/ledger"
	"github.com/ksred/klear-market/internal/market"
	"github.com/ksred/klear-market/internal/participant"
)

// Models lists every persistent model in migration order
func Models() []interface{} {
	return []interface{}{
		&participant.Participant{},
		&ledger.Account{},
		&ledger.LedgerEntry{},
		&market.Stock{},
		&market.Inventory{},
		&market.BuyOrder{},
		&market.SellOrder{},
		&market.Transaction{},
		&market.ExternalMarketPrice{},
		&market.IdempotencyRecord{},
	}
}

// CreateMarket creates the participant, ledger and order book tables
func CreateMarket(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
