package clearing

import (
	"time"

	"github.com/ksred/klear-market/internal/market"
)

// CycleResult is the outcome of one ClearMarket run
type CycleResult struct {
	StartedAt    time.Time
	Duration     time.Duration
	Transactions []market.Transaction
	Skipped      []Skip
}

// Skip records a buy order that found a seller but could not be matched.
// Buy orders with no eligible seller are not recorded.
type Skip struct {
	BuyOrderID  string
	SellOrderID string
	Reason      string
	Err         error
}
