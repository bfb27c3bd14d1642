package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionResponse is a matched trade and its lifecycle stamps
type TransactionResponse struct {
	TransactionID    string          `json:"transaction_id"`
	BuyOrderID       string          `json:"buy_order_id"`
	SellOrderID      string          `json:"sell_order_id"`
	BuyerID          uint            `json:"buyer_id"`
	SellerID         uint            `json:"seller_id"`
	Price            decimal.Decimal `json:"price"`
	Status           string          `json:"status"`
	InitiatedAt      time.Time       `json:"initiated_at"`
	ShippedAt        *time.Time      `json:"shipped_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	EscrowReleasedAt *time.Time      `json:"escrow_released_at,omitempty"`
}

// ClearingResponse summarises one clearing cycle
type ClearingResponse struct {
	StartedAt    time.Time             `json:"started_at"`
	DurationMS   int64                 `json:"duration_ms"`
	Transactions []TransactionResponse `json:"transactions"`
	Skipped      []SkipResponse        `json:"skipped"`
}

type SkipResponse struct {
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id,omitempty"`
	Reason      string `json:"reason"`
}

// PriceResponse carries the market, bid and ask reads of a stock. A nil
// field means no price is available.
type PriceResponse struct {
	Symbol string           `json:"symbol"`
	Market *decimal.Decimal `json:"market_price"`
	Bid    *decimal.Decimal `json:"bid_price"`
	Ask    *decimal.Decimal `json:"ask_price"`
}
