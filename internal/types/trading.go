package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RegisterParticipantRequest onboards a participant with a ledger account
type RegisterParticipantRequest struct {
	Name string `json:"name" validate:"required,min=1,max=64"`
}

type CreateStockRequest struct {
	Symbol string `json:"symbol" validate:"required,alphanum,max=16"`
}

// OriginateInventoryRequest creates fresh units of a stock for the caller
type OriginateInventoryRequest struct {
	Symbol string          `json:"symbol" validate:"required"`
	Value  decimal.Decimal `json:"value"`
	Units  int             `json:"units" validate:"omitempty,min=1,max=1000"`
}

type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// PlaceBuyOrderRequest asks for one unit of a stock. Price is required for
// LIMIT orders and must be absent for MARKET orders.
type PlaceBuyOrderRequest struct {
	Symbol    string           `json:"symbol" validate:"required"`
	OrderType string           `json:"order_type" validate:"required,oneof=LIMIT MARKET"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	FillBy    *time.Time       `json:"fill_by,omitempty"`
}

// PlaceSellOrderRequest offers one specific inventory unit
type PlaceSellOrderRequest struct {
	InventoryID uint             `json:"inventory_id" validate:"required"`
	OrderType   string           `json:"order_type" validate:"required,oneof=LIMIT MARKET"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	FillBy      *time.Time       `json:"fill_by,omitempty"`
}

type RecordPriceRequest struct {
	Symbol  string          `json:"symbol" validate:"required"`
	Price   decimal.Decimal `json:"price"`
	Source  string          `json:"source" validate:"max=64"`
	PriceAt *time.Time      `json:"price_at,omitempty"`
}

type ParticipantResponse struct {
	ParticipantID uint   `json:"participant_id"`
	Name          string `json:"name"`
	AccountKey    string `json:"account_key"`
}

type InventoryResponse struct {
	InventoryID  uint            `json:"inventory_id"`
	OwnerID      uint            `json:"owner_id"`
	Symbol       string          `json:"symbol"`
	Value        decimal.Decimal `json:"value"`
	Status       string          `json:"status"`
	RelatedBuyID *uint           `json:"related_buy_id,omitempty"`
}

type OrderResponse struct {
	OrderID     string           `json:"order_id"`
	Side        string           `json:"side"`
	Participant uint             `json:"participant_id"`
	InventoryID uint             `json:"inventory_id,omitempty"`
	OrderType   string           `json:"order_type"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Quantity    int              `json:"quantity"`
	Status      string           `json:"status"`
	PlacedAt    time.Time        `json:"placed_at"`
	FillBy      *time.Time       `json:"fill_by,omitempty"`
}

type BalanceResponse struct {
	AccountKey string          `json:"account_key"`
	Balance    decimal.Decimal `json:"balance"`
}
