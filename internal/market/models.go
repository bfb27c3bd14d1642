package market

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"

	// Derived order statuses, never stored
	OrderStatusOpen    = "OPEN"
	OrderStatusFilled  = "FILLED"
	OrderStatusExpired = "EXPIRED"

	InventoryAvailable = "AVAILABLE"
	InventorySold      = "SOLD"
	InventoryShipped   = "SHIPPED"
	InventoryDelivered = "DELIVERED"

	TransactionOpen    = "OPEN"
	TransactionShipped = "SHIPPED"
	TransactionClosed  = "CLOSED"
)

type Stock struct {
	gorm.Model
	Symbol string `gorm:"uniqueIndex;not null"`
}

// Inventory is a single unit of a stock. Units acquired through a purchase
// reference the buy order that created them and are owned by its buyer.
type Inventory struct {
	gorm.Model
	OwnerID      uint            `gorm:"not null;index"`
	StockID      uint            `gorm:"not null;index"`
	Value        decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Status       string          `gorm:"not null;index"`
	RelatedBuyID *uint
}

type BuyOrder struct {
	gorm.Model
	OrderID   string              `gorm:"uniqueIndex;not null"`
	BuyerID   uint                `gorm:"not null;index"`
	StockID   uint                `gorm:"not null;index"`
	OrderType string              `gorm:"not null"`
	Price     decimal.NullDecimal `gorm:"type:numeric(20,8)"`
	Quantity  int                 `gorm:"not null;default:1"`
	PlacedAt  time.Time           `gorm:"not null;index"`
	FillBy    *time.Time          `gorm:"index"`
}

// SellOrder offers one specific inventory unit
type SellOrder struct {
	gorm.Model
	OrderID     string              `gorm:"uniqueIndex;not null"`
	SellerID    uint                `gorm:"not null;index"`
	InventoryID uint                `gorm:"not null;index"`
	Inventory   *Inventory          `gorm:"foreignKey:InventoryID"`
	OrderType   string              `gorm:"not null"`
	Price       decimal.NullDecimal `gorm:"type:numeric(20,8)"`
	Quantity    int                 `gorm:"not null;default:1"`
	PlacedAt    time.Time           `gorm:"not null;index"`
	FillBy      *time.Time          `gorm:"index"`
}

// Transaction is the agreed trade between one buy and one sell order. The
// unique indexes allow each order to be matched at most once. BuyOrderID,
// SellOrderID and Price never change after creation.
type Transaction struct {
	gorm.Model
	TransactionID    string          `gorm:"uniqueIndex;not null"`
	BuyOrderID       uint            `gorm:"uniqueIndex;not null"`
	BuyOrder         *BuyOrder       `gorm:"foreignKey:BuyOrderID"`
	SellOrderID      uint            `gorm:"uniqueIndex;not null"`
	SellOrder        *SellOrder      `gorm:"foreignKey:SellOrderID"`
	Price            decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	InitiatedAt      time.Time       `gorm:"not null;index"`
	ShippedAt        *time.Time
	CompletedAt      *time.Time
	EscrowReleasedAt *time.Time
	Status           string `gorm:"not null;index"`
}

// ExternalMarketPrice is an append-only reference quote; the latest by
// PriceAt wins.
type ExternalMarketPrice struct {
	gorm.Model
	StockID uint            `gorm:"not null;index"`
	Price   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Source  string
	PriceAt time.Time `gorm:"not null;index"`
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex"`
	ResourceID     string
	ResourceType   string
	ExpiresAt      time.Time
}
