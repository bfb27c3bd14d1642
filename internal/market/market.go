package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-market/internal/dbtx"
	"github.com/ksred/klear-market/internal/ledger"
	"github.com/ksred/klear-market/internal/participant"
	"github.com/ksred/klear-market/internal/payment"
	"github.com/ksred/klear-market/internal/types"
)

const idempotencyWindow = 24 * time.Hour

// Depositor is implemented by payment backends that can fund accounts
// from outside the market.
type Depositor interface {
	Deposit(ctx context.Context, accountKey string, amount decimal.Decimal) error
}

// Service handles participant onboarding, listings and order placement
type Service struct {
	gormDB       *gorm.DB
	db           *Database
	participants *participant.Service
	gateway      payment.Gateway
	validate     *validator.Validate
	now          func() time.Time
	logger       zerolog.Logger
}

type Option func(*Service)

// WithClock overrides the wall clock used for placement times and expiry
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a market service that opens accounts through gateway
func NewService(gormDB *gorm.DB, gateway payment.Gateway, opts ...Option) *Service {
	s := &Service{
		gormDB:       gormDB,
		db:           NewDatabase(gormDB),
		participants: participant.NewService(gormDB),
		gateway:      gateway,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		now:          time.Now,
		logger:       log.With().Str("service", "market").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the order book repository
func (s *Service) DB() *Database {
	return s.db
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// RegisterParticipant creates a participant together with its account
func (s *Service) RegisterParticipant(ctx context.Context, req types.RegisterParticipantRequest) (*participant.Participant, *payment.Account, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, nil, err
	}

	var (
		p       *participant.Participant
		account *payment.Account
	)
	err := dbtx.Run(ctx, s.gormDB, func(ctx context.Context) error {
		var err error
		if p, err = s.participants.Register(ctx, req.Name); err != nil {
			return err
		}
		account, err = s.gateway.CreateAccount(ctx, p.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return p, account, nil
}

// Deposit funds the participant's account when the backend supports it
func (s *Service) Deposit(ctx context.Context, participantID uint, amount decimal.Decimal) (*payment.Account, error) {
	depositor, ok := s.gateway.(Depositor)
	if !ok {
		return nil, ErrDepositUnsupported
	}
	account, err := s.gateway.AccountByOwner(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if err := depositor.Deposit(ctx, account.Key, amount); err != nil {
		return nil, err
	}
	return account, nil
}

// Balance returns the participant's account and its balance
func (s *Service) Balance(ctx context.Context, participantID uint) (*payment.Account, decimal.Decimal, error) {
	account, err := s.gateway.AccountByOwner(ctx, participantID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	balance, err := s.gateway.Balance(ctx, account.Key)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return account, balance, nil
}

// CreateStock lists a new symbol. Symbols are stored upper case.
func (s *Service) CreateStock(ctx context.Context, req types.CreateStockRequest) (*Stock, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	symbol := strings.ToUpper(req.Symbol)

	var stock *Stock
	err := dbtx.Run(ctx, s.gormDB, func(ctx context.Context) error {
		existing, err := s.db.GetStockBySymbol(ctx, symbol)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateStock, symbol)
		}
		stock = &Stock{Symbol: symbol}
		return s.db.CreateStock(ctx, stock)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("symbol", symbol).Msg("stock listed")
	return stock, nil
}

// StockBySymbol resolves a symbol, case-insensitively
func (s *Service) StockBySymbol(ctx context.Context, symbol string) (*Stock, error) {
	stock, err := s.db.GetStockBySymbol(ctx, strings.ToUpper(symbol))
	if err != nil {
		return nil, err
	}
	if stock == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStock, symbol)
	}
	return stock, nil
}

func (s *Service) Stocks(ctx context.Context) ([]Stock, error) {
	return s.db.ListStocks(ctx)
}

// OriginateInventory creates units of a stock owned by ownerID. Units
// defaults to one.
func (s *Service) OriginateInventory(ctx context.Context, ownerID uint, req types.OriginateInventoryRequest) ([]Inventory, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if req.Value.IsNegative() {
		return nil, fmt.Errorf("%w: value must not be negative", ErrInvalidOrder)
	}
	units := lo.Ternary(req.Units == 0, 1, req.Units)

	var items []Inventory
	err := dbtx.Run(ctx, s.gormDB, func(ctx context.Context) error {
		if _, err := s.participants.Get(ctx, ownerID); err != nil {
			return err
		}
		stock, err := s.StockBySymbol(ctx, req.Symbol)
		if err != nil {
			return err
		}
		items = lo.Times(units, func(int) Inventory {
			return Inventory{
				OwnerID: ownerID,
				StockID: stock.ID,
				Value:   req.Value,
				Status:  InventoryAvailable,
			}
		})
		for i := range items {
			if err := s.db.CreateInventory(ctx, &items[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Service) Inventory(ctx context.Context, ownerID uint) ([]Inventory, error) {
	return s.db.ListInventory(ctx, ownerID)
}

// InventoryCount counts the owner's AVAILABLE units of a stock
func (s *Service) InventoryCount(ctx context.Context, ownerID uint, symbol string) (int64, error) {
	stock, err := s.StockBySymbol(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return s.db.CountInventory(ctx, ownerID, stock.ID, InventoryAvailable)
}

// orderPrice checks the price against the order type. LIMIT orders need a
// positive price the ledger can represent; MARKET orders carry none.
func orderPrice(orderType string, price *decimal.Decimal) (decimal.NullDecimal, error) {
	switch orderType {
	case OrderTypeLimit:
		if price == nil || !price.IsPositive() {
			return decimal.NullDecimal{}, fmt.Errorf("%w: LIMIT orders need a positive price", ErrInvalidOrder)
		}
		if _, err := ledger.ToUnits(*price); err != nil {
			return decimal.NullDecimal{}, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
		return decimal.NewNullDecimal(*price), nil
	case OrderTypeMarket:
		if price != nil {
			return decimal.NullDecimal{}, fmt.Errorf("%w: MARKET orders must not carry a price", ErrInvalidOrder)
		}
		return decimal.NullDecimal{}, nil
	default:
		return decimal.NullDecimal{}, fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, orderType)
	}
}

func checkFillBy(fillBy *time.Time, now time.Time) (*time.Time, error) {
	if fillBy == nil {
		return nil, nil
	}
	if !fillBy.After(now) {
		return nil, fmt.Errorf("%w: fill_by must be in the future", ErrInvalidOrder)
	}
	return lo.ToPtr(fillBy.UTC()), nil
}

// idempotent runs create unless key was already used for resourceType
// within the idempotency window, in which case replay loads the earlier
// resource. An empty key disables the check.
func (s *Service) idempotent(ctx context.Context, key, resourceType string, now time.Time, replay func(ctx context.Context, resourceID string) error, create func(ctx context.Context) (string, error)) error {
	return dbtx.Run(ctx, s.gormDB, func(ctx context.Context) error {
		if key != "" {
			record, err := s.db.GetIdempotencyRecord(ctx, key, now)
			if err != nil {
				return err
			}
			if record != nil {
				if record.ResourceType != resourceType {
					return fmt.Errorf("%w: %s", ErrIdempotencyConflict, key)
				}
				s.logger.Debug().Str("idempotency_key", key).Str("resource_id", record.ResourceID).Msg("replaying request")
				return replay(ctx, record.ResourceID)
			}
			if _, err := s.db.DeleteExpiredIdempotencyRecords(ctx, now); err != nil {
				return err
			}
		}

		resourceID, err := create(ctx)
		if err != nil {
			return err
		}
		if key == "" {
			return nil
		}
		return s.db.CreateIdempotencyRecord(ctx, &IdempotencyRecord{
			IdempotencyKey: key,
			ResourceID:     resourceID,
			ResourceType:   resourceType,
			ExpiresAt:      now.Add(idempotencyWindow),
		})
	})
}

// PlaceBuyOrder places a unit-sized buy order. Repeating a request with the
// same idempotency key returns the original order.
func (s *Service) PlaceBuyOrder(ctx context.Context, buyerID uint, req types.PlaceBuyOrderRequest, idempotencyKey string) (*BuyOrder, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	now := s.clock()
	price, err := orderPrice(req.OrderType, req.Price)
	if err != nil {
		return nil, err
	}
	fillBy, err := checkFillBy(req.FillBy, now)
	if err != nil {
		return nil, err
	}

	var order *BuyOrder
	err = s.idempotent(ctx, idempotencyKey, "buy_order", now,
		func(ctx context.Context, resourceID string) error {
			existing, err := s.db.GetBuyOrder(ctx, resourceID)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("%w: %s", ErrUnknownOrder, resourceID)
			}
			order = existing
			return nil
		},
		func(ctx context.Context) (string, error) {
			if _, err := s.participants.Get(ctx, buyerID); err != nil {
				return "", err
			}
			stock, err := s.StockBySymbol(ctx, req.Symbol)
			if err != nil {
				return "", err
			}
			order = &BuyOrder{
				OrderID:   "BUY_" + uuid.New().String(),
				BuyerID:   buyerID,
				StockID:   stock.ID,
				OrderType: req.OrderType,
				Price:     price,
				Quantity:  1,
				PlacedAt:  now,
				FillBy:    fillBy,
			}
			if err := s.db.CreateBuyOrder(ctx, order); err != nil {
				return "", err
			}
			s.logger.Info().
				Str("order_id", order.OrderID).
				Uint("buyer_id", buyerID).
				Str("symbol", stock.Symbol).
				Str("order_type", order.OrderType).
				Msg("buy order placed")
			return order.OrderID, nil
		})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// PlaceSellOrder offers one AVAILABLE inventory unit owned by the seller.
// A unit can only be offered by one open sell order at a time.
func (s *Service) PlaceSellOrder(ctx context.Context, sellerID uint, req types.PlaceSellOrderRequest, idempotencyKey string) (*SellOrder, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	now := s.clock()
	price, err := orderPrice(req.OrderType, req.Price)
	if err != nil {
		return nil, err
	}
	fillBy, err := checkFillBy(req.FillBy, now)
	if err != nil {
		return nil, err
	}

	var order *SellOrder
	err = s.idempotent(ctx, idempotencyKey, "sell_order", now,
		func(ctx context.Context, resourceID string) error {
			existing, err := s.db.GetSellOrder(ctx, resourceID)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("%w: %s", ErrUnknownOrder, resourceID)
			}
			order = existing
			return nil
		},
		func(ctx context.Context) (string, error) {
			inv, err := s.db.GetInventory(ctx, req.InventoryID)
			if err != nil {
				return "", err
			}
			switch {
			case inv == nil:
				return "", fmt.Errorf("%w: %d", ErrUnknownInventory, req.InventoryID)
			case inv.OwnerID != sellerID:
				return "", fmt.Errorf("%w: %d", ErrNotInventoryOwner, inv.ID)
			case inv.Status != InventoryAvailable:
				return "", fmt.Errorf("%w: %d is %s", ErrInventoryUnavailable, inv.ID, inv.Status)
			}
			listed, err := s.db.HasOpenSellOrder(ctx, inv.ID, now)
			if err != nil {
				return "", err
			}
			if listed {
				return "", fmt.Errorf("%w: %d", ErrInventoryListed, inv.ID)
			}

			order = &SellOrder{
				OrderID:     "SELL_" + uuid.New().String(),
				SellerID:    sellerID,
				InventoryID: inv.ID,
				Inventory:   inv,
				OrderType:   req.OrderType,
				Price:       price,
				Quantity:    1,
				PlacedAt:    now,
				FillBy:      fillBy,
			}
			if err := s.db.CreateSellOrder(ctx, order); err != nil {
				return "", err
			}
			s.logger.Info().
				Str("order_id", order.OrderID).
				Uint("seller_id", sellerID).
				Uint("inventory_id", inv.ID).
				Str("order_type", order.OrderType).
				Msg("sell order placed")
			return order.OrderID, nil
		})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Service) BuyOrder(ctx context.Context, orderID string) (*BuyOrder, string, error) {
	order, err := s.db.GetBuyOrder(ctx, orderID)
	if err != nil {
		return nil, "", err
	}
	if order == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	status, err := s.db.BuyOrderStatus(ctx, orderID, s.clock())
	return order, status, err
}

func (s *Service) SellOrder(ctx context.Context, orderID string) (*SellOrder, string, error) {
	order, err := s.db.GetSellOrder(ctx, orderID)
	if err != nil {
		return nil, "", err
	}
	if order == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	status, err := s.db.SellOrderStatus(ctx, orderID, s.clock())
	return order, status, err
}

// RecordExternalPrice appends a reference quote. PriceAt defaults to now.
func (s *Service) RecordExternalPrice(ctx context.Context, req types.RecordPriceRequest) (*ExternalMarketPrice, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if !req.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	// A quote may price a trade, so it must fit the ledger's precision
	if _, err := ledger.ToUnits(req.Price); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	stock, err := s.StockBySymbol(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	quote := &ExternalMarketPrice{
		StockID: stock.ID,
		Price:   req.Price,
		Source:  req.Source,
		PriceAt: s.clock(),
	}
	if req.PriceAt != nil {
		quote.PriceAt = req.PriceAt.UTC()
	}
	if err := s.db.CreateExternalPrice(ctx, quote); err != nil {
		return nil, err
	}
	return quote, nil
}

// Transactions lists the trades the participant took part in
func (s *Service) Transactions(ctx context.Context, participantID uint) ([]Transaction, error) {
	return s.db.ListTransactions(ctx, participantID)
}
