package clearing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-market/internal/dbtx"
	"github.com/ksred/klear-market/internal/market"
	"github.com/ksred/klear-market/internal/payment"
)

var ErrNoPriceAvailable = errors.New("no price available")

// cycleLockKey serializes clearing across every engine sharing a Locker
const cycleLockKey = "klear:clearing:cycle"

// pairScoped reports whether err only concerns one buy/sell pair. Such
// errors roll back the pair and the cycle moves on; anything else aborts
// the cycle.
func pairScoped(err error) bool {
	for _, target := range []error{
		payment.ErrInsufficientFunds,
		payment.ErrUnauthorized,
		payment.ErrUnknownAccount,
		payment.ErrInvalidAmount,
		ErrNoPriceAvailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Engine matches open buy orders against the order book and escrows the
// buyer's funds for every match
type Engine struct {
	gormDB  *gorm.DB
	book    *market.Database
	gateway payment.Gateway
	locker  Locker
	now     func() time.Time
	logger  zerolog.Logger
}

type Option func(*Engine)

// WithClock overrides the clock that fixes each cycle's now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLocker replaces the in-process cycle lock, e.g. with a RedisLocker
// when several servers share one database
func WithLocker(locker Locker) Option {
	return func(e *Engine) {
		e.locker = locker
	}
}

func NewEngine(gormDB *gorm.DB, gateway payment.Gateway, opts ...Option) *Engine {
	e := &Engine{
		gormDB:  gormDB,
		book:    market.NewDatabase(gormDB),
		gateway: gateway,
		locker:  NewMutexLocker(),
		now:     time.Now,
		logger:  log.With().Str("service", "clearing").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// txOptions asks Postgres for serializable isolation. SQLite serializes
// writers on its own.
func (e *Engine) txOptions() []*sql.TxOptions {
	if e.gormDB.Dialector.Name() == "postgres" {
		return []*sql.TxOptions{{Isolation: sql.LevelSerializable}}
	}
	return nil
}

// ClearMarket runs one clearing cycle. Open buy orders are visited oldest
// first; each takes the best eligible sell order, is priced, funded and
// escrowed. The cycle commits as a whole. A pair that cannot be priced or
// funded is rolled back on its own and reported in Skipped.
func (e *Engine) ClearMarket(ctx context.Context) (*CycleResult, error) {
	unlock, err := e.locker.Lock(ctx, cycleLockKey)
	if err != nil {
		return nil, fmt.Errorf("acquire clearing lock: %w", err)
	}
	defer unlock()

	now := e.now().UTC()
	result := &CycleResult{StartedAt: now}
	logger := e.logger.With().Time("cycle_at", now).Logger()

	started := time.Now()
	err = dbtx.Run(ctx, e.gormDB, func(ctx context.Context) error {
		buys, err := e.book.OpenBuyOrders(ctx, now)
		if err != nil {
			return fmt.Errorf("load open buy orders: %w", err)
		}
		logger.Debug().Int("open_buy_orders", len(buys)).Msg("starting clearing cycle")

		for i := range buys {
			buy := &buys[i]
			var (
				txn  *market.Transaction
				sell *market.SellOrder
			)
			err := dbtx.Run(ctx, e.gormDB, func(ctx context.Context) error {
				var err error
				txn, sell, err = e.match(ctx, buy, now)
				return err
			})
			switch {
			case err == nil && txn != nil:
				result.Transactions = append(result.Transactions, *txn)
			case err == nil:
				// no eligible seller
			case pairScoped(err):
				skip := Skip{BuyOrderID: buy.OrderID, Reason: err.Error(), Err: err}
				if sell != nil {
					skip.SellOrderID = sell.OrderID
				}
				logger.Info().
					Str("buy_order_id", skip.BuyOrderID).
					Str("sell_order_id", skip.SellOrderID).
					Str("reason", skip.Reason).
					Msg("skipped buy order")
				result.Skipped = append(result.Skipped, skip)
			default:
				return fmt.Errorf("clear buy order %s: %w", buy.OrderID, err)
			}
		}
		return nil
	}, e.txOptions()...)
	result.Duration = time.Since(started)
	if err != nil {
		logger.Error().Err(err).Msg("clearing cycle rolled back")
		return nil, err
	}

	logger.Info().
		Int("transactions", len(result.Transactions)).
		Int("skipped", len(result.Skipped)).
		Dur("duration", result.Duration).
		Msg("clearing cycle completed")
	return result, nil
}

// match clears a single buy order. It returns a nil transaction when no
// sell order is eligible. The sell order is returned whenever one was found
// so that skips can name it.
func (e *Engine) match(ctx context.Context, buy *market.BuyOrder, now time.Time) (*market.Transaction, *market.SellOrder, error) {
	sell, err := e.book.BestSellOrder(ctx, buy, now)
	if err != nil {
		return nil, nil, err
	}
	if sell == nil {
		return nil, nil, nil
	}

	price, err := e.tradePrice(ctx, buy, sell)
	if err != nil {
		return nil, sell, err
	}

	buyer, err := e.gateway.AccountByOwner(ctx, buy.BuyerID)
	if err != nil {
		return nil, sell, err
	}
	balance, err := e.gateway.Balance(ctx, buyer.Key)
	if err != nil {
		return nil, sell, err
	}
	if balance.LessThan(price) {
		return nil, sell, fmt.Errorf("%w: buyer %d has %s, price %s",
			payment.ErrInsufficientFunds, buy.BuyerID, balance, price)
	}

	txn := &market.Transaction{
		TransactionID: "TXN_" + uuid.New().String(),
		BuyOrderID:    buy.ID,
		SellOrderID:   sell.ID,
		Price:         price,
		InitiatedAt:   now,
		Status:        market.TransactionOpen,
	}
	if err := e.book.CreateTransaction(ctx, txn); err != nil {
		return nil, sell, fmt.Errorf("create transaction: %w", err)
	}
	if err := e.book.UpdateInventoryStatus(ctx, sell.InventoryID, market.InventorySold); err != nil {
		return nil, sell, err
	}
	if err := e.gateway.EscrowFunds(ctx, buyer.Key, txn.TransactionID, price); err != nil {
		return nil, sell, err
	}

	txn.BuyOrder = buy
	txn.SellOrder = sell
	e.logger.Info().
		Str("transaction_id", txn.TransactionID).
		Str("buy_order_id", buy.OrderID).
		Str("sell_order_id", sell.OrderID).
		Str("price", price.String()).
		Msg("orders matched")
	return txn, sell, nil
}

// tradePrice is the sell order's LIMIT price, else the buy order's LIMIT
// price, else the current market price of the stock
func (e *Engine) tradePrice(ctx context.Context, buy *market.BuyOrder, sell *market.SellOrder) (decimal.Decimal, error) {
	if sell.Price.Valid {
		return sell.Price.Decimal, nil
	}
	if buy.Price.Valid {
		return buy.Price.Decimal, nil
	}
	return e.CurrentMarketPrice(ctx, buy.StockID)
}

// CurrentMarketPrice is the price of the stock's latest transaction, falling
// back to the latest external quote
func (e *Engine) CurrentMarketPrice(ctx context.Context, stockID uint) (decimal.Decimal, error) {
	last, err := e.book.LatestTransactionPrice(ctx, stockID)
	if err != nil {
		return decimal.Zero, err
	}
	if last.Valid {
		return last.Decimal, nil
	}
	quote, err := e.book.LatestExternalPrice(ctx, stockID)
	if err != nil {
		return decimal.Zero, err
	}
	if quote.Valid {
		return quote.Decimal, nil
	}
	return decimal.Zero, fmt.Errorf("%w: stock %d has no trades or quotes", ErrNoPriceAvailable, stockID)
}

// CurrentBidPrice is the highest open LIMIT buy price
func (e *Engine) CurrentBidPrice(ctx context.Context, stockID uint) (decimal.Decimal, error) {
	bid, err := e.book.HighestBid(ctx, stockID, e.now().UTC())
	if err != nil {
		return decimal.Zero, err
	}
	if !bid.Valid {
		return decimal.Zero, fmt.Errorf("%w: no open bids for stock %d", ErrNoPriceAvailable, stockID)
	}
	return bid.Decimal, nil
}

// CurrentAskPrice is the lowest open LIMIT sell price
func (e *Engine) CurrentAskPrice(ctx context.Context, stockID uint) (decimal.Decimal, error) {
	ask, err := e.book.LowestAsk(ctx, stockID, e.now().UTC())
	if err != nil {
		return decimal.Zero, err
	}
	if !ask.Valid {
		return decimal.Zero, fmt.Errorf("%w: no open asks for stock %d", ErrNoPriceAvailable, stockID)
	}
	return ask.Decimal, nil
}
