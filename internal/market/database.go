package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-market/internal/dbtx"
	"github.com/ksred/klear-market/internal/payment"
)

const (
	notMatchedBuy  = "NOT EXISTS (SELECT 1 FROM transactions t WHERE t.buy_order_id = buy_orders.id AND t.deleted_at IS NULL)"
	notMatchedSell = "NOT EXISTS (SELECT 1 FROM transactions t WHERE t.sell_order_id = sell_orders.id AND t.deleted_at IS NULL)"
	notExpiredBuy  = "(buy_orders.fill_by IS NULL OR buy_orders.fill_by > ?)"
	notExpiredSell = "(sell_orders.fill_by IS NULL OR sell_orders.fill_by > ?)"
)

// Database is the order book repository. Every "open" query takes the
// caller's now so that one clearing cycle sees one consistent instant.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) conn(ctx context.Context) *gorm.DB {
	return dbtx.Conn(ctx, d.db)
}

// first runs q into dest and maps a missing row to found=false
func first(q *gorm.DB, dest interface{}) (bool, error) {
	if err := q.Take(dest).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *Database) CreateStock(ctx context.Context, stock *Stock) error {
	return d.conn(ctx).Create(stock).Error
}

func (d *Database) GetStock(ctx context.Context, id uint) (*Stock, error) {
	var stock Stock
	found, err := first(d.conn(ctx).Where("id = ?", id), &stock)
	if !found {
		return nil, err
	}
	return &stock, nil
}

func (d *Database) GetStockBySymbol(ctx context.Context, symbol string) (*Stock, error) {
	var stock Stock
	found, err := first(d.conn(ctx).Where("symbol = ?", symbol), &stock)
	if !found {
		return nil, err
	}
	return &stock, nil
}

func (d *Database) ListStocks(ctx context.Context) ([]Stock, error) {
	var stocks []Stock
	err := d.conn(ctx).Order("symbol ASC").Find(&stocks).Error
	return stocks, err
}

func (d *Database) CreateInventory(ctx context.Context, inv *Inventory) error {
	return d.conn(ctx).Create(inv).Error
}

func (d *Database) GetInventory(ctx context.Context, id uint) (*Inventory, error) {
	var inv Inventory
	found, err := first(d.conn(ctx).Where("id = ?", id), &inv)
	if !found {
		return nil, err
	}
	return &inv, nil
}

func (d *Database) UpdateInventoryStatus(ctx context.Context, id uint, status string) error {
	result := d.conn(ctx).Model(&Inventory{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrUnknownInventory, id)
	}
	return nil
}

func (d *Database) ListInventory(ctx context.Context, ownerID uint) ([]Inventory, error) {
	var items []Inventory
	err := d.conn(ctx).Where("owner_id = ?", ownerID).Order("id ASC").Find(&items).Error
	return items, err
}

// CountInventory counts the owner's units of a stock in the given status
func (d *Database) CountInventory(ctx context.Context, ownerID, stockID uint, status string) (int64, error) {
	var n int64
	err := d.conn(ctx).Model(&Inventory{}).
		Where("owner_id = ? AND stock_id = ? AND status = ?", ownerID, stockID, status).
		Count(&n).Error
	return n, err
}

func (d *Database) CreateBuyOrder(ctx context.Context, order *BuyOrder) error {
	return d.conn(ctx).Create(order).Error
}

func (d *Database) CreateSellOrder(ctx context.Context, order *SellOrder) error {
	return d.conn(ctx).Omit(clause.Associations).Create(order).Error
}

func (d *Database) GetBuyOrder(ctx context.Context, orderID string) (*BuyOrder, error) {
	var order BuyOrder
	found, err := first(d.conn(ctx).Where("order_id = ?", orderID), &order)
	if !found {
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetSellOrder(ctx context.Context, orderID string) (*SellOrder, error) {
	var order SellOrder
	found, err := first(d.conn(ctx).Preload("Inventory").Where("order_id = ?", orderID), &order)
	if !found {
		return nil, err
	}
	return &order, nil
}

// OpenBuyOrders returns unexpired, unmatched buy orders in placement order
func (d *Database) OpenBuyOrders(ctx context.Context, now time.Time) ([]BuyOrder, error) {
	var orders []BuyOrder
	err := d.conn(ctx).
		Where(notExpiredBuy, now).
		Where(notMatchedBuy).
		Order("buy_orders.placed_at ASC, buy_orders.id ASC").
		Find(&orders).Error
	return orders, err
}

// openSellOrders scopes a sell order query to unexpired, unmatched orders
// for stockID, joined to their inventory.
func (d *Database) openSellOrders(ctx context.Context, stockID uint, now time.Time) *gorm.DB {
	return d.conn(ctx).Model(&SellOrder{}).
		Select("sell_orders.*").
		Joins("JOIN inventories ON inventories.id = sell_orders.inventory_id AND inventories.deleted_at IS NULL").
		Where("inventories.stock_id = ?", stockID).
		Where(notExpiredSell, now).
		Where(notMatchedSell)
}

// BestSellOrder returns the eligible sell order for buy, or nil. A LIMIT buy
// admits MARKET sells and LIMIT sells at or below its price; a MARKET buy
// admits every sell. MARKET sells rank first, then ascending price, then
// placement.
func (d *Database) BestSellOrder(ctx context.Context, buy *BuyOrder, now time.Time) (*SellOrder, error) {
	q := d.openSellOrders(ctx, buy.StockID, now).
		Where("sell_orders.seller_id <> ?", buy.BuyerID)

	if buy.OrderType == OrderTypeLimit {
		q = q.Where("(sell_orders.order_type = ? OR (sell_orders.order_type = ? AND sell_orders.price <= ?))",
			OrderTypeMarket, OrderTypeLimit, buy.Price.Decimal)
	}

	var sell SellOrder
	found, err := first(q.
		Preload("Inventory").
		Order("CASE WHEN sell_orders.price IS NULL THEN 0 ELSE 1 END, sell_orders.price ASC, sell_orders.id ASC"),
		&sell)
	if !found {
		return nil, err
	}
	return &sell, nil
}

// HasOpenSellOrder reports whether an unexpired, unmatched sell order
// already offers the inventory unit.
func (d *Database) HasOpenSellOrder(ctx context.Context, inventoryID uint, now time.Time) (bool, error) {
	var n int64
	err := d.conn(ctx).Model(&SellOrder{}).
		Where("sell_orders.inventory_id = ?", inventoryID).
		Where(notExpiredSell, now).
		Where(notMatchedSell).
		Count(&n).Error
	return n > 0, err
}

func (d *Database) buyOrderMatched(ctx context.Context, id uint) (bool, error) {
	var n int64
	err := d.conn(ctx).Model(&Transaction{}).Where("buy_order_id = ?", id).Count(&n).Error
	return n > 0, err
}

func (d *Database) sellOrderMatched(ctx context.Context, id uint) (bool, error) {
	var n int64
	err := d.conn(ctx).Model(&Transaction{}).Where("sell_order_id = ?", id).Count(&n).Error
	return n > 0, err
}

// derivedStatus is FILLED once matched, else EXPIRED once fillBy is not
// after now, else OPEN.
func derivedStatus(matched bool, fillBy *time.Time, now time.Time) string {
	switch {
	case matched:
		return OrderStatusFilled
	case fillBy != nil && !fillBy.After(now):
		return OrderStatusExpired
	default:
		return OrderStatusOpen
	}
}

func (d *Database) BuyOrderStatus(ctx context.Context, orderID string, now time.Time) (string, error) {
	order, err := d.GetBuyOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if order == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	matched, err := d.buyOrderMatched(ctx, order.ID)
	if err != nil {
		return "", err
	}
	return derivedStatus(matched, order.FillBy, now), nil
}

func (d *Database) SellOrderStatus(ctx context.Context, orderID string, now time.Time) (string, error) {
	order, err := d.GetSellOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if order == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	matched, err := d.sellOrderMatched(ctx, order.ID)
	if err != nil {
		return "", err
	}
	return derivedStatus(matched, order.FillBy, now), nil
}

func (d *Database) CreateTransaction(ctx context.Context, txn *Transaction) error {
	return d.conn(ctx).Omit(clause.Associations).Create(txn).Error
}

// GetTransaction loads a transaction with both orders and the sold unit
func (d *Database) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	var txn Transaction
	found, err := first(d.conn(ctx).
		Preload("BuyOrder").
		Preload("SellOrder.Inventory").
		Where("transaction_id = ?", transactionID), &txn)
	if !found {
		return nil, err
	}
	return &txn, nil
}

// ListTransactions returns the transactions a participant bought or sold in,
// newest first
func (d *Database) ListTransactions(ctx context.Context, participantID uint) ([]Transaction, error) {
	var txns []Transaction
	err := d.conn(ctx).
		Preload("BuyOrder").
		Preload("SellOrder.Inventory").
		Joins("JOIN buy_orders bo ON bo.id = transactions.buy_order_id").
		Joins("JOIN sell_orders so ON so.id = transactions.sell_order_id").
		Where("bo.buyer_id = ? OR so.seller_id = ?", participantID, participantID).
		Order("transactions.initiated_at DESC, transactions.id DESC").
		Find(&txns).Error
	return txns, err
}

// AdvanceTransaction moves a transaction from one status to the next and
// stamps column with at. It reports false when the transaction was not in
// status from.
func (d *Database) AdvanceTransaction(ctx context.Context, id uint, from, to, column string, at time.Time) (bool, error) {
	result := d.conn(ctx).Model(&Transaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status": to,
			column:   at,
		})
	return result.RowsAffected == 1, result.Error
}

// MarkEscrowReleased stamps escrow_released_at once. It reports false when
// the stamp was already set.
func (d *Database) MarkEscrowReleased(ctx context.Context, id uint, at time.Time) (bool, error) {
	result := d.conn(ctx).Model(&Transaction{}).
		Where("id = ? AND escrow_released_at IS NULL", id).
		Update("escrow_released_at", at)
	return result.RowsAffected == 1, result.Error
}

// TransactionPrice returns the agreed price of a transaction
func (d *Database) TransactionPrice(ctx context.Context, transactionID string) (decimal.Decimal, error) {
	var txn Transaction
	found, err := first(d.conn(ctx).Where("transaction_id = ?", transactionID), &txn)
	if err != nil {
		return decimal.Zero, err
	}
	if !found {
		return decimal.Zero, fmt.Errorf("%w: %s", payment.ErrUnknownTransaction, transactionID)
	}
	return txn.Price, nil
}

// LatestTransactionPrice is the price of the most recently initiated
// transaction for the stock
func (d *Database) LatestTransactionPrice(ctx context.Context, stockID uint) (decimal.NullDecimal, error) {
	var txn Transaction
	found, err := first(d.conn(ctx).
		Select("transactions.*").
		Joins("JOIN buy_orders ON buy_orders.id = transactions.buy_order_id").
		Where("buy_orders.stock_id = ?", stockID).
		Order("transactions.initiated_at DESC, transactions.id DESC"), &txn)
	if !found {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(txn.Price), nil
}

func (d *Database) CreateExternalPrice(ctx context.Context, price *ExternalMarketPrice) error {
	return d.conn(ctx).Create(price).Error
}

// LatestExternalPrice is the most recent reference quote for the stock
func (d *Database) LatestExternalPrice(ctx context.Context, stockID uint) (decimal.NullDecimal, error) {
	var quote ExternalMarketPrice
	found, err := first(d.conn(ctx).
		Where("stock_id = ?", stockID).
		Order("price_at DESC, id DESC"), &quote)
	if !found {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(quote.Price), nil
}

// HighestBid is the best price among open LIMIT buy orders
func (d *Database) HighestBid(ctx context.Context, stockID uint, now time.Time) (decimal.NullDecimal, error) {
	var order BuyOrder
	found, err := first(d.conn(ctx).
		Where("buy_orders.stock_id = ? AND buy_orders.order_type = ?", stockID, OrderTypeLimit).
		Where(notExpiredBuy, now).
		Where(notMatchedBuy).
		Order("buy_orders.price DESC, buy_orders.id ASC"), &order)
	if !found {
		return decimal.NullDecimal{}, err
	}
	return order.Price, nil
}

// LowestAsk is the best price among open LIMIT sell orders
func (d *Database) LowestAsk(ctx context.Context, stockID uint, now time.Time) (decimal.NullDecimal, error) {
	var order SellOrder
	found, err := first(d.openSellOrders(ctx, stockID, now).
		Where("sell_orders.order_type = ?", OrderTypeLimit).
		Order("sell_orders.price ASC, sell_orders.id ASC"), &order)
	if !found {
		return decimal.NullDecimal{}, err
	}
	return order.Price, nil
}

func (d *Database) GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	found, err := first(d.conn(ctx).Where("idempotency_key = ? AND expires_at > ?", key, now), &record)
	if !found {
		return nil, err
	}
	return &record, nil
}

func (d *Database) CreateIdempotencyRecord(ctx context.Context, record *IdempotencyRecord) error {
	return d.conn(ctx).Create(record).Error
}

// DeleteExpiredIdempotencyRecords removes records whose window has passed
// so their keys can be reused.
func (d *Database) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	result := d.conn(ctx).Unscoped().Where("expires_at <= ?", now).Delete(&IdempotencyRecord{})
	return result.RowsAffected, result.Error
}

var _ payment.TransactionPricer = (*Database)(nil)
