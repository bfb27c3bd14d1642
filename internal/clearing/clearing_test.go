package clearing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"pgregory.net/rapid"

	"github.com/ksred/klear-market/internal/dbtx/dbtest"
	"github.com/ksred/klear-market/internal/ledger"
	"github.com/ksred/klear-market/internal/market"
	"github.com/ksred/klear-market/internal/participant"
	"github.com/ksred/klear-market/internal/payment"
	"github.com/ksred/klear-market/internal/types"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// declineGateway refuses to escrow for one account
type declineGateway struct {
	*payment.LedgerGateway
	declined string
}

func (g *declineGateway) EscrowFunds(ctx context.Context, fromKey, transactionID string, amount decimal.Decimal) error {
	if fromKey == g.declined {
		return payment.ErrUnauthorized
	}
	return g.LedgerGateway.EscrowFunds(ctx, fromKey, transactionID, amount)
}

type fixture struct {
	db      *gorm.DB
	gateway *payment.LedgerGateway
	market  *market.Service
	engine  *Engine
	now     time.Time
}

func newFixture(t testing.TB, wrap ...func(*payment.LedgerGateway) payment.Gateway) *fixture {
	t.Helper()
	db := dbtest.Open(t,
		&participant.Participant{}, &ledger.Account{}, &ledger.LedgerEntry{},
		&market.Stock{}, &market.Inventory{}, &market.BuyOrder{}, &market.SellOrder{},
		&market.Transaction{}, &market.ExternalMarketPrice{}, &market.IdempotencyRecord{},
	)
	f := &fixture{db: db, now: t0}
	clock := func() time.Time { return f.now }

	f.gateway = payment.NewLedgerGateway(db, market.NewDatabase(db))
	var gateway payment.Gateway = f.gateway
	for _, w := range wrap {
		gateway = w(f.gateway)
	}
	f.market = market.NewService(db, f.gateway, market.WithClock(clock))
	f.engine = NewEngine(db, gateway, WithClock(clock))

	_, err := f.market.CreateStock(context.Background(), types.CreateStockRequest{Symbol: "ACME"})
	require.NoError(t, err)
	return f
}

func (f *fixture) participant(t testing.TB, name, funds string) (uint, string) {
	t.Helper()
	ctx := context.Background()
	p, account, err := f.market.RegisterParticipant(ctx, types.RegisterParticipantRequest{Name: name})
	require.NoError(t, err)
	if funds != "" && !dec(funds).IsZero() {
		_, err = f.market.Deposit(ctx, p.ID, dec(funds))
		require.NoError(t, err)
	}
	return p.ID, account.Key
}

func (f *fixture) sell(t testing.TB, seller uint, price string) (*market.SellOrder, uint) {
	t.Helper()
	ctx := context.Background()
	items, err := f.market.OriginateInventory(ctx, seller, types.OriginateInventoryRequest{Symbol: "ACME", Value: dec("1")})
	require.NoError(t, err)

	f.now = f.now.Add(time.Second)
	order, err := f.market.PlaceSellOrder(ctx, seller, types.PlaceSellOrderRequest{
		InventoryID: items[0].ID,
		OrderType:   orderType(price),
		Price:       optPrice(price),
	}, "")
	require.NoError(t, err)
	return order, items[0].ID
}

func (f *fixture) buy(t testing.TB, buyer uint, price string) *market.BuyOrder {
	t.Helper()
	f.now = f.now.Add(time.Second)
	order, err := f.market.PlaceBuyOrder(context.Background(), buyer, types.PlaceBuyOrderRequest{
		Symbol:    "ACME",
		OrderType: orderType(price),
		Price:     optPrice(price),
	}, "")
	require.NoError(t, err)
	return order
}

func (f *fixture) balance(t testing.TB, key string) decimal.Decimal {
	t.Helper()
	got, err := f.gateway.Balance(context.Background(), key)
	require.NoError(t, err)
	return got
}

func (f *fixture) requireBalance(t testing.TB, key, want string) {
	t.Helper()
	got := f.balance(t, key)
	require.True(t, got.Equal(dec(want)), "balance of %s: got %s want %s", key, got, want)
}

func (f *fixture) inventoryStatus(t testing.TB, id uint) string {
	t.Helper()
	inv, err := f.market.DB().GetInventory(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, inv)
	return inv.Status
}

func (f *fixture) stockID(t testing.TB) uint {
	t.Helper()
	stock, err := f.market.StockBySymbol(context.Background(), "ACME")
	require.NoError(t, err)
	return stock.ID
}

func (f *fixture) transactionCount(t testing.TB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&market.Transaction{}).Count(&n).Error)
	return n
}

func orderType(price string) string {
	return lo.Ternary(price == "", market.OrderTypeMarket, market.OrderTypeLimit)
}

func optPrice(price string) *decimal.Decimal {
	if price == "" {
		return nil
	}
	return lo.ToPtr(dec(price))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestClearMarket_LimitMatchEscrowsBuyerFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller, sellerKey := f.participant(t, "seller", "1.75")
	buyer, buyerKey := f.participant(t, "buyer", "3.00")

	sell, invID := f.sell(t, seller, "0.51")
	buy := f.buy(t, buyer, "0.51")

	result, err := f.engine.ClearMarket(ctx)
	require.NoError(t, err)
	require.Len(t, result.Transactions, 1)
	assert.Empty(t, result.Skipped)

	txn := result.Transactions[0]
	assert.True(t, txn.Price.Equal(dec("0.51")))
	assert.Equal(t, market.TransactionOpen, txn.Status)
	assert.Equal(t, buy.ID, txn.BuyOrderID)
	assert.Equal(t, sell.ID, txn.SellOrderID)
	assert.Equal(t, f.now, txn.InitiatedAt)

	f.requireBalance(t, buyerKey, "2.49")
	f.requireBalance(t, sellerKey, "1.75")
	assert.Equal(t, market.InventorySold, f.inventoryStatus(t, invID))

	status, err := f.market.DB().BuyOrderStatus(ctx, buy.OrderID, f.now)
	require.NoError(t, err)
	assert.Equal(t, market.OrderStatusFilled, status)
	status, err = f.market.DB().SellOrderStatus(ctx, sell.OrderID, f.now)
	require.NoError(t, err)
	assert.Equal(t, market.OrderStatusFilled, status)

	escrow, err := f.gateway.Ledger().AccountBySystemRef(ctx, txn.TransactionID)
	require.NoError(t, err)
	f.requireBalance(t, escrow.AccountKey, "0.51")
}

func TestClearMarket_InsufficientFundsLeavesBookUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller, sellerKey := f.participant(t, "seller", "0")
	buyer, buyerKey := f.participant(t, "buyer", "0.44")

	_, err := f.market.RecordExternalPrice(ctx, types.RecordPriceRequest{Symbol: "ACME", Price: dec("0.4875"), PriceAt: &t0})
	require.NoError(t, err)

	sell, invID := f.sell(t, seller, "")
	buy := f.buy(t, buyer, "")

	result, err := f.engine.ClearMarket(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Transactions)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, buy.OrderID, result.Skipped[0].BuyOrderID)
	assert.Equal(t, sell.OrderID, result.Skipped[0].SellOrderID)
	assert.ErrorIs(t, result.Skipped[0].Err, payment.ErrInsufficientFunds)

	assert.Equal(t, int64(0), f.transactionCount(t))
	assert.Equal(t, market.InventoryAvailable, f.inventoryStatus(t, invID))
	f.requireBalance(t, buyerKey, "0.44")
	f.requireBalance(t, sellerKey, "0")
}

func TestClearMarket_PriceOrderAndReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s1, _ := f.participant(t, "s1", "")
	s2, _ := f.participant(t, "s2", "")
	s3, _ := f.participant(t, "s3", "")
	b1, _ := f.participant(t, "b1", "10")
	b2, _ := f.participant(t, "b2", "10")
	b3, _ := f.participant(t, "b3", "10")

	sell12, _ := f.sell(t, s1, "1.2")
	sell14, _ := f.sell(t, s2, "1.4")
	sell16, _ := f.sell(t, s3, "1.6")
	buy1 := f.buy(t, b1, "")
	buy2 := f.buy(t, b2, "")
	f.buy(t, b3, "1.25")

	result, err := f.engine.ClearMarket(ctx)
	require.NoError(t, err)
	require.Len(t, result.Transactions, 2)
	assert.Empty(t, result.Skipped, "a LIMIT buyer with no eligible seller is not a skip")

	assert.Equal(t, buy1.ID, result.Transactions[0].BuyOrderID)
	assert.Equal(t, sell12.ID, result.Transactions[0].SellOrderID)
	assert.True(t, result.Transactions[0].Price.Equal(dec("1.2")))
	assert.Equal(t, buy2.ID, result.Transactions[1].BuyOrderID)
	assert.Equal(t, sell14.ID, result.Transactions[1].SellOrderID)
	assert.True(t, result.Transactions[1].Price.Equal(dec("1.4")))

	status, err := f.market.DB().SellOrderStatus(ctx, sell16.OrderID, f.now)
	require.NoError(t, err)
	assert.Equal(t, market.OrderStatusOpen, status)

	stockID := f.stockID(t)
	price, err := f.engine.CurrentMarketPrice(ctx, stockID)
	require.NoError(t, err)
	assert.True(t, price.Equal(dec("1.4")), "market price %s", price)

	bid, err := f.engine.CurrentBidPrice(ctx, stockID)
	require.NoError(t, err)
	assert.True(t, bid.Equal(dec("1.25")), "bid %s", bid)

	ask, err := f.engine.CurrentAskPrice(ctx, stockID)
	require.NoError(t, err)
	assert.True(t, ask.Equal(dec("1.6")), "ask %s", ask)
}

func TestClearMarket_SecondRunIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller, _ := f.participant(t, "seller", "")
	buyer, buyerKey := f.participant(t, "buyer", "5")
	poor, _ := f.participant(t, "poor", "0.01")

	f.sell(t, seller, "1")
	f.sell(t, seller, "2")
	f.buy(t, buyer, "")
	f.buy(t, poor, "")

	first, err := f.engine.ClearMarket(ctx)
	require.NoError(t, err)
	require.Len(t, first.Transactions, 1)
	require.Len(t, first.Skipped, 1)
	balance := f.balance(t, buyerKey)

	second, err := f.engine.ClearMarket(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.Transactions)
	assert.Equal(t, int64(1), f.transactionCount(t))
	assert.True(t, balance.Equal(f.balance(t, buyerKey)))
}

func TestClearMarket_NoSelfTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trader, _ := f.participant(t, "trader", "5")
	other, _ := f.participant(t, "other", "")

	f.sell(t, trader, "0.5")
	f.buy(t, trader, "")

	result, err := f.engine.ClearMarket(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Transactions)

	theirs, _ := f.sell(t, other, "0.7")
	result, err = f.engine.ClearMarket(ctx)
	require.NoError(t, err)
	require.Len(t, result.Transactions, 1)
	assert.Equal(t, theirs.ID, result.Transactions[0].SellOrderID)

	var txns []market.Transaction
	require.NoError(t, f.db.Preload("BuyOrder").Preload("SellOrder").Find(&txns).Error)
	for _, txn := range txns {
		assert.NotEqual(t, txn.BuyOrder.BuyerID, txn.SellOrder.SellerID)
	}
}

func TestClearMarket_SkippedSellOrderStaysAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller, sellerKey := f.participant(t, "seller", "")
	poor, poorKey := f.participant(t, "poor", "0.10")
	rich, richKey := f.participant(t, "rich", "1.00")

	sell, invID := f.sell(t, seller, "0.60")
	f.buy(t, poor, "")
	richBuy := f.buy(t, rich, "")

	result, err := f.engine.ClearMarket(ctx)
	require.NoError(t, err)
	require.Len(t, result.Skipped, 1)
	require.Len(t, result.Transactions, 1)
	assert.Equal(t, richBuy.ID, result.Transactions[0].BuyOrderID)
	assert.Equal(t, sell.ID, result.Transactions[0].SellOrderID)

	f.requireBalance(t, poorKey, "0.10")
	f.requireBalance(t, richKey, "0.40")
	f.requireBalance(t, sellerKey, "0")
	assert.Equal(t, market.InventorySold, f.inventoryStatus(t, invID))
}

func TestClearMarket_DeclinedEscrowRollsBackOnlyThatPair(t *testing.T) {
	var decline *declineGateway
	f := newFixture(t, func(g *payment.LedgerGateway) payment.Gateway {
		decline = &declineGateway{LedgerGateway: g}
		return decline
	})
	ctx := context.Background()
	seller, _ := f.participant(t, "seller", "")
	blocked, blockedKey := f.participant(t, "blocked", "5")
	buyer, _ := f.participant(t, "buyer", "5")
	decline.declined = blockedKey

	_, invID := f.sell(t, seller, "1")
	f.buy(t, blocked, "")
	buy := f.buy(t, buyer, "")

	result, err := f.engine.ClearMarket(ctx)
	require.NoError(t, err)
	require.Len(t, result.Skipped, 1)
	assert.ErrorIs(t, result.Skipped[0].Err, payment.ErrUnauthorized)
	require.Len(t, result.Transactions, 1)
	assert.Equal(t, buy.ID, result.Transactions[0].BuyOrderID)

	// The declined pair's transaction row and inventory update were undone.
	assert.Equal(t, int64(1), f.transactionCount(t))
	assert.Equal(t, market.InventorySold, f.inventoryStatus(t, invID))
	f.requireBalance(t, blockedKey, "5")
}

func TestClearMarket_UnpricedMarketPairIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller, _ := f.participant(t, "seller", "")
	buyer, buyerKey := f.participant(t, "buyer", "5")

	_, invID := f.sell(t, seller, "")
	f.buy(t, buyer, "")

	result, err := f.engine.ClearMarket(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Transactions)
	require.Len(t, result.Skipped, 1)
	assert.ErrorIs(t, result.Skipped[0].Err, ErrNoPriceAvailable)
	assert.Equal(t, market.InventoryAvailable, f.inventoryStatus(t, invID))
	f.requireBalance(t, buyerKey, "5")

	// A LIMIT buyer prices a MARKET sell.
	f.buy(t, buyer, "0.3")
	result, err = f.engine.ClearMarket(ctx)
	require.NoError(t, err)
	require.Len(t, result.Transactions, 1)
	assert.True(t, result.Transactions[0].Price.Equal(dec("0.3")))
}

func TestClearMarket_MarketPairPricedFromQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller, sellerKey := f.participant(t, "seller", "")
	buyer, buyerKey := f.participant(t, "buyer", "5")

	f.sell(t, seller, "")
	f.buy(t, buyer, "")

	_, err := f.market.RecordExternalPrice(ctx, types.RecordPriceRequest{Symbol: "ACME", Price: dec("0.123456789")})
	assert.ErrorIs(t, err, market.ErrInvalidOrder)
	_, err = f.market.RecordExternalPrice(ctx, types.RecordPriceRequest{Symbol: "ACME", Price: dec("0.12345678")})
	require.NoError(t, err)

	result, err := f.engine.ClearMarket(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Skipped)
	require.Len(t, result.Transactions, 1)
	assert.True(t, result.Transactions[0].Price.Equal(dec("0.12345678")))
	f.requireBalance(t, buyerKey, "4.87654322")
	f.requireBalance(t, sellerKey, "0")
}

func TestClearMarket_ExpiredOrdersAreIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller, _ := f.participant(t, "seller", "")
	buyer, _ := f.participant(t, "buyer", "5")

	f.sell(t, seller, "1")
	fillBy := f.now.Add(time.Minute)
	_, err := f.market.PlaceBuyOrder(ctx, buyer, types.PlaceBuyOrderRequest{
		Symbol: "ACME", OrderType: market.OrderTypeMarket, FillBy: &fillBy,
	}, "")
	require.NoError(t, err)

	f.now = fillBy
	result, err := f.engine.ClearMarket(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Transactions)
	assert.Empty(t, result.Skipped)
}

func TestCurrentPrices_NoPriceAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stockID := f.stockID(t)

	_, err := f.engine.CurrentMarketPrice(ctx, stockID)
	assert.ErrorIs(t, err, ErrNoPriceAvailable)
	_, err = f.engine.CurrentBidPrice(ctx, stockID)
	assert.ErrorIs(t, err, ErrNoPriceAvailable)
	_, err = f.engine.CurrentAskPrice(ctx, stockID)
	assert.ErrorIs(t, err, ErrNoPriceAvailable)

	_, err = f.market.RecordExternalPrice(ctx, types.RecordPriceRequest{Symbol: "ACME", Price: dec("2.5")})
	require.NoError(t, err)
	price, err := f.engine.CurrentMarketPrice(ctx, stockID)
	require.NoError(t, err)
	assert.True(t, price.Equal(dec("2.5")))
}

func TestPairScoped(t *testing.T) {
	assert.True(t, pairScoped(fmt.Errorf("wrapped: %w", payment.ErrInsufficientFunds)))
	assert.True(t, pairScoped(payment.ErrUnknownAccount))
	assert.True(t, pairScoped(ErrNoPriceAvailable))
	assert.False(t, pairScoped(errors.New("disk I/O error")))
	assert.False(t, pairScoped(payment.ErrUnknownTransaction))
}

func TestClearMarket_ConservesFunds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		ctx := context.Background()

		n := rapid.IntRange(2, 5).Draw(rt, "participants")
		ids := make([]uint, n)
		keys := make([]string, n)
		deposited := decimal.Zero
		for i := range ids {
			cents := rapid.Int64Range(0, 500).Draw(rt, "cents")
			funds := decimal.New(cents, -2)
			ids[i], keys[i] = f.participant(t, fmt.Sprintf("p%d", i), funds.String())
			deposited = deposited.Add(funds)
		}

		orders := rapid.IntRange(1, 10).Draw(rt, "orders")
		for i := 0; i < orders; i++ {
			who := ids[rapid.IntRange(0, n-1).Draw(rt, "who")]
			price := ""
			if rapid.Bool().Draw(rt, "limit") {
				price = decimal.New(rapid.Int64Range(1, 300).Draw(rt, "price"), -2).String()
			}
			if rapid.Bool().Draw(rt, "sell") {
				f.sell(t, who, price)
			} else {
				f.buy(t, who, price)
			}
		}

		for cycle := 0; cycle < 2; cycle++ {
			_, err := f.engine.ClearMarket(ctx)
			require.NoError(rt, err)

			total, err := f.gateway.Ledger().TotalBalance(ctx)
			require.NoError(rt, err)
			require.True(rt, total.IsZero(), "ledger sums to %s", total)

			held := decimal.Zero
			for _, key := range keys {
				held = held.Add(f.balance(t, key))
			}
			var txns []market.Transaction
			require.NoError(rt, f.db.Find(&txns).Error)
			for _, txn := range txns {
				escrow, err := f.gateway.Ledger().AccountBySystemRef(ctx, txn.TransactionID)
				require.NoError(rt, err)
				held = held.Add(f.balance(t, escrow.AccountKey))
			}
			require.True(rt, held.Equal(deposited), "cycle %d: participants and escrow hold %s of %s", cycle, held, deposited)
		}
	})
}
