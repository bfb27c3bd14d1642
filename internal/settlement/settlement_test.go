package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-market/internal/clearing"
	"github.com/ksred/klear-market/internal/dbtx/dbtest"
	"github.com/ksred/klear-market/internal/ledger"
	"github.com/ksred/klear-market/internal/market"
	"github.com/ksred/klear-market/internal/participant"
	"github.com/ksred/klear-market/internal/payment"
	"github.com/ksred/klear-market/internal/types"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db       *gorm.DB
	gateway  *payment.LedgerGateway
	market   *market.Service
	engine   *clearing.Engine
	service  *Service
	now      time.Time
	seller   uint
	buyer    uint
	sellerAc string
	buyerAc  string
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newMatchedFixture funds a seller with 1.75 and a buyer with 3.00 and
// clears one LIMIT @0.51 trade between them. pooled routes escrow through
// one shared escrow account.
func newMatchedFixture(t *testing.T, pooled bool) (*fixture, *market.Transaction) {
	t.Helper()
	ctx := context.Background()
	db := dbtest.Open(t,
		&participant.Participant{}, &ledger.Account{}, &ledger.LedgerEntry{},
		&market.Stock{}, &market.Inventory{}, &market.BuyOrder{}, &market.SellOrder{},
		&market.Transaction{}, &market.ExternalMarketPrice{}, &market.IdempotencyRecord{},
	)
	f := &fixture{db: db, now: t0}
	clock := func() time.Time { return f.now }

	var opts []payment.Option
	if pooled {
		opts = append(opts, payment.WithEscrowPolicy(payment.NewPooledEscrow("escrow-officer")))
	}
	f.gateway = payment.NewLedgerGateway(db, market.NewDatabase(db), opts...)
	f.market = market.NewService(db, f.gateway, market.WithClock(clock))
	f.engine = clearing.NewEngine(db, f.gateway, clearing.WithClock(clock))
	f.service = NewService(db, f.gateway, WithClock(clock))

	_, err := f.market.CreateStock(ctx, types.CreateStockRequest{Symbol: "ACME"})
	require.NoError(t, err)

	register := func(name, funds string) (uint, string) {
		p, account, err := f.market.RegisterParticipant(ctx, types.RegisterParticipantRequest{Name: name})
		require.NoError(t, err)
		_, err = f.market.Deposit(ctx, p.ID, dec(funds))
		require.NoError(t, err)
		return p.ID, account.Key
	}
	f.seller, f.sellerAc = register("seller", "1.75")
	f.buyer, f.buyerAc = register("buyer", "3.00")

	items, err := f.market.OriginateInventory(ctx, f.seller, types.OriginateInventoryRequest{Symbol: "ACME", Value: dec("0.40")})
	require.NoError(t, err)
	_, err = f.market.PlaceSellOrder(ctx, f.seller, types.PlaceSellOrderRequest{
		InventoryID: items[0].ID, OrderType: market.OrderTypeLimit, Price: lo.ToPtr(dec("0.51")),
	}, "")
	require.NoError(t, err)
	f.now = f.now.Add(time.Second)
	_, err = f.market.PlaceBuyOrder(ctx, f.buyer, types.PlaceBuyOrderRequest{
		Symbol: "ACME", OrderType: market.OrderTypeLimit, Price: lo.ToPtr(dec("0.51")),
	}, "")
	require.NoError(t, err)

	result, err := f.engine.ClearMarket(ctx)
	require.NoError(t, err)
	require.Len(t, result.Transactions, 1)
	return f, &result.Transactions[0]
}

func (f *fixture) requireBalance(t *testing.T, key, want string) {
	t.Helper()
	got, err := f.gateway.Balance(context.Background(), key)
	require.NoError(t, err)
	require.True(t, got.Equal(dec(want)), "balance: got %s want %s", got, want)
}

func (f *fixture) inventory(t *testing.T, owner uint) []market.Inventory {
	t.Helper()
	items, err := f.market.Inventory(context.Background(), owner)
	require.NoError(t, err)
	return items
}

func TestLifecycle_ShipCloseRelease(t *testing.T) {
	f, matched := newMatchedFixture(t, false)
	ctx := context.Background()
	id := matched.TransactionID

	f.requireBalance(t, f.buyerAc, "2.49")
	f.requireBalance(t, f.sellerAc, "1.75")

	f.now = f.now.Add(time.Hour)
	txn, err := f.service.Ship(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, market.TransactionShipped, txn.Status)
	require.NotNil(t, txn.ShippedAt)
	assert.True(t, txn.ShippedAt.Equal(f.now))
	assert.Equal(t, market.InventoryShipped, txn.SellOrder.Inventory.Status)
	f.requireBalance(t, f.sellerAc, "1.75")

	f.now = f.now.Add(time.Hour)
	txn, err = f.service.Close(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, market.TransactionClosed, txn.Status)
	require.NotNil(t, txn.CompletedAt)
	assert.Equal(t, market.InventoryDelivered, txn.SellOrder.Inventory.Status)
	assert.Nil(t, txn.EscrowReleasedAt)
	f.requireBalance(t, f.sellerAc, "1.75")

	bought := f.inventory(t, f.buyer)
	require.Len(t, bought, 1)
	assert.True(t, bought[0].Value.Equal(dec("0.51")))
	assert.Equal(t, market.InventoryAvailable, bought[0].Status)
	require.NotNil(t, bought[0].RelatedBuyID)
	assert.Equal(t, txn.BuyOrderID, *bought[0].RelatedBuyID)
	assert.Equal(t, txn.SellOrder.Inventory.StockID, bought[0].StockID)

	txn, err = f.service.ReleaseEscrow(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, txn.EscrowReleasedAt)
	f.requireBalance(t, f.sellerAc, "2.26")
	f.requireBalance(t, f.buyerAc, "2.49")

	_, err = f.service.ReleaseEscrow(ctx, id)
	assert.ErrorIs(t, err, ErrEscrowAlreadyReleased)
	f.requireBalance(t, f.sellerAc, "2.26")

	total, err := f.gateway.Ledger().TotalBalance(ctx)
	require.NoError(t, err)
	assert.True(t, total.IsZero())

	escrow, err := f.gateway.Ledger().AccountBySystemRef(ctx, id)
	require.NoError(t, err)
	f.requireBalance(t, escrow.AccountKey, "0")
}

func TestLifecycle_PooledEscrow(t *testing.T) {
	f, matched := newMatchedFixture(t, true)
	ctx := context.Background()
	id := matched.TransactionID

	pool, err := f.gateway.Ledger().AccountBySystemRef(ctx, payment.PoolRefPrefix+"escrow-officer")
	require.NoError(t, err)
	f.requireBalance(t, pool.AccountKey, "0.51")

	_, err = f.service.Ship(ctx, id)
	require.NoError(t, err)
	_, err = f.service.Close(ctx, id)
	require.NoError(t, err)
	_, err = f.service.ReleaseEscrow(ctx, id)
	require.NoError(t, err)

	f.requireBalance(t, pool.AccountKey, "0")
	f.requireBalance(t, f.sellerAc, "2.26")
	f.requireBalance(t, f.buyerAc, "2.49")
}

func TestLifecycle_InvalidTransitions(t *testing.T) {
	f, matched := newMatchedFixture(t, false)
	ctx := context.Background()
	id := matched.TransactionID

	_, err := f.service.Close(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.service.ReleaseEscrow(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.service.Ship(ctx, id)
	require.NoError(t, err)
	_, err = f.service.Ship(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.service.ReleaseEscrow(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.service.Close(ctx, id)
	require.NoError(t, err)
	_, err = f.service.Close(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.service.Ship(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Failed transitions leave no trace.
	txn, err := f.service.Transaction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, market.TransactionClosed, txn.Status)
	assert.Len(t, f.inventory(t, f.buyer), 1)
	f.requireBalance(t, f.sellerAc, "1.75")
}

func TestLifecycle_UnknownTransaction(t *testing.T) {
	f, _ := newMatchedFixture(t, false)
	ctx := context.Background()

	for _, op := range []func(context.Context, string) (*market.Transaction, error){
		f.service.Transaction, f.service.Ship, f.service.Close, f.service.ReleaseEscrow,
	} {
		_, err := op(ctx, "TXN_missing")
		assert.ErrorIs(t, err, payment.ErrUnknownTransaction)
	}
}
