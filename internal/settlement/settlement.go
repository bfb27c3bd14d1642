// Package settlement moves a matched transaction through shipment, delivery
// and escrow release.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-market/internal/dbtx"
	"github.com/ksred/klear-market/internal/market"
	"github.com/ksred/klear-market/internal/payment"
)

var (
	ErrInvalidTransition     = errors.New("invalid transaction state transition")
	ErrEscrowAlreadyReleased = errors.New("escrow already released")
	ErrNotParty              = errors.New("participant is not a party to the transaction")
)

type Service struct {
	gormDB  *gorm.DB
	db      *market.Database
	gateway payment.Gateway
	now     func() time.Time
	logger  zerolog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(gormDB *gorm.DB, gateway payment.Gateway, opts ...Option) *Service {
	s := &Service{
		gormDB:  gormDB,
		db:      market.NewDatabase(gormDB),
		gateway: gateway,
		now:     time.Now,
		logger:  log.With().Str("service", "settlement").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transaction loads a transaction with its orders and the sold unit
func (s *Service) Transaction(ctx context.Context, transactionID string) (*market.Transaction, error) {
	txn, err := s.db.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, fmt.Errorf("%w: %s", payment.ErrUnknownTransaction, transactionID)
	}
	return txn, nil
}

// advance runs fn inside a database transaction after loading the
// transaction, then returns the reloaded transaction
func (s *Service) advance(ctx context.Context, transactionID string, fn func(ctx context.Context, txn *market.Transaction, now time.Time) error) (*market.Transaction, error) {
	now := s.now().UTC()
	var txn *market.Transaction
	err := dbtx.Run(ctx, s.gormDB, func(ctx context.Context) error {
		loaded, err := s.Transaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if err := fn(ctx, loaded, now); err != nil {
			return err
		}
		txn, err = s.Transaction(ctx, transactionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Ship moves an OPEN transaction to SHIPPED and marks the sold unit shipped
func (s *Service) Ship(ctx context.Context, transactionID string) (*market.Transaction, error) {
	txn, err := s.advance(ctx, transactionID, func(ctx context.Context, txn *market.Transaction, now time.Time) error {
		ok, err := s.db.AdvanceTransaction(ctx, txn.ID, market.TransactionOpen, market.TransactionShipped, "shipped_at", now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: cannot ship %s transaction %s", ErrInvalidTransition, txn.Status, txn.TransactionID)
		}
		return s.db.UpdateInventoryStatus(ctx, txn.SellOrder.InventoryID, market.InventoryShipped)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("transaction_id", transactionID).Msg("transaction shipped")
	return txn, nil
}

// Close moves a SHIPPED transaction to CLOSED and delivers the unit: the sold
// unit becomes DELIVERED and the buyer receives a new AVAILABLE unit valued at
// the trade price. Escrow is released separately.
func (s *Service) Close(ctx context.Context, transactionID string) (*market.Transaction, error) {
	txn, err := s.advance(ctx, transactionID, func(ctx context.Context, txn *market.Transaction, now time.Time) error {
		ok, err := s.db.AdvanceTransaction(ctx, txn.ID, market.TransactionShipped, market.TransactionClosed, "completed_at", now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: cannot close %s transaction %s", ErrInvalidTransition, txn.Status, txn.TransactionID)
		}

		sold := txn.SellOrder.Inventory
		if err := s.db.UpdateInventoryStatus(ctx, sold.ID, market.InventoryDelivered); err != nil {
			return err
		}
		delivered := &market.Inventory{
			OwnerID:      txn.BuyOrder.BuyerID,
			StockID:      sold.StockID,
			Value:        txn.Price,
			Status:       market.InventoryAvailable,
			RelatedBuyID: &txn.BuyOrder.ID,
		}
		return s.db.CreateInventory(ctx, delivered)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("transaction_id", transactionID).
		Uint("buyer_id", txn.BuyOrder.BuyerID).
		Msg("transaction closed, unit delivered")
	return txn, nil
}

// ReleaseEscrow pays the trade price out of escrow to the seller. It is only
// allowed once, after the transaction is CLOSED.
func (s *Service) ReleaseEscrow(ctx context.Context, transactionID string) (*market.Transaction, error) {
	txn, err := s.advance(ctx, transactionID, func(ctx context.Context, txn *market.Transaction, now time.Time) error {
		if txn.Status != market.TransactionClosed {
			return fmt.Errorf("%w: cannot release escrow of %s transaction %s", ErrInvalidTransition, txn.Status, txn.TransactionID)
		}
		if txn.EscrowReleasedAt != nil {
			return fmt.Errorf("%w: %s", ErrEscrowAlreadyReleased, txn.TransactionID)
		}

		seller, err := s.gateway.AccountByOwner(ctx, txn.SellOrder.SellerID)
		if err != nil {
			return err
		}
		ok, err := s.db.MarkEscrowReleased(ctx, txn.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrEscrowAlreadyReleased, txn.TransactionID)
		}
		return s.gateway.ReleaseEscrow(ctx, seller.Key, txn.TransactionID)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("transaction_id", transactionID).Msg("escrow release failed")
		return nil, err
	}

	s.logger.Info().
		Str("transaction_id", transactionID).
		Uint("seller_id", txn.SellOrder.SellerID).
		Str("amount", txn.Price.String()).
		Msg("escrow released to seller")
	return txn, nil
}
