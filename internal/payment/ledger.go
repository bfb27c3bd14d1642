package payment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-market/internal/dbtx"
	"github.com/ksred/klear-market/internal/ledger"
)

// LedgerGateway settles through the internal double-entry ledger. It never
// returns ErrUnauthorized.
type LedgerGateway struct {
	gormDB *gorm.DB
	ledger *ledger.Service
	escrow EscrowPolicy
	pricer TransactionPricer
	logger zerolog.Logger
}

type Option func(*LedgerGateway)

// WithEscrowPolicy replaces the default PerTransactionEscrow policy
func WithEscrowPolicy(policy EscrowPolicy) Option {
	return func(g *LedgerGateway) {
		g.escrow = policy
	}
}

func NewLedgerGateway(gormDB *gorm.DB, pricer TransactionPricer, opts ...Option) *LedgerGateway {
	g := &LedgerGateway{
		gormDB: gormDB,
		ledger: ledger.NewService(gormDB),
		escrow: PerTransactionEscrow{},
		pricer: pricer,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = log.With().
		Str("service", "payment").
		Str("escrow_policy", g.escrow.Name()).
		Logger()
	return g
}

// Ledger exposes the underlying ledger for audit reads
func (g *LedgerGateway) Ledger() *ledger.Service {
	return g.ledger
}

func toAccount(a *ledger.Account) *Account {
	account := &Account{Key: a.AccountKey}
	if a.OwnerID != nil {
		account.OwnerID = *a.OwnerID
	}
	return account
}

func (g *LedgerGateway) CreateAccount(ctx context.Context, participantID uint) (*Account, error) {
	a, err := g.ledger.CreateAccount(ctx, participantID)
	if err != nil {
		return nil, err
	}
	return toAccount(a), nil
}

func (g *LedgerGateway) AccountByOwner(ctx context.Context, participantID uint) (*Account, error) {
	a, err := g.ledger.AccountByOwner(ctx, participantID)
	if err != nil {
		return nil, err
	}
	return toAccount(a), nil
}

func (g *LedgerGateway) Balance(ctx context.Context, accountKey string) (decimal.Decimal, error) {
	return g.ledger.Balance(ctx, accountKey)
}

func (g *LedgerGateway) TransferFunds(ctx context.Context, fromKey, toKey string, amount decimal.Decimal) error {
	return dbtx.Run(ctx, g.gormDB, func(ctx context.Context) error {
		return g.transfer(ctx, fromKey, toKey, amount, "transfer")
	})
}

// transfer checks the source balance and records the transfer. It must run
// inside a transaction; the row lock on the source account keeps concurrent
// transfers from both passing the check.
func (g *LedgerGateway) transfer(ctx context.Context, fromKey, toKey string, amount decimal.Decimal, memo string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	if _, err := g.ledger.LockAccount(ctx, fromKey); err != nil {
		return err
	}
	balance, err := g.ledger.Balance(ctx, fromKey)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, balance, amount)
	}
	_, err = g.ledger.RecordTransfer(ctx, fromKey, toKey, amount, memo)
	return err
}

func (g *LedgerGateway) EscrowFunds(ctx context.Context, fromKey, transactionID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: escrow of %s", ErrInvalidAmount, amount)
	}

	err := dbtx.Run(ctx, g.gormDB, func(ctx context.Context) error {
		escrow, err := g.escrow.Open(ctx, g.ledger, transactionID)
		if err != nil {
			return fmt.Errorf("open escrow: %w", err)
		}
		return g.transfer(ctx, fromKey, escrow.AccountKey, amount, "escrow "+transactionID)
	})
	if err != nil {
		return err
	}

	g.logger.Info().
		Str("transaction_id", transactionID).
		Str("from", fromKey).
		Str("amount", amount.String()).
		Msg("funds escrowed")
	return nil
}

func (g *LedgerGateway) ReleaseEscrow(ctx context.Context, sellerKey, transactionID string) error {
	var price decimal.Decimal
	err := dbtx.Run(ctx, g.gormDB, func(ctx context.Context) error {
		var err error
		price, err = g.pricer.TransactionPrice(ctx, transactionID)
		if err != nil {
			return err
		}
		escrow, err := g.escrow.Resolve(ctx, g.ledger, transactionID)
		if err != nil {
			return fmt.Errorf("resolve escrow: %w", err)
		}
		return g.transfer(ctx, escrow.AccountKey, sellerKey, price, "release "+transactionID)
	})
	if err != nil {
		return err
	}

	g.logger.Info().
		Str("transaction_id", transactionID).
		Str("to", sellerKey).
		Str("amount", price.String()).
		Msg("escrow released")
	return nil
}

// Deposit funds an account from the treasury. The treasury may go
// negative, which keeps the ledger as a whole summing to zero.
func (g *LedgerGateway) Deposit(ctx context.Context, accountKey string, amount decimal.Decimal) error {
	err := dbtx.Run(ctx, g.gormDB, func(ctx context.Context) error {
		treasury, err := g.ledger.TreasuryAccount(ctx)
		if err != nil {
			return err
		}
		_, err = g.ledger.RecordTransfer(ctx, treasury.AccountKey, accountKey, amount, "deposit")
		return err
	})
	if err != nil {
		return err
	}

	g.logger.Info().
		Str("account_key", accountKey).
		Str("amount", amount.String()).
		Msg("deposit recorded")
	return nil
}

var _ Gateway = (*LedgerGateway)(nil)
