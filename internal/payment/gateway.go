// Package payment is the settlement-backend boundary of the market. The
// clearing engine and the transaction lifecycle only ever talk to a Gateway;
// LedgerGateway is the backend that settles through the internal ledger.
package payment

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-market/internal/ledger"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrUnauthorized       = errors.New("operation not authorized by payment backend")
	ErrUnknownTransaction = errors.New("unknown transaction")

	// Shared with the ledger so that errors.Is matches at either layer
	ErrInvalidAmount  = ledger.ErrInvalidAmount
	ErrUnknownAccount = ledger.ErrUnknownAccount
)

// Account is the gateway's view of an account. It never exposes backend ids.
type Account struct {
	Key     string `json:"account_key"`
	OwnerID uint   `json:"owner_id"`
}

// Gateway is the capability set every settlement backend provides
type Gateway interface {
	CreateAccount(ctx context.Context, participantID uint) (*Account, error)
	AccountByOwner(ctx context.Context, participantID uint) (*Account, error)
	Balance(ctx context.Context, accountKey string) (decimal.Decimal, error)
	// TransferFunds fails with ErrInsufficientFunds when the source balance is
	// below amount. The check and the transfer are atomic per source account.
	TransferFunds(ctx context.Context, fromKey, toKey string, amount decimal.Decimal) error
	// EscrowFunds moves amount from the payer into escrow for a market
	// transaction.
	EscrowFunds(ctx context.Context, fromKey, transactionID string, amount decimal.Decimal) error
	// ReleaseEscrow pays the agreed price of a market transaction out of
	// escrow to the seller. Calling it twice pays twice.
	ReleaseEscrow(ctx context.Context, sellerKey, transactionID string) error
}

// TransactionPricer resolves the agreed price of a market transaction. It
// returns ErrUnknownTransaction when the id does not resolve.
type TransactionPricer interface {
	TransactionPrice(ctx context.Context, transactionID string) (decimal.Decimal, error)
}
