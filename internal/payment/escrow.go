package payment

import (
	"context"

	"github.com/ksred/klear-market/internal/ledger"
)

// EscrowPolicy decides which ledger account holds escrow for a market
// transaction.
type EscrowPolicy interface {
	// Open returns the escrow account for transactionID, creating it if the
	// policy needs to.
	Open(ctx context.Context, l *ledger.Service, transactionID string) (*ledger.Account, error)
	// Resolve returns the escrow account that holds transactionID's funds
	Resolve(ctx context.Context, l *ledger.Service, transactionID string) (*ledger.Account, error)
	Name() string
}

// PerTransactionEscrow keeps one ESCROW account per market transaction,
// referenced by the transaction id.
type PerTransactionEscrow struct{}

func (PerTransactionEscrow) Name() string { return "per_transaction" }

func (PerTransactionEscrow) Open(ctx context.Context, l *ledger.Service, transactionID string) (*ledger.Account, error) {
	return l.SystemAccount(ctx, ledger.KindEscrow, transactionID)
}

func (PerTransactionEscrow) Resolve(ctx context.Context, l *ledger.Service, transactionID string) (*ledger.Account, error) {
	return l.AccountBySystemRef(ctx, transactionID)
}

// PoolRefPrefix prefixes the system reference of a pooled escrow account
const PoolRefPrefix = "pool:"

// PooledEscrow routes every escrow through one ownerless ESCROW account
// named after the escrow officer. Being a system account, it cannot be
// claimed by registering a participant under the officer's name.
type PooledEscrow struct {
	ref string
}

func NewPooledEscrow(officerName string) *PooledEscrow {
	return &PooledEscrow{ref: PoolRefPrefix + officerName}
}

func (p *PooledEscrow) Name() string { return "pooled" }

func (p *PooledEscrow) Open(ctx context.Context, l *ledger.Service, _ string) (*ledger.Account, error) {
	return l.SystemAccount(ctx, ledger.KindEscrow, p.ref)
}

func (p *PooledEscrow) Resolve(ctx context.Context, l *ledger.Service, _ string) (*ledger.Account, error) {
	return l.AccountBySystemRef(ctx, p.ref)
}
