package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-market/internal/dbtx"
	"github.com/ksred/klear-market/internal/participant"
)

var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrUnknownOwner   = errors.New("unknown account owner")
	ErrAccountExists  = errors.New("account already exists")
	ErrInvalidKind    = errors.New("invalid account kind")
)

// Service is the double-entry ledger. Balances are always derived from
// entries and never stored.
type Service struct {
	gormDB       *gorm.DB
	db           *Database
	participants *participant.Database
	now          func() time.Time
	logger       zerolog.Logger
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		gormDB:       gormDB,
		db:           NewDatabase(gormDB),
		participants: participant.NewDatabase(gormDB),
		now:          func() time.Time { return time.Now().UTC() },
		logger:       log.With().Str("service", "ledger").Logger(),
	}
}

// CreateAccount opens the account of a participant. Each participant has at
// most one account.
func (s *Service) CreateAccount(ctx context.Context, ownerID uint) (*Account, error) {
	var account *Account
	err := dbtx.Run(ctx, s.gormDB, func(ctx context.Context) error {
		owner, err := s.participants.GetParticipant(ctx, ownerID)
		if err != nil {
			return err
		}
		if owner == nil {
			return fmt.Errorf("%w: participant %d", ErrUnknownOwner, ownerID)
		}

		existing, err := s.db.GetAccountByOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: participant %d", ErrAccountExists, ownerID)
		}

		account = &Account{
			AccountKey: uuid.New().String(),
			Kind:       KindParticipant,
			OwnerID:    lo.ToPtr(ownerID),
		}
		return s.db.CreateAccount(ctx, account)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("account_key", account.AccountKey).
		Uint("owner_id", ownerID).
		Msg("account created")
	return account, nil
}

// CreateSystemAccount opens an ownerless escrow or treasury account
func (s *Service) CreateSystemAccount(ctx context.Context, kind, ref string) (*Account, error) {
	if kind != KindEscrow && kind != KindTreasury {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
	if ref == "" {
		return nil, fmt.Errorf("%w: system accounts need a reference", ErrInvalidKind)
	}

	account := &Account{
		AccountKey: uuid.New().String(),
		Kind:       kind,
		SystemRef:  lo.ToPtr(ref),
	}
	if err := s.db.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("account_key", account.AccountKey).
		Str("kind", kind).
		Str("ref", ref).
		Msg("system account created")
	return account, nil
}

// SystemAccount returns the system account for ref, creating it first if
// it does not exist yet.
func (s *Service) SystemAccount(ctx context.Context, kind, ref string) (*Account, error) {
	var account *Account
	err := dbtx.Run(ctx, s.gormDB, func(ctx context.Context) error {
		existing, err := s.db.GetAccountBySystemRef(ctx, ref)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Kind != kind {
				return fmt.Errorf("%w: %s is a %s account", ErrInvalidKind, ref, existing.Kind)
			}
			account = existing
			return nil
		}
		account, err = s.CreateSystemAccount(ctx, kind, ref)
		return err
	})
	return account, err
}

// TreasuryAccount returns the account that funds deposits
func (s *Service) TreasuryAccount(ctx context.Context) (*Account, error) {
	return s.SystemAccount(ctx, KindTreasury, TreasuryRef)
}

func (s *Service) AccountByKey(ctx context.Context, key string) (*Account, error) {
	account, err := s.db.GetAccountByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, key)
	}
	return account, nil
}

func (s *Service) AccountByOwner(ctx context.Context, ownerID uint) (*Account, error) {
	account, err := s.db.GetAccountByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("%w: participant %d has no account", ErrUnknownAccount, ownerID)
	}
	return account, nil
}

func (s *Service) AccountBySystemRef(ctx context.Context, ref string) (*Account, error) {
	account, err := s.db.GetAccountBySystemRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("%w: system ref %s", ErrUnknownAccount, ref)
	}
	return account, nil
}

// LockAccount takes a row lock on the account for the rest of the current
// transaction. It must be called inside dbtx.Run.
func (s *Service) LockAccount(ctx context.Context, key string) (*Account, error) {
	account, err := s.db.LockAccountByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, key)
	}
	return account, nil
}

// Balance sums the entries whose primary side is the account. Counterpart
// rows written for the other side of a transfer are not counted.
func (s *Service) Balance(ctx context.Context, key string) (decimal.Decimal, error) {
	account, err := s.AccountByKey(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	units, err := s.db.SumEntries(ctx, account.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum entries: %w", err)
	}
	return FromUnits(units), nil
}

// TotalBalance sums every entry in the ledger. It is zero unless the
// ledger is corrupt.
func (s *Service) TotalBalance(ctx context.Context) (decimal.Decimal, error) {
	units, err := s.db.SumAllEntries(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum ledger: %w", err)
	}
	return FromUnits(units), nil
}

// RecordTransfer writes the debit and credit rows of a transfer under one
// txid. It does not check balances; callers guard against overdraft.
func (s *Service) RecordTransfer(ctx context.Context, fromKey, toKey string, amount decimal.Decimal, memo string) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	units, err := ToUnits(amount)
	if err != nil {
		return "", err
	}

	txid := uuid.New().String()
	err = dbtx.Run(ctx, s.gormDB, func(ctx context.Context) error {
		from, err := s.AccountByKey(ctx, fromKey)
		if err != nil {
			return err
		}
		to, err := s.AccountByKey(ctx, toKey)
		if err != nil {
			return err
		}

		now := s.now()
		return s.db.CreateEntries(ctx, []LedgerEntry{
			{
				AccountID:      from.ID,
				OtherAccountID: lo.ToPtr(to.ID),
				Amount:         -units,
				Memo:           memo,
				TxID:           txid,
				EntryAt:        now,
			},
			{
				AccountID:      to.ID,
				OtherAccountID: lo.ToPtr(from.ID),
				Amount:         units,
				Memo:           memo,
				TxID:           txid,
				EntryAt:        now,
			},
		})
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug().
		Str("txid", txid).
		Str("from", fromKey).
		Str("to", toKey).
		Str("amount", amount.String()).
		Str("memo", memo).
		Msg("transfer recorded")
	return txid, nil
}

// Entries returns the account's own ledger rows, oldest first
func (s *Service) Entries(ctx context.Context, key string) ([]Entry, error) {
	account, err := s.AccountByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.GetEntries(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	others := lo.Uniq(lo.FilterMap(rows, func(e LedgerEntry, _ int) (uint, bool) {
		if e.OtherAccountID == nil {
			return 0, false
		}
		return *e.OtherAccountID, true
	}))
	keys, err := s.db.GetAccountKeys(ctx, others)
	if err != nil {
		return nil, err
	}

	return lo.Map(rows, func(e LedgerEntry, _ int) Entry {
		entry := Entry{
			AccountKey: account.AccountKey,
			Amount:     FromUnits(e.Amount),
			Memo:       e.Memo,
			TxID:       e.TxID,
			EntryAt:    e.EntryAt,
		}
		if e.OtherAccountID != nil {
			entry.CounterpartyKey = keys[*e.OtherAccountID]
		}
		return entry
	}), nil
}
