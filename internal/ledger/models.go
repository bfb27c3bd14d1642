package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	KindParticipant = "PARTICIPANT"
	KindEscrow      = "ESCROW"
	KindTreasury    = "TREASURY"

	// TreasuryRef is the system reference of the single treasury account
	TreasuryRef = "treasury"
)

// Account is addressed from outside by AccountKey only; the database id
// never leaves this package.
type Account struct {
	gorm.Model `json:"-"`
	AccountKey string  `gorm:"uniqueIndex;not null" json:"account_key"`
	Kind       string  `gorm:"not null;index" json:"kind"`
	OwnerID    *uint   `gorm:"uniqueIndex" json:"owner_id,omitempty"`
	SystemRef  *string `gorm:"uniqueIndex" json:"system_ref,omitempty"`
}

// LedgerEntry is one side of a transfer. Amount is in base units, positive
// for a credit to AccountID.
type LedgerEntry struct {
	gorm.Model
	AccountID      uint      `gorm:"not null;index"`
	OtherAccountID *uint     `gorm:"index"`
	Amount         int64     `gorm:"not null"`
	Memo           string    `gorm:"size:255"`
	TxID           string    `gorm:"not null;index"`
	EntryAt        time.Time `gorm:"not null"`
}

// Entry is the audit view of a LedgerEntry
type Entry struct {
	AccountKey      string          `json:"account_key"`
	CounterpartyKey string          `json:"counterparty_key,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Memo            string          `json:"memo"`
	TxID            string          `json:"txid"`
	EntryAt         time.Time       `json:"entry_at"`
}
