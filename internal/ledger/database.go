package ledger

import (
	"context"
	"errors"

	"github.com/ksred/klear-market/internal/dbtx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) conn(ctx context.Context) *gorm.DB {
	return dbtx.Conn(ctx, d.db)
}

func (d *Database) CreateAccount(ctx context.Context, account *Account) error {
	return d.conn(ctx).Create(account).Error
}

func (d *Database) getAccount(ctx context.Context, query string, args ...interface{}) (*Account, error) {
	var account Account
	if err := d.conn(ctx).Where(query, args...).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// GetAccountByKey returns nil when the key does not resolve
func (d *Database) GetAccountByKey(ctx context.Context, key string) (*Account, error) {
	return d.getAccount(ctx, "account_key = ?", key)
}

func (d *Database) GetAccountByOwner(ctx context.Context, ownerID uint) (*Account, error) {
	return d.getAccount(ctx, "owner_id = ?", ownerID)
}

func (d *Database) GetAccountBySystemRef(ctx context.Context, ref string) (*Account, error) {
	return d.getAccount(ctx, "system_ref = ?", ref)
}

// LockAccountByKey reads the account row with FOR UPDATE. The SQLite
// dialector drops the locking clause; writers there are already serialized.
func (d *Database) LockAccountByKey(ctx context.Context, key string) (*Account, error) {
	var account Account
	err := d.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_key = ?", key).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// SumEntries returns the balance of accountID in base units
func (d *Database) SumEntries(ctx context.Context, accountID uint) (int64, error) {
	var total int64
	err := d.conn(ctx).Raw(`
		SELECT CAST(COALESCE(SUM(amount), 0) AS BIGINT)
		FROM ledger_entries
		WHERE account_id = ? AND deleted_at IS NULL`, accountID).
		Scan(&total).Error
	return total, err
}

// SumAllEntries returns the sum over the whole ledger in base units
func (d *Database) SumAllEntries(ctx context.Context) (int64, error) {
	var total int64
	err := d.conn(ctx).Raw(`
		SELECT CAST(COALESCE(SUM(amount), 0) AS BIGINT)
		FROM ledger_entries
		WHERE deleted_at IS NULL`).
		Scan(&total).Error
	return total, err
}

func (d *Database) CreateEntries(ctx context.Context, entries []LedgerEntry) error {
	return d.conn(ctx).Create(&entries).Error
}

// GetEntries returns the rows whose primary side is accountID, oldest first
func (d *Database) GetEntries(ctx context.Context, accountID uint) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := d.conn(ctx).
		Where("account_id = ?", accountID).
		Order("entry_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// GetAccountKeys maps account ids to their keys
func (d *Database) GetAccountKeys(ctx context.Context, ids []uint) (map[uint]string, error) {
	keys := make(map[uint]string, len(ids))
	if len(ids) == 0 {
		return keys, nil
	}
	var accounts []Account
	if err := d.conn(ctx).Where("id IN ?", ids).Find(&accounts).Error; err != nil {
		return nil, err
	}
	for _, a := range accounts {
		keys[a.ID] = a.AccountKey
	}
	return keys, nil
}
