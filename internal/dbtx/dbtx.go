// Package dbtx carries an open gorm transaction through a context.Context so
// that services composed across packages (clearing -> payment -> ledger) write
// through the same transaction without exposing *gorm.DB in their interfaces.
package dbtx

import (
	"context"
	"database/sql"

	"gorm.io/gorm"
)

type txKey struct{}

// With returns a copy of ctx that carries tx
func With(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// From returns the transaction carried by ctx, if any
func From(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	return tx, ok && tx != nil
}

// Conn returns the transaction carried by ctx, or db when there is none.
// The returned handle is bound to ctx.
func Conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := From(ctx); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// Run executes fn inside a transaction. If ctx already carries a transaction
// fn runs inside a savepoint of it, so a failing fn only rolls back its own
// writes. opts only apply when a new top-level transaction is started.
func Run(ctx context.Context, db *gorm.DB, fn func(ctx context.Context) error, opts ...*sql.TxOptions) error {
	if tx, ok := From(ctx); ok {
		return tx.WithContext(ctx).Transaction(func(inner *gorm.DB) error {
			return fn(With(ctx, inner))
		})
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(With(ctx, tx))
	}, opts...)
}
