// Package dbtest opens throwaway SQLite databases for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a private in-memory database with models migrated. The
// database lives as long as its single pooled connection, which is closed
// when the test finishes.
func Open(t testing.TB, models ...any) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_foreign_keys=on"
	return open(t, dsn, 1, models...)
}

// OpenFile returns a file-backed database in the test's temp dir with a pool
// of conns connections. Transactions begin IMMEDIATE, so concurrent writers
// queue on the database lock the way they do in the server's default
// configuration.
func OpenFile(t testing.TB, conns int, models ...any) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "market.db")
	dsn := "file:" + path + "?_txlock=immediate&_busy_timeout=10000&_foreign_keys=on"
	return open(t, dsn, conns, models...)
}

func open(t testing.TB, dsn string, conns int, models ...any) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("test database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(conns)
	sqlDB.SetMaxIdleConns(conns)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("migrate test database: %v", err)
		}
	}
	return db
}
