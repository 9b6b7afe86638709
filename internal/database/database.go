package database

import (
	"fmt"

	"github.com/ksred/lem-clearing/internal/accounts"
	"github.com/ksred/lem-clearing/internal/database/migrations"
	"github.com/ksred/lem-clearing/internal/ledger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the sqlite database at path and migrates every schema.
// Ledger operations are serialized, so the pool is capped at one connection;
// this also keeps in-memory databases alive for the life of the handle.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	// Run migrations
	if err := migrations.AddMarketTables(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&accounts.Account{},
		&accounts.IdempotencyRecord{},
		&ledger.Event{},
	)
	if err != nil {
		return nil, err
	}

	if err := migrations.AddClearingIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// MemoryPath returns a DSN for a private in-memory database called name.
func MemoryPath(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}
