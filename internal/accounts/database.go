package accounts

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

// NewDatabase binds the account queries to db, which is usually the
// transaction of the current ledger operation.
func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetAccount returns the account of traderID, or nil if it has none yet.
func (d *Database) GetAccount(traderID string) (*Account, error) {
	var account Account
	if err := d.db.Where("trader_id = ?", traderID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// GetOrCreateAccount returns the account of traderID, creating an empty one.
func (d *Database) GetOrCreateAccount(traderID string, now time.Time) (*Account, error) {
	account, err := d.GetAccount(traderID)
	if err != nil || account != nil {
		return account, err
	}
	account = &Account{
		TraderID:  traderID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.db.Create(account).Error; err != nil {
		return nil, err
	}
	return account, nil
}

func (d *Database) UpdateAccount(account *Account) error {
	return d.db.Save(account).Error
}

// GetIdempotencyRecord retrieves an idempotency record by key, or nil.
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) CreateIdempotencyRecord(key, resourceID, resourceType string, expires time.Time) error {
	record := IdempotencyRecord{
		IdempotencyKey: key,
		ResourceID:     resourceID,
		ResourceType:   resourceType,
		ExpiresAt:      expires,
	}
	return d.db.Create(&record).Error
}
