package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Moxxcompany/lockbay-core/internal/database/migrations"
	"github.com/Moxxcompany/lockbay-core/internal/entities"
	"github.com/Moxxcompany/lockbay-core/internal/idempotency"
	"github.com/Moxxcompany/lockbay-core/internal/ledger"
	"github.com/Moxxcompany/lockbay-core/internal/locks"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// Auto-migrate schemas before the raw-SQL index migrations that build on
	// top of them
	err = db.AutoMigrate(
		&entities.Escrow{},
		&entities.Cashout{},
		&entities.ExchangeOrder{},
		&ledger.Wallet{},
		&idempotency.Operation{},
		&locks.Lock{},
	)
	if err != nil {
		return nil, err
	}

	if err := migrations.AddReconciliationIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
