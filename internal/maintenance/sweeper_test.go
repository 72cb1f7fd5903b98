package maintenance

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Moxxcompany/lockbay-core/internal/entities"
	"github.com/Moxxcompany/lockbay-core/internal/idempotency"
	"github.com/Moxxcompany/lockbay-core/internal/locks"
)

func setupSweeper(t *testing.T) (*Sweeper, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&entities.Escrow{}, &entities.Cashout{}, &entities.ExchangeOrder{},
		&idempotency.Operation{}, &locks.Lock{},
	))
	return NewSweeper(db, locks.NewManager(db), time.Minute), db
}

func TestSweepExpiresOverdueEntities(t *testing.T) {
	s, db := setupSweeper(t)

	require.NoError(t, db.Create(&entities.Escrow{
		Reference:   "ESC_OLD",
		Amount:      decimal.RequireFromString("10"),
		Currency:    "USD",
		Status:      "PAYMENT_PENDING",
		PayDeadline: time.Now().Add(-time.Hour),
	}).Error)
	require.NoError(t, db.Create(&entities.Escrow{
		Reference:   "ESC_FRESH",
		Amount:      decimal.RequireFromString("10"),
		Currency:    "USD",
		Status:      "PAYMENT_PENDING",
		PayDeadline: time.Now().Add(time.Hour),
	}).Error)

	s.sweep()

	old, err := s.entities.GetEscrowByReference("ESC_OLD")
	require.NoError(t, err)
	assert.Equal(t, "EXPIRED", old.Status)

	fresh, err := s.entities.GetEscrowByReference("ESC_FRESH")
	require.NoError(t, err)
	assert.Equal(t, "PAYMENT_PENDING", fresh.Status)
}

func TestSweepPurgesExpiredIdempotencyRecords(t *testing.T) {
	s, db := setupSweeper(t)

	require.NoError(t, db.Create(&idempotency.Operation{
		Key: "k1", Status: idempotency.StatusCompleted, ExpiresAt: time.Now().Add(-time.Minute),
	}).Error)
	require.NoError(t, db.Create(&idempotency.Operation{
		Key: "k2", Status: idempotency.StatusProcessing, ExpiresAt: time.Now().Add(time.Hour),
	}).Error)

	s.sweep()

	_, err := s.idem.Check("k1")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
	_, err = s.idem.Check("k2")
	assert.NoError(t, err)
}
