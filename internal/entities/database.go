package entities

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/Moxxcompany/lockbay-core/internal/types"
)

var ErrNotFound = errors.New("entity not found")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// WithTx returns a Database bound to an open transaction so entity reads and
// writes share the reconciliation transaction boundary.
func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

func (d *Database) CreateEscrow(escrow *Escrow) error {
	return d.db.Create(escrow).Error
}

func (d *Database) CreateCashout(cashout *Cashout) error {
	return d.db.Create(cashout).Error
}

func (d *Database) CreateExchangeOrder(order *ExchangeOrder) error {
	return d.db.Create(order).Error
}

func (d *Database) GetEscrowByReference(reference string) (*Escrow, error) {
	var escrow Escrow
	if err := d.db.Where("reference = ?", reference).First(&escrow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &escrow, nil
}

func (d *Database) GetCashoutByReference(reference string) (*Cashout, error) {
	var cashout Cashout
	if err := d.db.Where("reference = ?", reference).First(&cashout).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cashout, nil
}

func (d *Database) GetExchangeOrderByReference(reference string) (*ExchangeOrder, error) {
	var order ExchangeOrder
	if err := d.db.Where("reference = ?", reference).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// FindByReference resolves a reference against all three entity tables. The
// reference prefix makes at most one table match in practice, but all are
// tried so mislabeled provider echoes still resolve.
func (d *Database) FindByReference(reference string) (*Record, error) {
	if escrow, err := d.GetEscrowByReference(reference); err == nil {
		return &Record{Type: types.EntityEscrow, Escrow: escrow}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if cashout, err := d.GetCashoutByReference(reference); err == nil {
		return &Record{Type: types.EntityCashout, Cashout: cashout}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if order, err := d.GetExchangeOrderByReference(reference); err == nil {
		return &Record{Type: types.EntityExchangeOrder, Order: order}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return nil, ErrNotFound
}

// FindByProviderRef resolves the provider-side transaction ID stored when an
// operation was handed to the provider.
func (d *Database) FindByProviderRef(providerRef string) (*Record, error) {
	var escrow Escrow
	if err := d.db.Where("provider_ref = ?", providerRef).First(&escrow).Error; err == nil {
		return &Record{Type: types.EntityEscrow, Escrow: &escrow}, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	var cashout Cashout
	if err := d.db.Where("provider_ref = ?", providerRef).First(&cashout).Error; err == nil {
		return &Record{Type: types.EntityCashout, Cashout: &cashout}, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	var order ExchangeOrder
	if err := d.db.Where("provider_ref = ?", providerRef).First(&order).Error; err == nil {
		return &Record{Type: types.EntityExchangeOrder, Order: &order}, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return nil, ErrNotFound
}

// FindAwaitingPaymentByAmountWindow is the last-resort fuzzy lookup: entities
// still awaiting payment in the given currency, created within the window,
// whose expected amount is within tolerance of the received amount. Returns
// ErrNotFound unless exactly one candidate matches; an ambiguous match is
// worse than no match.
func (d *Database) FindAwaitingPaymentByAmountWindow(currency string, amount, tolerance decimal.Decimal, window time.Duration) (*Record, error) {
	since := time.Now().Add(-window)
	var candidates []*Record

	var escrows []Escrow
	if err := d.db.Where("currency = ? AND status = ? AND created_at >= ?",
		currency, "PAYMENT_PENDING", since).Find(&escrows).Error; err != nil {
		return nil, err
	}
	for i := range escrows {
		expected := escrows[i].Amount.Add(escrows[i].FeeAmount)
		if expected.Sub(amount).Abs().LessThanOrEqual(tolerance) {
			candidates = append(candidates, &Record{Type: types.EntityEscrow, Escrow: &escrows[i]})
		}
	}

	var orders []ExchangeOrder
	if err := d.db.Where("source_currency = ? AND status = ? AND created_at >= ?",
		currency, "PAYMENT_PENDING", since).Find(&orders).Error; err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].SourceAmount.Sub(amount).Abs().LessThanOrEqual(tolerance) {
			candidates = append(candidates, &Record{Type: types.EntityExchangeOrder, Order: &orders[i]})
		}
	}

	if len(candidates) != 1 {
		return nil, ErrNotFound
	}
	return candidates[0], nil
}

// UpdateEscrowStatus moves an escrow between statuses with an optimistic
// guard on the expected current status. Returns ErrNotFound if the row was
// concurrently moved away from expectedStatus.
func (d *Database) UpdateEscrowStatus(escrow *Escrow, expectedStatus, newStatus string) error {
	res := d.db.Model(&Escrow{}).
		Where("id = ? AND status = ?", escrow.ID, expectedStatus).
		Update("status", newStatus)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	escrow.Status = newStatus
	return nil
}

func (d *Database) UpdateCashoutStatus(cashout *Cashout, expectedStatus, newStatus string) error {
	res := d.db.Model(&Cashout{}).
		Where("id = ? AND status = ?", cashout.ID, expectedStatus).
		Update("status", newStatus)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	cashout.Status = newStatus
	return nil
}

func (d *Database) UpdateExchangeOrderStatus(order *ExchangeOrder, expectedStatus, newStatus string) error {
	res := d.db.Model(&ExchangeOrder{}).
		Where("id = ? AND status = ?", order.ID, expectedStatus).
		Update("status", newStatus)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	order.Status = newStatus
	return nil
}

func (d *Database) SaveEscrow(escrow *Escrow) error {
	return d.db.Save(escrow).Error
}

func (d *Database) SaveCashout(cashout *Cashout) error {
	return d.db.Save(cashout).Error
}

func (d *Database) SaveExchangeOrder(order *ExchangeOrder) error {
	return d.db.Save(order).Error
}

// ExpireOverdue flags escrows and exchange orders whose payment deadline has
// passed while still awaiting payment. Used by the maintenance sweeper.
func (d *Database) ExpireOverdue(now time.Time) (int64, error) {
	var total int64
	res := d.db.Model(&Escrow{}).
		Where("status IN ? AND pay_deadline < ?", []string{"CREATED", "PAYMENT_PENDING"}, now).
		Update("status", "EXPIRED")
	if res.Error != nil {
		return 0, res.Error
	}
	total += res.RowsAffected
	res = d.db.Model(&ExchangeOrder{}).
		Where("status IN ? AND pay_deadline < ?", []string{"CREATED", "PAYMENT_PENDING"}, now).
		Update("status", "EXPIRED")
	if res.Error != nil {
		return total, res.Error
	}
	total += res.RowsAffected
	return total, nil
}
