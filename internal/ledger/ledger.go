// Package ledger is the source of truth for balances. Every mutation runs
// against a caller-supplied transaction handle so fund movement and the
// accompanying entity status change share one commit.
package ledger

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Moxxcompany/lockbay-core/internal/types"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInsufficientHold  = errors.New("insufficient frozen balance for hold")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// WithTx binds the ledger to an open transaction.
func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

// Movement carries audit context for a ledger operation.
type Movement struct {
	HoldRef       string
	CorrelationID string
	Actor         string
	Reason        string
}

// lockWallet fetches the wallet row under a row lock, creating it lazily.
// Callers touching two wallets must go through lockWallets so acquisition
// order stays stable.
func (d *Database) lockWallet(userID, currency string) (*Wallet, error) {
	var wallet Wallet
	err := d.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND currency = ?", userID, currency).
		First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		wallet = Wallet{
			UserID:        userID,
			Currency:      currency,
			Available:     decimal.Zero,
			Frozen:        decimal.Zero,
			TradingCredit: decimal.Zero,
		}
		if err := d.db.Create(&wallet).Error; err != nil {
			return nil, fmt.Errorf("ledger: create wallet: %w", err)
		}
		return &wallet, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: lock wallet: %w", err)
	}
	return &wallet, nil
}

// lockWallets locks two wallets in stable (userID, currency) key order to
// prevent deadlocks when concurrent operations need both.
func (d *Database) lockWallets(userA, currencyA, userB, currencyB string) (*Wallet, *Wallet, error) {
	keyA := userA + "|" + currencyA
	keyB := userB + "|" + currencyB
	if keyA <= keyB {
		a, err := d.lockWallet(userA, currencyA)
		if err != nil {
			return nil, nil, err
		}
		b, err := d.lockWallet(userB, currencyB)
		if err != nil {
			return nil, nil, err
		}
		return a, b, nil
	}
	b, err := d.lockWallet(userB, currencyB)
	if err != nil {
		return nil, nil, err
	}
	a, err := d.lockWallet(userA, currencyA)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func (d *Database) saveWithAudit(wallet *Wallet, before Wallet, op string, amount decimal.Decimal, mv Movement) error {
	if wallet.Available.IsNegative() || wallet.Frozen.IsNegative() || wallet.TradingCredit.IsNegative() {
		return fmt.Errorf("ledger: %s would drive a balance negative for %s/%s", op, wallet.UserID, wallet.Currency)
	}
	if err := d.db.Save(wallet).Error; err != nil {
		return fmt.Errorf("ledger: save wallet: %w", err)
	}
	event := AuditEvent{
		Operation:       op,
		UserID:          wallet.UserID,
		Currency:        wallet.Currency,
		Amount:          amount,
		HoldRef:         mv.HoldRef,
		CorrelationID:   mv.CorrelationID,
		Actor:           mv.Actor,
		Reason:          mv.Reason,
		AvailableBefore: before.Available,
		AvailableAfter:  wallet.Available,
		FrozenBefore:    before.Frozen,
		FrozenAfter:     wallet.Frozen,
		CreditBefore:    before.TradingCredit,
		CreditAfter:     wallet.TradingCredit,
	}
	if err := d.db.Create(&event).Error; err != nil {
		return fmt.Errorf("ledger: write audit event: %w", err)
	}
	return nil
}

// Freeze moves amount into the frozen balance, consuming trading credit
// first and then available funds. Fails with ErrInsufficientFunds when
// credit + available cannot cover the amount.
func (d *Database) Freeze(userID, currency string, amount decimal.Decimal, mv Movement) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	amount = amount.Round(types.DecimalPlaces(currency))

	wallet, err := d.lockWallet(userID, currency)
	if err != nil {
		return err
	}
	before := *wallet

	if wallet.TradingCredit.Add(wallet.Available).LessThan(amount) {
		return ErrInsufficientFunds
	}

	fromCredit := decimal.Min(wallet.TradingCredit, amount)
	fromAvailable := amount.Sub(fromCredit)
	wallet.TradingCredit = wallet.TradingCredit.Sub(fromCredit)
	wallet.Available = wallet.Available.Sub(fromAvailable)
	wallet.Frozen = wallet.Frozen.Add(amount)

	return d.saveWithAudit(wallet, before, OpFreeze, amount, mv)
}

// ConsumeHold permanently removes amount from the frozen balance. Used when
// the transaction backing a hold succeeds; the funds do not return to
// available.
func (d *Database) ConsumeHold(userID, currency string, amount decimal.Decimal, mv Movement) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	amount = amount.Round(types.DecimalPlaces(currency))

	wallet, err := d.lockWallet(userID, currency)
	if err != nil {
		return err
	}
	before := *wallet

	if wallet.Frozen.LessThan(amount) {
		return ErrInsufficientHold
	}
	wallet.Frozen = wallet.Frozen.Sub(amount)

	return d.saveWithAudit(wallet, before, OpConsumeHold, amount, mv)
}

// ReleaseHold returns amount from the frozen balance to available. Used when
// the transaction backing a hold is cancelled or failed.
func (d *Database) ReleaseHold(userID, currency string, amount decimal.Decimal, mv Movement) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	amount = amount.Round(types.DecimalPlaces(currency))

	wallet, err := d.lockWallet(userID, currency)
	if err != nil {
		return err
	}
	before := *wallet

	if wallet.Frozen.LessThan(amount) {
		return ErrInsufficientHold
	}
	wallet.Frozen = wallet.Frozen.Sub(amount)
	wallet.Available = wallet.Available.Add(amount)

	return d.saveWithAudit(wallet, before, OpReleaseHold, amount, mv)
}

// Credit increases the available balance directly: deposits, refunds,
// overpayment credits.
func (d *Database) Credit(userID, currency string, amount decimal.Decimal, mv Movement) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	amount = amount.Round(types.DecimalPlaces(currency))

	wallet, err := d.lockWallet(userID, currency)
	if err != nil {
		return err
	}
	before := *wallet

	wallet.Available = wallet.Available.Add(amount)

	return d.saveWithAudit(wallet, before, OpCredit, amount, mv)
}

// Debit decreases the available balance directly. External withdrawals and
// fees only; holds go through Freeze.
func (d *Database) Debit(userID, currency string, amount decimal.Decimal, mv Movement) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	amount = amount.Round(types.DecimalPlaces(currency))

	wallet, err := d.lockWallet(userID, currency)
	if err != nil {
		return err
	}
	before := *wallet

	if wallet.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}
	wallet.Available = wallet.Available.Sub(amount)

	return d.saveWithAudit(wallet, before, OpDebit, amount, mv)
}

// TransferHeld moves a held amount from one user's frozen balance into
// another user's available balance, e.g. an escrow release to the seller.
// Both wallets are locked in stable key order.
func (d *Database) TransferHeld(fromUserID, toUserID, currency string, amount decimal.Decimal, mv Movement) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	amount = amount.Round(types.DecimalPlaces(currency))

	from, to, err := d.lockWallets(fromUserID, currency, toUserID, currency)
	if err != nil {
		return err
	}
	fromBefore := *from
	toBefore := *to

	if from.Frozen.LessThan(amount) {
		return ErrInsufficientHold
	}
	from.Frozen = from.Frozen.Sub(amount)
	to.Available = to.Available.Add(amount)

	if err := d.saveWithAudit(from, fromBefore, OpTransfer, amount.Neg(), mv); err != nil {
		return err
	}
	return d.saveWithAudit(to, toBefore, OpTransfer, amount, mv)
}

// GetWallet returns the wallet row without locking, creating nothing.
func (d *Database) GetWallet(userID, currency string) (*Wallet, error) {
	var wallet Wallet
	err := d.db.Where("user_id = ? AND currency = ?", userID, currency).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Wallet{
			UserID:        userID,
			Currency:      currency,
			Available:     decimal.Zero,
			Frozen:        decimal.Zero,
			TradingCredit: decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// AuditTrail returns the most recent audit events for a correlation ID.
func (d *Database) AuditTrail(correlationID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var events []AuditEvent
	err := d.db.Where("correlation_id = ?", correlationID).
		Order("id DESC").Limit(limit).Find(&events).Error
	return events, err
}

// HasMovement reports whether any audit event exists for the given hold
// reference and operation. Used by post-commit verification.
func (d *Database) HasMovement(holdRef, operation string) (bool, error) {
	var count int64
	err := d.db.Model(&AuditEvent{}).
		Where("hold_ref = ? AND operation = ?", holdRef, operation).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 1 {
		log.Warn().Str("hold_ref", holdRef).Str("operation", operation).
			Int64("count", count).Msg("multiple audit events for one hold")
	}
	return count > 0, nil
}
