package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Wallet is the per-user, per-currency balance row. All three balances are
// invariant-checked to stay >= 0; wallets are created lazily on first use
// and never deleted, only zeroed.
type Wallet struct {
	gorm.Model    `json:"-"`
	UserID        string          `gorm:"uniqueIndex:idx_wallet_user_currency" json:"user_id"`
	Currency      string          `gorm:"uniqueIndex:idx_wallet_user_currency" json:"currency"`
	Available     decimal.Decimal `gorm:"type:decimal(30,8)" json:"available"`
	Frozen        decimal.Decimal `gorm:"type:decimal(30,8)" json:"frozen"`
	TradingCredit decimal.Decimal `gorm:"type:decimal(30,8)" json:"trading_credit"`
}

// AuditEvent records every fund movement with before/after balances. Rows
// are append-only: nothing in the codebase updates or deletes them.
type AuditEvent struct {
	ID              uint            `gorm:"primarykey" json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	Operation       string          `gorm:"index" json:"operation"`
	UserID          string          `gorm:"index" json:"user_id"`
	Currency        string          `json:"currency"`
	Amount          decimal.Decimal `gorm:"type:decimal(30,8)" json:"amount"`
	HoldRef         string          `gorm:"index" json:"hold_ref,omitempty"`
	CorrelationID   string          `gorm:"index" json:"correlation_id,omitempty"`
	Actor           string          `json:"actor"`
	Reason          string          `json:"reason,omitempty"`
	AvailableBefore decimal.Decimal `gorm:"type:decimal(30,8)" json:"available_before"`
	AvailableAfter  decimal.Decimal `gorm:"type:decimal(30,8)" json:"available_after"`
	FrozenBefore    decimal.Decimal `gorm:"type:decimal(30,8)" json:"frozen_before"`
	FrozenAfter     decimal.Decimal `gorm:"type:decimal(30,8)" json:"frozen_after"`
	CreditBefore    decimal.Decimal `gorm:"type:decimal(30,8)" json:"credit_before"`
	CreditAfter     decimal.Decimal `gorm:"type:decimal(30,8)" json:"credit_after"`
}

// Audit operation names
const (
	OpFreeze      = "freeze"
	OpConsumeHold = "consume_hold"
	OpReleaseHold = "release_hold"
	OpCredit      = "credit"
	OpDebit       = "debit"
	OpTransfer    = "transfer_held"
)
