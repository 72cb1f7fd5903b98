package entities

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/Moxxcompany/lockbay-core/internal/types"
)

// Escrow holds buyer funds until the seller delivers and the buyer or an
// admin releases. Reference is the external-facing ID ("ESC_...") and is
// what payment providers echo back in webhooks.
type Escrow struct {
	gorm.Model  `json:"-"`
	Reference   string          `gorm:"uniqueIndex" json:"reference"`
	BuyerID     string          `gorm:"index" json:"buyer_id"`
	SellerID    string          `gorm:"index" json:"seller_id"`
	Amount      decimal.Decimal `gorm:"type:decimal(30,8)" json:"amount"`
	FeeAmount   decimal.Decimal `gorm:"type:decimal(30,8)" json:"fee_amount"`
	Currency    string          `json:"currency"`
	Status      string          `gorm:"index" json:"status"`
	LockedRate  decimal.Decimal `gorm:"type:decimal(30,8)" json:"locked_rate"`
	RateSource  string          `json:"rate_source"`
	ProviderRef string          `gorm:"index" json:"provider_ref"`
	HoldRef     string          `json:"hold_ref"`
	PayDeadline time.Time       `json:"pay_deadline"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
}

// Cashout is a withdrawal of platform balance to an external bank account
// or crypto address. HoldRef ties it to the frozen-balance reservation made
// when the cashout was created.
type Cashout struct {
	gorm.Model    `json:"-"`
	Reference     string          `gorm:"uniqueIndex" json:"reference"`
	UserID        string          `gorm:"index" json:"user_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(30,8)" json:"amount"`
	FeeAmount     decimal.Decimal `gorm:"type:decimal(30,8)" json:"fee_amount"`
	Currency      string          `json:"currency"`
	Status        string          `gorm:"index" json:"status"`
	Destination   string          `json:"destination"`      // "bank" or "crypto"
	DestinationID string          `json:"destination_id"`   // masked account / address
	ProviderRef   string          `gorm:"index" json:"provider_ref"`
	HoldRef       string          `json:"hold_ref"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	FailedAt      *time.Time      `json:"failed_at,omitempty"`
}

// ExchangeOrder converts between currencies, e.g. an NGN bank payment paid
// out as crypto. The rate is locked at creation; reconciliation must never
// recompute it from a live quote unless no locked rate exists.
type ExchangeOrder struct {
	gorm.Model     `json:"-"`
	Reference      string          `gorm:"uniqueIndex" json:"reference"`
	UserID         string          `gorm:"index" json:"user_id"`
	SourceCurrency string          `json:"source_currency"`
	SourceAmount   decimal.Decimal `gorm:"type:decimal(30,8)" json:"source_amount"`
	TargetCurrency string          `json:"target_currency"`
	TargetAmount   decimal.Decimal `gorm:"type:decimal(30,8)" json:"target_amount"`
	LockedRate     decimal.Decimal `gorm:"type:decimal(30,8)" json:"locked_rate"`
	RateSource     string          `json:"rate_source"`
	Status         string          `gorm:"index" json:"status"`
	ProviderRef    string          `gorm:"index" json:"provider_ref"`
	PayDeadline    time.Time       `json:"pay_deadline"`
	ConfirmedAt    *time.Time      `json:"confirmed_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Record is a tagged reference to whichever entity variant a payment event
// resolved to. Exactly one of the pointers is set.
type Record struct {
	Type    types.EntityType
	Escrow  *Escrow
	Cashout *Cashout
	Order   *ExchangeOrder
}

// Reference returns the external-facing ID of the wrapped entity.
func (r *Record) Reference() string {
	switch r.Type {
	case types.EntityEscrow:
		return r.Escrow.Reference
	case types.EntityCashout:
		return r.Cashout.Reference
	case types.EntityExchangeOrder:
		return r.Order.Reference
	}
	return ""
}

// Status returns the current status of the wrapped entity.
func (r *Record) Status() string {
	switch r.Type {
	case types.EntityEscrow:
		return r.Escrow.Status
	case types.EntityCashout:
		return r.Cashout.Status
	case types.EntityExchangeOrder:
		return r.Order.Status
	}
	return ""
}

// ExpectedAmount returns the amount the entity is waiting on, in the
// currency reconciliation compares against the received amount.
func (r *Record) ExpectedAmount() (decimal.Decimal, string) {
	switch r.Type {
	case types.EntityEscrow:
		return r.Escrow.Amount.Add(r.Escrow.FeeAmount), r.Escrow.Currency
	case types.EntityCashout:
		return r.Cashout.Amount, r.Cashout.Currency
	case types.EntityExchangeOrder:
		return r.Order.SourceAmount, r.Order.SourceCurrency
	}
	return decimal.Zero, ""
}
