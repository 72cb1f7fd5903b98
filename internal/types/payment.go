package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies the external payment provider that emitted an event.
type Provider string

const (
	ProviderFincra Provider = "fincra"
	ProviderKraken Provider = "kraken"
)

// EntityType identifies which financial entity a reference belongs to.
type EntityType string

const (
	EntityEscrow        EntityType = "escrow"
	EntityCashout       EntityType = "cashout"
	EntityExchangeOrder EntityType = "exchange_order"
)

// Canonical event types. The webhook layer normalizes provider-specific
// event names into these before the reconciliation engine sees them.
const (
	EventPaymentReceived = "payment.received"
	EventPayoutSucceeded = "payout.succeeded"
	EventPayoutFailed    = "payout.failed"
)

// PaymentEvent is the verified, parsed form of a single provider webhook
// delivery. The raw payload is kept for idempotency key derivation and audit.
type PaymentEvent struct {
	Provider    Provider          `json:"provider"`
	EventType   string            `json:"event_type"`
	Reference   string            `json:"reference"`
	ProviderRef string            `json:"provider_ref"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RawPayload  []byte            `json:"-"`
}
