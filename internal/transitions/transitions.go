// Package transitions holds the per-entity-type state transition tables.
// It is deliberately pure: no storage, no logging, no clock. Callers log
// rejections themselves using the reason returned by Validate.
package transitions

import (
	"fmt"

	"github.com/Moxxcompany/lockbay-core/internal/types"
)

// Escrow statuses
const (
	EscrowCreated          = "CREATED"
	EscrowPaymentPending   = "PAYMENT_PENDING"
	EscrowPaymentConfirmed = "PAYMENT_CONFIRMED"
	EscrowAwaitingSeller   = "AWAITING_SELLER"
	EscrowActive           = "ACTIVE"
	EscrowCompleted        = "COMPLETED"
	EscrowRefunded         = "REFUNDED"
	EscrowDisputed         = "DISPUTED"
	EscrowCancelled        = "CANCELLED"
	EscrowExpired          = "EXPIRED"
)

// Cashout statuses
const (
	CashoutCreated    = "CREATED"
	CashoutProcessing = "PROCESSING"
	CashoutSuccess    = "SUCCESS"
	CashoutFailed     = "FAILED"
	CashoutCancelled  = "CANCELLED"
)

// Exchange order statuses
const (
	ExchangeCreated          = "CREATED"
	ExchangePaymentPending   = "PAYMENT_PENDING"
	ExchangePaymentConfirmed = "PAYMENT_CONFIRMED"
	ExchangeProcessing       = "PROCESSING"
	ExchangeCompleted        = "COMPLETED"
	ExchangeFailed           = "FAILED"
	ExchangeCancelled        = "CANCELLED"
	ExchangeExpired          = "EXPIRED"
)

type edge struct {
	to        string
	adminOnly bool
}

type graph map[string][]edge

var escrowGraph = graph{
	EscrowCreated: {
		{to: EscrowPaymentPending},
		{to: EscrowCancelled},
		{to: EscrowExpired},
	},
	EscrowPaymentPending: {
		{to: EscrowPaymentConfirmed},
		{to: EscrowCancelled},
		{to: EscrowExpired},
	},
	EscrowPaymentConfirmed: {
		{to: EscrowAwaitingSeller},
	},
	EscrowAwaitingSeller: {
		{to: EscrowActive},
		{to: EscrowRefunded, adminOnly: true},
	},
	EscrowActive: {
		{to: EscrowCompleted},
		{to: EscrowRefunded},
		{to: EscrowDisputed},
		{to: EscrowCancelled, adminOnly: true},
	},
	// Dispute resolution is an explicit admin override out of an otherwise
	// protected state.
	EscrowDisputed: {
		{to: EscrowCompleted, adminOnly: true},
		{to: EscrowRefunded, adminOnly: true},
	},
	EscrowCompleted: {},
	EscrowRefunded:  {},
	EscrowCancelled: {},
	EscrowExpired:   {},
}

var cashoutGraph = graph{
	CashoutCreated: {
		{to: CashoutProcessing},
		{to: CashoutCancelled},
	},
	CashoutProcessing: {
		{to: CashoutSuccess},
		{to: CashoutFailed},
	},
	// Manual retry of a failed payout requires an operator.
	CashoutFailed: {
		{to: CashoutProcessing, adminOnly: true},
	},
	CashoutSuccess:   {},
	CashoutCancelled: {},
}

var exchangeGraph = graph{
	ExchangeCreated: {
		{to: ExchangePaymentPending},
		{to: ExchangeCancelled},
		{to: ExchangeExpired},
	},
	ExchangePaymentPending: {
		{to: ExchangePaymentConfirmed},
		{to: ExchangeCancelled},
		{to: ExchangeExpired},
	},
	ExchangePaymentConfirmed: {
		{to: ExchangeProcessing},
	},
	ExchangeProcessing: {
		{to: ExchangeCompleted},
		{to: ExchangeFailed},
	},
	ExchangeFailed: {
		{to: ExchangeProcessing, adminOnly: true},
	},
	ExchangeCompleted: {},
	ExchangeCancelled: {},
	ExchangeExpired:   {},
}

var graphs = map[types.EntityType]graph{
	types.EntityEscrow:        escrowGraph,
	types.EntityCashout:       cashoutGraph,
	types.EntityExchangeOrder: exchangeGraph,
}

// protected states have no non-admin outgoing edges; a late-arriving webhook
// must never move an entity out of one of these.
var protected = map[string]struct{}{
	EscrowCompleted: {}, // shared with ExchangeCompleted
	EscrowRefunded:  {},
	EscrowDisputed:  {},
	EscrowCancelled: {}, // shared with CashoutCancelled, ExchangeCancelled
	EscrowExpired:   {}, // shared with ExchangeExpired
	CashoutSuccess:  {},
	CashoutFailed:   {}, // shared with ExchangeFailed
}

// IsProtected reports whether a status is terminal or dispute-locked for
// non-admin actors.
func IsProtected(status string) bool {
	_, ok := protected[status]
	return ok
}

// IsValidTransition reports whether moving from one status to another is
// legal for the given entity type. Unknown entity types and unknown current
// states fail closed.
func IsValidTransition(entity types.EntityType, from, to string, actorIsAdmin bool) bool {
	g, ok := graphs[entity]
	if !ok {
		return false
	}
	edges, ok := g[from]
	if !ok {
		return false
	}
	for _, e := range edges {
		if e.to != to {
			continue
		}
		if e.adminOnly && !actorIsAdmin {
			return false
		}
		return true
	}
	return false
}

// Validate wraps IsValidTransition with a human-readable rejection reason
// for logging and audit. An empty reason means the transition is allowed.
func Validate(entity types.EntityType, from, to string, actorIsAdmin bool) (bool, string) {
	g, ok := graphs[entity]
	if !ok {
		return false, fmt.Sprintf("unknown entity type %q", entity)
	}
	if _, ok := g[from]; !ok {
		return false, fmt.Sprintf("unrecognized current state %q, flagging for manual review", from)
	}
	if IsValidTransition(entity, from, to, actorIsAdmin) {
		return true, ""
	}
	if IsProtected(from) && !actorIsAdmin {
		return false, fmt.Sprintf("state %q is protected, transition to %q rejected", from, to)
	}
	return false, fmt.Sprintf("transition %q -> %q is not allowed", from, to)
}
