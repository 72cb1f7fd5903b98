// Package notify is the fire-and-forget outcome sink. Failures here are
// logged and dropped; they must never affect a financial result that has
// already committed.
package notify

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Event describes a settled outcome for user/admin notification.
type Event struct {
	Reference  string
	Entity     string
	Outcome    string // confirmed / failed / blocked
	Amount     decimal.Decimal
	Currency   string
	Recipients []string
	Detail     string
}

// Dispatcher delivers outcome notifications. The Telegram bot integration
// implements this; the core only ever calls it after commit.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event)
}

// LogDispatcher writes notifications to the log. Used in tests and as the
// default sink when no bot transport is wired.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(ctx context.Context, event Event) {
	log.Info().
		Str("reference", event.Reference).
		Str("entity", event.Entity).
		Str("outcome", event.Outcome).
		Str("amount", event.Amount.String()).
		Str("currency", event.Currency).
		Strs("recipients", event.Recipients).
		Msg("notification dispatched")
}
