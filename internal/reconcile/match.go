package reconcile

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Moxxcompany/lockbay-core/internal/entities"
	"github.com/Moxxcompany/lockbay-core/internal/types"
)

// ErrNoMatch means a strategy found nothing; the next tier is tried.
var ErrNoMatch = errors.New("no matching entity")

// Confidence tiers recorded with every match so operators can see how a
// payment was attributed.
const (
	ConfidenceExact = "exact"
	ConfidenceHigh  = "high"
	ConfidenceLow   = "low"
)

// MatchStrategy locates the financial entity a payment event belongs to.
// Strategies run in fixed priority order; the first hit wins and its name
// and confidence are logged and stored on the outcome.
type MatchStrategy interface {
	Name() string
	Confidence() string
	Locate(db *entities.Database, event types.PaymentEvent) (*entities.Record, error)
}

// directReferenceStrategy matches the provider-echoed reference against the
// entity reference columns.
type directReferenceStrategy struct{}

func (directReferenceStrategy) Name() string       { return "direct_reference" }
func (directReferenceStrategy) Confidence() string { return ConfidenceExact }

func (directReferenceStrategy) Locate(db *entities.Database, event types.PaymentEvent) (*entities.Record, error) {
	if event.Reference == "" {
		return nil, ErrNoMatch
	}
	record, err := db.FindByReference(event.Reference)
	if errors.Is(err, entities.ErrNotFound) {
		return nil, ErrNoMatch
	}
	return record, err
}

// metadataReferenceStrategy cross-references the provider transaction ID and
// any references buried in webhook metadata.
type metadataReferenceStrategy struct{}

func (metadataReferenceStrategy) Name() string       { return "metadata_reference" }
func (metadataReferenceStrategy) Confidence() string { return ConfidenceHigh }

// metadataRefKeys are the metadata fields providers are known to stash our
// reference in.
var metadataRefKeys = []string{"reference", "merchant_reference", "order_id", "narration"}

func (metadataReferenceStrategy) Locate(db *entities.Database, event types.PaymentEvent) (*entities.Record, error) {
	if event.ProviderRef != "" {
		record, err := db.FindByProviderRef(event.ProviderRef)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, entities.ErrNotFound) {
			return nil, err
		}
	}
	for _, key := range metadataRefKeys {
		value, ok := event.Metadata[key]
		if !ok || value == "" {
			continue
		}
		record, err := db.FindByReference(value)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, entities.ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNoMatch
}

// amountWindowStrategy is the last resort: a unique entity awaiting payment
// with a close-enough amount in a recent window. Disabled by default
// (zero tolerance); operators opt in via config.
type amountWindowStrategy struct {
	tolerance decimal.Decimal
	window    time.Duration
}

func (amountWindowStrategy) Name() string       { return "amount_window" }
func (amountWindowStrategy) Confidence() string { return ConfidenceLow }

func (s amountWindowStrategy) Locate(db *entities.Database, event types.PaymentEvent) (*entities.Record, error) {
	if !s.tolerance.IsPositive() {
		return nil, ErrNoMatch
	}
	record, err := db.FindAwaitingPaymentByAmountWindow(event.Currency, event.Amount, s.tolerance, s.window)
	if errors.Is(err, entities.ErrNotFound) {
		return nil, ErrNoMatch
	}
	return record, err
}
