// Package rates converts between currencies for reconciliation. The locked
// rate stored on the entity at creation always wins; a live quote is a
// degraded fallback that gets flagged in the audit trail.
package rates

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Moxxcompany/lockbay-core/internal/types"
)

// ErrNoQuote is transient: reconciliation should retry, never guess a rate.
var ErrNoQuote = errors.New("no quote available")

// Rate sources recorded on entities and audit events.
const (
	SourceLocked       = "locked"
	SourceLiveFallback = "live_fallback"
)

// QuoteSource supplies a live conversion rate for a currency pair.
type QuoteSource interface {
	Name() string
	Quote(from, to string) (decimal.Decimal, error)
}

// mockVenue simulates an upstream rate venue with partial pair coverage and
// an availability factor, standing in for Kraken/FastForex in this repo.
type mockVenue struct {
	name         string
	availability float64 // 0-1, probability a quote succeeds
	pairs        map[string]decimal.Decimal
}

func (v *mockVenue) Name() string { return v.name }

func (v *mockVenue) Quote(from, to string) (decimal.Decimal, error) {
	if rand.Float64() > v.availability {
		return decimal.Zero, fmt.Errorf("venue %s unavailable: %w", v.name, ErrNoQuote)
	}
	if rate, ok := v.pairs[from+"/"+to]; ok {
		return rate, nil
	}
	if inverse, ok := v.pairs[to+"/"+from]; ok && !inverse.IsZero() {
		return decimal.NewFromInt(1).DivRound(inverse, 12), nil
	}
	return decimal.Zero, fmt.Errorf("venue %s has no pair %s/%s: %w", v.name, from, to, ErrNoQuote)
}

// DefaultVenues returns the built-in mock quote sources, tried in order.
func DefaultVenues() []QuoteSource {
	return []QuoteSource{
		&mockVenue{
			name:         "primary",
			availability: 0.95,
			pairs: map[string]decimal.Decimal{
				"USD/NGN":  decimal.RequireFromString("1520.00"),
				"BTC/USD":  decimal.RequireFromString("64000.00"),
				"BTC/NGN":  decimal.RequireFromString("97280000.00"),
				"USDT/USD": decimal.RequireFromString("1.00"),
			},
		},
		&mockVenue{
			name:         "secondary",
			availability: 0.85,
			pairs: map[string]decimal.Decimal{
				"USD/NGN": decimal.RequireFromString("1522.50"),
				"BTC/USD": decimal.RequireFromString("63950.00"),
			},
		},
	}
}

// Service resolves conversion rates, locked-rate-first.
type Service struct {
	sources []QuoteSource
}

func NewService(sources ...QuoteSource) *Service {
	if len(sources) == 0 {
		sources = DefaultVenues()
	}
	return &Service{sources: sources}
}

// Convert converts amount from one currency to another. When a positive
// lockedRate exists it is used unconditionally; recomputing from a live
// quote for an existing operation is the rate-drift bug this prevents.
// The returned source is recorded on the entity and audit trail.
func (s *Service) Convert(amount decimal.Decimal, from, to string, lockedRate decimal.Decimal) (decimal.Decimal, string, error) {
	if from == to {
		return amount, SourceLocked, nil
	}
	if lockedRate.IsPositive() {
		return amount.Mul(lockedRate).Round(types.DecimalPlaces(to)), SourceLocked, nil
	}

	for _, src := range s.sources {
		rate, err := src.Quote(from, to)
		if err != nil {
			log.Debug().Err(err).Str("venue", src.Name()).
				Str("pair", from+"/"+to).Msg("quote source miss")
			continue
		}
		// Security-relevant degraded path: no locked rate existed for this
		// operation, so a live rate is being applied at reconciliation time.
		log.Warn().
			Str("venue", src.Name()).
			Str("pair", from+"/"+to).
			Str("rate", rate.String()).
			Msg("no locked rate, falling back to live quote")
		return amount.Mul(rate).Round(types.DecimalPlaces(to)), SourceLiveFallback, nil
	}
	return decimal.Zero, "", fmt.Errorf("convert %s/%s: %w", from, to, ErrNoQuote)
}
