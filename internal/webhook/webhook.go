// Package webhook is the ingress for payment-provider callbacks: signature
// verification, replay rejection and normalization into canonical payment
// events before anything reaches the reconciliation engine.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Moxxcompany/lockbay-core/internal/types"
)

var (
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrBadSignature     = errors.New("signature verification failed")
	ErrStaleEvent       = errors.New("event timestamp outside replay window")
	ErrUnhandledEvent   = errors.New("event type not handled")
	ErrMalformedPayload = errors.New("malformed payload")
)

// ProviderConfig describes how one provider signs its deliveries.
type ProviderConfig struct {
	Secret          string
	SignatureHeader string
	Hash            func() hash.Hash
}

// Service verifies and parses provider deliveries. ReplayWindow bounds how
// old an event timestamp may be; zero disables the check.
type Service struct {
	providers    map[types.Provider]ProviderConfig
	ReplayWindow time.Duration
}

// NewService wires the signing config for each supported provider.
func NewService(fincraSecret, krakenSecret string) *Service {
	return &Service{
		providers: map[types.Provider]ProviderConfig{
			types.ProviderFincra: {
				Secret:          fincraSecret,
				SignatureHeader: "signature",
				Hash:            sha512.New,
			},
			types.ProviderKraken: {
				Secret:          krakenSecret,
				SignatureHeader: "X-Webhook-Signature",
				Hash:            sha256.New,
			},
		},
		ReplayWindow: 5 * time.Minute,
	}
}

// SignatureHeader returns the header name the provider sends its HMAC in.
func (s *Service) SignatureHeader(provider types.Provider) (string, error) {
	cfg, ok := s.providers[provider]
	if !ok {
		return "", ErrUnknownProvider
	}
	return cfg.SignatureHeader, nil
}

// Verify checks the hex HMAC of the raw body in constant time. An empty
// configured secret always fails: better to drop webhooks than accept
// unsigned ones.
func (s *Service) Verify(provider types.Provider, body []byte, signature string) error {
	cfg, ok := s.providers[provider]
	if !ok {
		return ErrUnknownProvider
	}
	if cfg.Secret == "" || signature == "" {
		return ErrBadSignature
	}
	mac := hmac.New(cfg.Hash, []byte(cfg.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the signature a provider would attach to body. Used by the
// simulation driver and tests.
func (s *Service) Sign(provider types.Provider, body []byte) (string, error) {
	cfg, ok := s.providers[provider]
	if !ok {
		return "", ErrUnknownProvider
	}
	mac := hmac.New(cfg.Hash, []byte(cfg.Secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Parse normalizes a verified provider payload into a canonical event.
func (s *Service) Parse(provider types.Provider, body []byte) (types.PaymentEvent, error) {
	var (
		event types.PaymentEvent
		err   error
	)
	switch provider {
	case types.ProviderFincra:
		event, err = parseFincra(body)
	case types.ProviderKraken:
		event, err = parseKraken(body)
	default:
		return types.PaymentEvent{}, ErrUnknownProvider
	}
	if err != nil {
		return types.PaymentEvent{}, err
	}
	event.Provider = provider
	event.RawPayload = body

	if s.ReplayWindow > 0 {
		if event.Timestamp.IsZero() {
			// Signature verification already passed, so this is a payload
			// the provider signed without a timestamp; it cannot be
			// replay-checked, only flagged.
			log.Warn().
				Str("provider", string(provider)).
				Str("event_type", event.EventType).
				Str("reference", event.Reference).
				Msg("event carries no timestamp, replay window not enforceable")
		} else if time.Since(event.Timestamp) > s.ReplayWindow {
			return types.PaymentEvent{}, fmt.Errorf("%w: event at %s", ErrStaleEvent, event.Timestamp.Format(time.RFC3339))
		}
	}
	return event, nil
}

// fincraPayload is the envelope Fincra posts for collection and payout
// events.
type fincraPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference         string            `json:"reference"`
		MerchantReference string            `json:"merchantReference"`
		Amount            decimal.Decimal   `json:"amount"`
		Currency          string            `json:"currency"`
		Status            string            `json:"status"`
		Reason            string            `json:"reason"`
		Metadata          map[string]string `json:"metadata"`
		CreatedAt         time.Time         `json:"createdAt"`
	} `json:"data"`
}

// fincraEvents maps Fincra event names onto canonical event types.
var fincraEvents = map[string]string{
	"collection.successful": types.EventPaymentReceived,
	"charge.successful":     types.EventPaymentReceived,
	"payout.successful":     types.EventPayoutSucceeded,
	"payout.failed":         types.EventPayoutFailed,
}

func parseFincra(body []byte) (types.PaymentEvent, error) {
	var p fincraPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return types.PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	eventType, ok := fincraEvents[p.Event]
	if !ok {
		return types.PaymentEvent{}, fmt.Errorf("%w: %q", ErrUnhandledEvent, p.Event)
	}
	metadata := p.Data.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	if p.Data.Reason != "" {
		metadata["reason"] = p.Data.Reason
	}
	return types.PaymentEvent{
		EventType:   eventType,
		Reference:   p.Data.MerchantReference,
		ProviderRef: p.Data.Reference,
		Amount:      p.Data.Amount,
		Currency:    p.Data.Currency,
		Timestamp:   p.Data.CreatedAt,
		Metadata:    metadata,
	}, nil
}

// krakenPayload covers deposit and withdrawal status callbacks.
type krakenPayload struct {
	Type   string          `json:"type"` // "deposit" or "withdrawal"
	Status string          `json:"status"`
	RefID  string          `json:"refid"`
	TxID   string          `json:"txid"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
	Time   int64           `json:"time"` // unix seconds
}

func parseKraken(body []byte) (types.PaymentEvent, error) {
	var p krakenPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return types.PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var eventType string
	switch {
	case p.Type == "deposit" && strings.EqualFold(p.Status, "success"):
		eventType = types.EventPaymentReceived
	case p.Type == "withdrawal" && strings.EqualFold(p.Status, "success"):
		eventType = types.EventPayoutSucceeded
	case p.Type == "withdrawal" && strings.EqualFold(p.Status, "failure"):
		eventType = types.EventPayoutFailed
	default:
		return types.PaymentEvent{}, fmt.Errorf("%w: %s/%s", ErrUnhandledEvent, p.Type, p.Status)
	}

	var ts time.Time
	if p.Time > 0 {
		ts = time.Unix(p.Time, 0)
	}
	return types.PaymentEvent{
		EventType:   eventType,
		Reference:   p.RefID,
		ProviderRef: p.TxID,
		Amount:      p.Amount,
		Currency:    p.Asset,
		Timestamp:   ts,
	}, nil
}
