// Simulation driver: seeds escrows, cashouts and exchange orders straight
// into the database, then replays realistic provider webhook traffic against
// a running server, including duplicate deliveries.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Moxxcompany/lockbay-core/internal/database"
	"github.com/Moxxcompany/lockbay-core/internal/entities"
	"github.com/Moxxcompany/lockbay-core/internal/ledger"
	"github.com/Moxxcompany/lockbay-core/internal/transitions"
	"github.com/Moxxcompany/lockbay-core/internal/types"
	"github.com/Moxxcompany/lockbay-core/internal/webhook"
)

const (
	numEscrows    = 20
	numCashouts   = 10
	numExchanges  = 10
	numWorkers    = 5
	duplicateRate = 0.3 // fraction of deliveries replayed a second time
	serverAddress = "http://localhost:8080"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// delivery is one webhook POST to perform.
type delivery struct {
	provider types.Provider
	body     []byte
}

// stats tracks outcomes across all deliveries.
type stats struct {
	mu       sync.Mutex
	total    int
	accepted int
	retried  int
	failed   int
}

func (s *stats) record(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	switch {
	case status >= 200 && status < 300:
		s.accepted++
	case status == http.StatusServiceUnavailable:
		s.retried++
	default:
		s.failed++
	}
}

func main() {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "lockbay.db"
	}
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	fincraSecret := envOr("FINCRA_WEBHOOK_SECRET", "dev-fincra-secret")
	krakenSecret := envOr("KRAKEN_WEBHOOK_SECRET", "dev-kraken-secret")
	signer := webhook.NewService(fincraSecret, krakenSecret)

	entDB := entities.NewDatabase(db)
	ledDB := ledger.NewDatabase(db)

	deliveries := seedAndBuildDeliveries(entDB, ledDB)
	log.Info().Int("deliveries", len(deliveries)).Msg("starting webhook replay")

	// Shuffle so duplicates and originals interleave like real traffic.
	rand.Shuffle(len(deliveries), func(i, j int) {
		deliveries[i], deliveries[j] = deliveries[j], deliveries[i]
	})

	st := &stats{}
	jobs := make(chan delivery)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}
			for d := range jobs {
				st.record(send(client, signer, d))
			}
		}()
	}
	for _, d := range deliveries {
		jobs <- d
	}
	close(jobs)
	wg.Wait()

	log.Info().
		Int("total", st.total).
		Int("accepted", st.accepted).
		Int("retried", st.retried).
		Int("failed", st.failed).
		Msg("simulation complete")
}

// seedAndBuildDeliveries creates fresh entities and the webhook payloads a
// provider would send for them, with duplicates mixed in at duplicateRate.
func seedAndBuildDeliveries(entDB *entities.Database, ledDB *ledger.Database) []delivery {
	var deliveries []delivery
	now := time.Now()

	for i := 0; i < numEscrows; i++ {
		ref := "ESC_SIM_" + uuid.New().String()[:8]
		amount := decimal.NewFromInt(int64(50 + rand.Intn(500)))
		escrow := &entities.Escrow{
			Reference:   ref,
			BuyerID:     fmt.Sprintf("buyer%d", i%5),
			SellerID:    fmt.Sprintf("seller%d", i%3),
			Amount:      amount,
			FeeAmount:   amount.Mul(decimal.RequireFromString("0.02")).Round(2),
			Currency:    "USD",
			Status:      transitions.EscrowPaymentPending,
			PayDeadline: now.Add(time.Hour),
		}
		if err := entDB.CreateEscrow(escrow); err != nil {
			log.Error().Err(err).Str("reference", ref).Msg("failed to seed escrow")
			continue
		}
		deliveries = append(deliveries, fincraCollection(ref, escrow.Amount.Add(escrow.FeeAmount), "USD"))
	}

	for i := 0; i < numCashouts; i++ {
		ref := "CSH_SIM_" + uuid.New().String()[:8]
		userID := fmt.Sprintf("buyer%d", i%5)
		amount := decimal.NewFromInt(int64(20 + rand.Intn(100)))
		fee := decimal.RequireFromString("1.00")
		cashout := &entities.Cashout{
			Reference: ref,
			UserID:    userID,
			Amount:    amount,
			FeeAmount: fee,
			Currency:  "USD",
			Status:    transitions.CashoutProcessing,
			HoldRef:   ref,
		}
		if err := entDB.CreateCashout(cashout); err != nil {
			log.Error().Err(err).Str("reference", ref).Msg("failed to seed cashout")
			continue
		}
		held := amount.Add(fee)
		mv := ledger.Movement{HoldRef: ref, Actor: "simulation", Reason: "cashout reservation"}
		if err := ledDB.Credit(userID, "USD", held, mv); err != nil {
			log.Error().Err(err).Msg("failed to seed balance")
			continue
		}
		if err := ledDB.Freeze(userID, "USD", held, mv); err != nil {
			log.Error().Err(err).Msg("failed to seed hold")
			continue
		}
		// Roughly a third of payouts fail.
		if rand.Float64() < 0.33 {
			deliveries = append(deliveries, fincraPayoutFailed(ref, amount, "USD"))
		} else {
			deliveries = append(deliveries, fincraPayoutSuccess(ref, amount, "USD"))
		}
	}

	for i := 0; i < numExchanges; i++ {
		ref := "EXO_SIM_" + uuid.New().String()[:8]
		source := decimal.NewFromInt(int64(10000 + rand.Intn(90000)))
		rate := decimal.RequireFromString("0.00065")
		order := &entities.ExchangeOrder{
			Reference:      ref,
			UserID:         fmt.Sprintf("buyer%d", i%5),
			SourceCurrency: "NGN",
			SourceAmount:   source,
			TargetCurrency: "USD",
			TargetAmount:   source.Mul(rate).Round(2),
			LockedRate:     rate,
			RateSource:     "locked",
			Status:         transitions.ExchangePaymentPending,
			PayDeadline:    now.Add(time.Hour),
		}
		if err := entDB.CreateExchangeOrder(order); err != nil {
			log.Error().Err(err).Str("reference", ref).Msg("failed to seed exchange order")
			continue
		}
		deliveries = append(deliveries, fincraCollection(ref, source, "NGN"))
	}

	// Replay a fraction as duplicates.
	base := len(deliveries)
	for _, d := range deliveries[:base] {
		if rand.Float64() < duplicateRate {
			deliveries = append(deliveries, d)
		}
	}
	return deliveries
}

func fincraCollection(ref string, amount decimal.Decimal, currency string) delivery {
	return fincraDelivery("collection.successful", ref, amount, currency, "")
}

func fincraPayoutSuccess(ref string, amount decimal.Decimal, currency string) delivery {
	return fincraDelivery("payout.successful", ref, amount, currency, "")
}

func fincraPayoutFailed(ref string, amount decimal.Decimal, currency string) delivery {
	return fincraDelivery("payout.failed", ref, amount, currency, "insufficient provider float")
}

func fincraDelivery(event, ref string, amount decimal.Decimal, currency, reason string) delivery {
	body, _ := json.Marshal(map[string]interface{}{
		"event": event,
		"data": map[string]interface{}{
			"reference":         "fcr_" + uuid.New().String()[:12],
			"merchantReference": ref,
			"amount":            amount,
			"currency":          currency,
			"status":            "success",
			"reason":            reason,
			"createdAt":         time.Now().Format(time.RFC3339),
		},
	})
	return delivery{provider: types.ProviderFincra, body: body}
}

// send signs and posts one delivery, returning the HTTP status.
func send(client *http.Client, signer *webhook.Service, d delivery) int {
	sig, err := signer.Sign(d.provider, d.body)
	if err != nil {
		log.Error().Err(err).Msg("failed to sign payload")
		return 0
	}
	header, _ := signer.SignatureHeader(d.provider)

	req, err := http.NewRequest(http.MethodPost, serverAddress+"/webhooks/"+string(d.provider), bytes.NewReader(d.body))
	if err != nil {
		log.Error().Err(err).Msg("failed to build request")
		return 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(header, sig)

	resp, err := client.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("delivery failed")
		return 0
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		log.Warn().Int("status", resp.StatusCode).Msg("delivery rejected")
	}
	return resp.StatusCode
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
