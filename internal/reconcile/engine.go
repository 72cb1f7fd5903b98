// Package reconcile matches verified payment-provider events to internal
// financial entities and applies their effect exactly once.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/Moxxcompany/lockbay-core/internal/entities"
	"github.com/Moxxcompany/lockbay-core/internal/idempotency"
	"github.com/Moxxcompany/lockbay-core/internal/ledger"
	"github.com/Moxxcompany/lockbay-core/internal/locks"
	"github.com/Moxxcompany/lockbay-core/internal/notify"
	"github.com/Moxxcompany/lockbay-core/internal/rates"
	"github.com/Moxxcompany/lockbay-core/internal/transitions"
	"github.com/Moxxcompany/lockbay-core/internal/types"
)

// Config tunes the engine. Zero values are replaced by DefaultConfig.
type Config struct {
	LockTTL          time.Duration
	LockWait         time.Duration
	OperationTimeout time.Duration
	IdempotencyTTL   time.Duration
	// UnderpaymentTolerancePct is the fraction of the expected amount a
	// payment may fall short by and still reconcile (e.g. 0.005 = 0.5%).
	UnderpaymentTolerancePct decimal.Decimal
	// FuzzyMatchTolerance enables the amount/time-window lookup tier when
	// positive. Off by default: an ambiguous attribution is worse than an
	// unmatched payment.
	FuzzyMatchTolerance decimal.Decimal
	FuzzyMatchWindow    time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:                  30 * time.Second,
		LockWait:                 2 * time.Second,
		OperationTimeout:         30 * time.Second,
		IdempotencyTTL:           24 * time.Hour,
		UnderpaymentTolerancePct: decimal.Zero,
		FuzzyMatchTolerance:      decimal.Zero,
		FuzzyMatchWindow:         2 * time.Hour,
	}
}

// blockedError marks a business-rule rejection: a legitimate "blocked"
// outcome, not an error. The provider is answered with success so its
// retries stop; the rejection is logged for manual review.
type blockedError struct {
	reason string
}

func (e blockedError) Error() string { return e.reason }

// businessRejection classifies a transaction error as a business-rule
// rejection. Ledger balance sentinels count: a hold that no longer covers a
// payout cannot be fixed by redelivery, so retrying would loop forever.
func businessRejection(err error) (string, bool) {
	var blocked blockedError
	if errors.As(err, &blocked) {
		return blocked.reason, true
	}
	if errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, ledger.ErrInsufficientHold) ||
		errors.Is(err, ledger.ErrInvalidAmount) {
		return err.Error(), true
	}
	return "", false
}

// Engine orchestrates dedupe, locking, matching, validation, fund movement
// and persistence for inbound payment events.
type Engine struct {
	db         *gorm.DB
	entities   *entities.Database
	ledger     *ledger.Database
	idem       *idempotency.Database
	locks      *locks.Manager
	rates      *rates.Service
	notifier   notify.Dispatcher
	strategies []MatchStrategy
	cfg        Config
}

func NewEngine(db *gorm.DB, lockMgr *locks.Manager, rateSvc *rates.Service, notifier notify.Dispatcher, cfg Config) *Engine {
	if cfg.LockTTL == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		db:       db,
		entities: entities.NewDatabase(db),
		ledger:   ledger.NewDatabase(db),
		idem:     idempotency.NewDatabase(db),
		locks:    lockMgr,
		rates:    rateSvc,
		notifier: notifier,
		strategies: []MatchStrategy{
			directReferenceStrategy{},
			metadataReferenceStrategy{},
			amountWindowStrategy{tolerance: cfg.FuzzyMatchTolerance, window: cfg.FuzzyMatchWindow},
		},
		cfg: cfg,
	}
}

// how the idempotency record is finalized after processing
type disposition int

const (
	dispComplete disposition = iota // store the outcome as the cached result
	dispRetry                       // drop the record so redelivery retries
)

// Process runs the full reconciliation pipeline for one payment event.
func (e *Engine) Process(ctx context.Context, event types.PaymentEvent) types.Outcome {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	logger := log.With().
		Str("provider", string(event.Provider)).
		Str("event_type", event.EventType).
		Str("reference", event.Reference).
		Str("service", "reconcile").
		Logger()

	key := idempotency.KeyFor(event.Provider, event.EventType, event.Reference)
	created, err := e.idem.Begin(key, "webhook", string(event.Provider), event.Reference, string(event.RawPayload), e.cfg.IdempotencyTTL)
	if err != nil {
		// Fail closed: without the dedup guarantee no work may happen.
		logger.Error().Err(err).Msg("idempotency store unavailable")
		return types.Outcome{Status: types.StatusRetry, Message: "idempotency store unavailable"}
	}
	if !created {
		return e.replay(key, logger)
	}

	outcome, disp := e.process(ctx, event, logger)

	switch disp {
	case dispComplete:
		result, merr := json.Marshal(outcome)
		if merr != nil {
			result = []byte(`{"status":"` + string(outcome.Status) + `"}`)
		}
		e.idem.Complete(key, string(result))
	case dispRetry:
		if derr := e.idem.Delete(key); derr != nil {
			// Cannot free the key; finalize as FAILED so it is not stuck
			// PROCESSING. The sweeper purges it after the TTL.
			logger.Error().Err(derr).Msg("failed to release idempotency record for retry")
			e.idem.Fail(key, outcome.Message)
		}
	}
	return outcome
}

// replay answers a duplicate delivery from the stored record without
// re-running business logic.
func (e *Engine) replay(key string, logger zerolog.Logger) types.Outcome {
	op, err := e.idem.Check(key)
	if err != nil {
		logger.Warn().Err(err).Msg("duplicate delivery raced record removal")
		return types.Outcome{Status: types.StatusRetry, Message: "record in transition, retry later"}
	}
	switch op.Status {
	case idempotency.StatusCompleted:
		var cached types.Outcome
		if jerr := json.Unmarshal([]byte(op.Result), &cached); jerr == nil {
			logger.Info().Str("entity_ref", op.EntityRef).Msg("duplicate delivery answered from cache")
			return cached
		}
		return types.Outcome{Success: true, Status: types.StatusSuccess, Message: "already processed"}
	case idempotency.StatusFailed:
		// Finalized failure: stop provider retries, leave it to operators.
		return types.Outcome{Success: true, Status: types.StatusBlocked, Message: op.Result}
	default:
		logger.Info().Msg("duplicate delivery while original still processing")
		return types.Outcome{Success: true, Status: types.StatusAlreadyProcessing, Message: "operation in progress"}
	}
}

// process runs locate, lock, guard, amount policy and the mutation
// transaction. It never touches the idempotency record; Process finalizes
// it from the returned disposition.
func (e *Engine) process(ctx context.Context, event types.PaymentEvent, logger zerolog.Logger) (types.Outcome, disposition) {
	record, tier, err := e.locate(event, logger)
	if err != nil {
		logger.Error().Err(err).Msg("entity lookup failed")
		return types.Outcome{Status: types.StatusRetry, Message: "lookup failed"}, dispRetry
	}
	if record == nil {
		logger.Warn().Str("amount", event.Amount.String()).Str("currency", event.Currency).
			Msg("payment matched no entity, flagged for manual review")
		return types.Outcome{
			Success: true,
			Status:  types.StatusBlocked,
			Message: "no matching entity, flagged for manual review",
		}, dispComplete
	}

	logger = logger.With().
		Str("entity", string(record.Type)).
		Str("entity_ref", record.Reference()).
		Str("match_tier", tier).
		Logger()

	lease := e.locks.Acquire(ctx, locks.KeyFor(record.Type, record.Reference()), e.cfg.LockTTL, e.cfg.LockWait, string(event.Provider)+":"+event.EventType)
	if !lease.Acquired {
		// Normal contention: another delivery for this reference is being
		// processed. Answer success-no-op and free the key for redelivery.
		logger.Info().Msg("lock contention, deferring to concurrent processing")
		return types.Outcome{
			Success:   true,
			Status:    types.StatusSuccess,
			Message:   "lock_contention",
			Reference: record.Reference(),
			Entity:    record.Type,
		}, dispRetry
	}
	defer lease.Release()

	// Re-read under the lock; the pre-lock snapshot may be stale.
	record, err = e.entities.FindByReference(record.Reference())
	if err != nil {
		logger.Error().Err(err).Msg("entity vanished between match and lock")
		return types.Outcome{Status: types.StatusRetry, Message: "entity read failed"}, dispRetry
	}

	outcome := types.Outcome{
		Reference: record.Reference(),
		Entity:    record.Type,
		MatchTier: tier,
	}

	if transitions.IsProtected(record.Status()) {
		logger.Warn().Str("status", record.Status()).
			Msg("entity in protected state, payment blocked")
		outcome.Success = true
		outcome.Status = types.StatusBlocked
		outcome.Message = fmt.Sprintf("entity in protected state %s", record.Status())
		return outcome, dispComplete
	}

	received, excess, berr := e.reconcileAmount(record, event, logger)
	if berr != nil {
		outcome.Success = true
		outcome.Status = types.StatusBlocked
		outcome.Message = berr.Error()
		return outcome, dispComplete
	}

	var applied applyResult
	txErr := e.db.Transaction(func(tx *gorm.DB) error {
		var aerr error
		applied, aerr = e.apply(tx, record, event, received, excess)
		return aerr
	})
	if txErr != nil {
		if reason, ok := businessRejection(txErr); ok {
			logger.Warn().Str("reason", reason).Msg("payment blocked by business rule")
			outcome.Success = true
			outcome.Status = types.StatusBlocked
			outcome.Message = reason
			return outcome, dispComplete
		}
		logger.Error().Err(txErr).Msg("reconciliation transaction rolled back")
		outcome.Status = types.StatusRetry
		outcome.Message = "transaction failed"
		return outcome, dispRetry
	}

	e.verify(record.Reference(), applied, logger)

	logger.Info().
		Str("target_status", applied.targetStatus).
		Str("amount", received.String()).
		Msg("payment reconciled")

	// Fire-and-forget, after commit. A panic or slow sink in notification
	// code must not touch the financial result.
	go func(ev notify.Event) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("notification dispatch panicked")
			}
		}()
		e.notifier.Dispatch(context.Background(), ev)
	}(applied.notification)

	outcome.Success = true
	outcome.Status = types.StatusSuccess
	outcome.Message = applied.message
	return outcome, dispComplete
}

// locate runs the match strategies in priority order.
func (e *Engine) locate(event types.PaymentEvent, logger zerolog.Logger) (*entities.Record, string, error) {
	for _, strategy := range e.strategies {
		record, err := strategy.Locate(e.entities, event)
		if err == nil {
			if strategy.Confidence() != ConfidenceExact {
				logger.Warn().
					Str("strategy", strategy.Name()).
					Str("confidence", strategy.Confidence()).
					Str("entity_ref", record.Reference()).
					Msg("payment matched below exact confidence")
			}
			return record, strategy.Name(), nil
		}
		if err != ErrNoMatch {
			return nil, "", err
		}
	}
	return nil, "", nil
}

// reconcileAmount normalizes the received amount into the entity currency
// and applies the under/overpayment policy. Returns the received amount in
// entity currency and any overpayment excess to credit back.
func (e *Engine) reconcileAmount(record *entities.Record, event types.PaymentEvent, logger zerolog.Logger) (received, excess decimal.Decimal, berr error) {
	expected, currency := record.ExpectedAmount()

	received = event.Amount
	if event.Currency != currency {
		converted, source, err := e.rates.Convert(event.Amount, event.Currency, currency, lockedRateFor(record, event.Currency, currency))
		if err != nil {
			return decimal.Zero, decimal.Zero, blockedError{reason: fmt.Sprintf("cannot value %s payment against %s entity", event.Currency, currency)}
		}
		if source == rates.SourceLiveFallback {
			logger.Warn().Str("pair", event.Currency+"/"+currency).
				Msg("reconciling on live rate, no locked rate on entity")
		}
		received = converted
	}

	shortfall := expected.Sub(received)
	if shortfall.IsPositive() {
		tolerance := expected.Mul(e.cfg.UnderpaymentTolerancePct)
		if shortfall.GreaterThan(tolerance) {
			logger.Warn().
				Str("expected", expected.String()).
				Str("received", received.String()).
				Msg("underpayment outside tolerance")
			return decimal.Zero, decimal.Zero, blockedError{
				reason: fmt.Sprintf("underpayment: received %s of expected %s %s", received, expected, currency),
			}
		}
	}

	excess = received.Sub(expected)
	if excess.IsNegative() {
		excess = decimal.Zero
	}
	if excess.IsPositive() {
		logger.Info().Str("excess", excess.String()).Msg("overpayment, excess will be credited")
	}
	return received, excess, nil
}

// lockedRateFor returns the rate locked on the entity when it covers the
// needed pair, zero otherwise.
func lockedRateFor(record *entities.Record, from, to string) decimal.Decimal {
	switch record.Type {
	case types.EntityEscrow:
		return record.Escrow.LockedRate
	case types.EntityExchangeOrder:
		if record.Order.SourceCurrency == from && record.Order.TargetCurrency == to {
			return record.Order.LockedRate
		}
	}
	return decimal.Zero
}

// applyResult carries what the mutation did, for verification and
// notification after commit.
type applyResult struct {
	targetStatus string
	holdRef      string
	auditOp      string
	message      string
	notification notify.Event
}

// apply performs the entity-specific fund movement and status transition
// inside the shared transaction. Business-rule rejections return
// blockedError; anything else rolls the transaction back as transient.
func (e *Engine) apply(tx *gorm.DB, record *entities.Record, event types.PaymentEvent, received, excess decimal.Decimal) (applyResult, error) {
	entDB := e.entities.WithTx(tx)
	ledDB := e.ledger.WithTx(tx)
	actor := "webhook:" + string(event.Provider)
	correlation := idempotency.KeyFor(event.Provider, event.EventType, event.Reference)

	switch {
	case record.Type == types.EntityEscrow && event.EventType == types.EventPaymentReceived:
		return e.applyEscrowPayment(entDB, ledDB, record.Escrow, event, received, excess, actor, correlation)
	case record.Type == types.EntityCashout && event.EventType == types.EventPayoutSucceeded:
		return e.applyCashoutSuccess(entDB, ledDB, record.Cashout, event, actor, correlation)
	case record.Type == types.EntityCashout && event.EventType == types.EventPayoutFailed:
		return e.applyCashoutFailure(entDB, ledDB, record.Cashout, event, actor, correlation)
	case record.Type == types.EntityExchangeOrder && event.EventType == types.EventPaymentReceived:
		return e.applyExchangePayment(entDB, ledDB, record.Order, event, received, excess, actor, correlation)
	}
	return applyResult{}, blockedError{reason: fmt.Sprintf("event %s not applicable to %s", event.EventType, record.Type)}
}

func (e *Engine) applyEscrowPayment(entDB *entities.Database, ledDB *ledger.Database, escrow *entities.Escrow, event types.PaymentEvent, received, excess decimal.Decimal, actor, correlation string) (applyResult, error) {
	ok, reason := transitions.Validate(types.EntityEscrow, escrow.Status, transitions.EscrowPaymentConfirmed, false)
	if !ok {
		return applyResult{}, blockedError{reason: reason}
	}
	expected := received.Sub(excess)

	mv := ledger.Movement{HoldRef: escrow.Reference, CorrelationID: correlation, Actor: actor, Reason: "escrow payment"}
	if err := ledDB.Credit(escrow.BuyerID, escrow.Currency, received, mv); err != nil {
		return applyResult{}, err
	}
	if err := ledDB.Freeze(escrow.BuyerID, escrow.Currency, expected, mv); err != nil {
		return applyResult{}, err
	}

	previous := escrow.Status
	if err := entDB.UpdateEscrowStatus(escrow, previous, transitions.EscrowPaymentConfirmed); err != nil {
		return applyResult{}, fmt.Errorf("escrow moved concurrently: %w", err)
	}
	now := time.Now()
	escrow.ProviderRef = event.ProviderRef
	escrow.HoldRef = escrow.Reference
	escrow.ConfirmedAt = &now
	if err := entDB.SaveEscrow(escrow); err != nil {
		return applyResult{}, err
	}

	return applyResult{
		targetStatus: transitions.EscrowPaymentConfirmed,
		holdRef:      escrow.Reference,
		auditOp:      ledger.OpFreeze,
		message:      "escrow payment confirmed",
		notification: notify.Event{
			Reference:  escrow.Reference,
			Entity:     string(types.EntityEscrow),
			Outcome:    "confirmed",
			Amount:     received,
			Currency:   escrow.Currency,
			Recipients: []string{escrow.BuyerID, escrow.SellerID},
		},
	}, nil
}

func (e *Engine) applyCashoutSuccess(entDB *entities.Database, ledDB *ledger.Database, cashout *entities.Cashout, event types.PaymentEvent, actor, correlation string) (applyResult, error) {
	ok, reason := transitions.Validate(types.EntityCashout, cashout.Status, transitions.CashoutSuccess, false)
	if !ok {
		return applyResult{}, blockedError{reason: reason}
	}

	held := cashout.Amount.Add(cashout.FeeAmount)
	mv := ledger.Movement{HoldRef: cashout.HoldRef, CorrelationID: correlation, Actor: actor, Reason: "cashout settled"}
	if err := ledDB.ConsumeHold(cashout.UserID, cashout.Currency, held, mv); err != nil {
		return applyResult{}, err
	}

	previous := cashout.Status
	if err := entDB.UpdateCashoutStatus(cashout, previous, transitions.CashoutSuccess); err != nil {
		return applyResult{}, fmt.Errorf("cashout moved concurrently: %w", err)
	}
	now := time.Now()
	cashout.ProviderRef = event.ProviderRef
	cashout.CompletedAt = &now
	if err := entDB.SaveCashout(cashout); err != nil {
		return applyResult{}, err
	}

	return applyResult{
		targetStatus: transitions.CashoutSuccess,
		holdRef:      cashout.HoldRef,
		auditOp:      ledger.OpConsumeHold,
		message:      "cashout settled",
		notification: notify.Event{
			Reference:  cashout.Reference,
			Entity:     string(types.EntityCashout),
			Outcome:    "confirmed",
			Amount:     cashout.Amount,
			Currency:   cashout.Currency,
			Recipients: []string{cashout.UserID},
		},
	}, nil
}

func (e *Engine) applyCashoutFailure(entDB *entities.Database, ledDB *ledger.Database, cashout *entities.Cashout, event types.PaymentEvent, actor, correlation string) (applyResult, error) {
	ok, reason := transitions.Validate(types.EntityCashout, cashout.Status, transitions.CashoutFailed, false)
	if !ok {
		return applyResult{}, blockedError{reason: reason}
	}

	held := cashout.Amount.Add(cashout.FeeAmount)
	mv := ledger.Movement{HoldRef: cashout.HoldRef, CorrelationID: correlation, Actor: actor, Reason: "cashout payout failed"}
	if err := ledDB.ReleaseHold(cashout.UserID, cashout.Currency, held, mv); err != nil {
		return applyResult{}, err
	}

	previous := cashout.Status
	if err := entDB.UpdateCashoutStatus(cashout, previous, transitions.CashoutFailed); err != nil {
		return applyResult{}, fmt.Errorf("cashout moved concurrently: %w", err)
	}
	now := time.Now()
	cashout.FailedAt = &now
	if reason := event.Metadata["reason"]; reason != "" {
		cashout.FailureReason = reason
	} else {
		cashout.FailureReason = "provider payout failed"
	}
	if err := entDB.SaveCashout(cashout); err != nil {
		return applyResult{}, err
	}

	return applyResult{
		targetStatus: transitions.CashoutFailed,
		holdRef:      cashout.HoldRef,
		auditOp:      ledger.OpReleaseHold,
		message:      "cashout failed, hold released",
		notification: notify.Event{
			Reference:  cashout.Reference,
			Entity:     string(types.EntityCashout),
			Outcome:    "failed",
			Amount:     cashout.Amount,
			Currency:   cashout.Currency,
			Recipients: []string{cashout.UserID},
			Detail:     cashout.FailureReason,
		},
	}, nil
}

func (e *Engine) applyExchangePayment(entDB *entities.Database, ledDB *ledger.Database, order *entities.ExchangeOrder, event types.PaymentEvent, received, excess decimal.Decimal, actor, correlation string) (applyResult, error) {
	ok, reason := transitions.Validate(types.EntityExchangeOrder, order.Status, transitions.ExchangePaymentConfirmed, false)
	if !ok {
		return applyResult{}, blockedError{reason: reason}
	}

	// The target amount was locked at order creation when possible; only
	// compute from a rate when it never was.
	target := order.TargetAmount
	rateSource := rates.SourceLocked
	if !target.IsPositive() {
		converted, source, err := e.rates.Convert(order.SourceAmount, order.SourceCurrency, order.TargetCurrency, order.LockedRate)
		if err != nil {
			return applyResult{}, err
		}
		target = converted
		rateSource = source
	}

	mv := ledger.Movement{HoldRef: order.Reference, CorrelationID: correlation, Actor: actor, Reason: "exchange payment"}
	if err := ledDB.Credit(order.UserID, order.TargetCurrency, target, mv); err != nil {
		return applyResult{}, err
	}
	if excess.IsPositive() {
		overMv := mv
		overMv.Reason = "exchange overpayment credit"
		if err := ledDB.Credit(order.UserID, order.SourceCurrency, excess, overMv); err != nil {
			return applyResult{}, err
		}
	}

	previous := order.Status
	if err := entDB.UpdateExchangeOrderStatus(order, previous, transitions.ExchangePaymentConfirmed); err != nil {
		return applyResult{}, fmt.Errorf("exchange order moved concurrently: %w", err)
	}
	now := time.Now()
	order.ProviderRef = event.ProviderRef
	order.ConfirmedAt = &now
	order.RateSource = rateSource
	order.TargetAmount = target
	if err := entDB.SaveExchangeOrder(order); err != nil {
		return applyResult{}, err
	}

	return applyResult{
		targetStatus: transitions.ExchangePaymentConfirmed,
		holdRef:      order.Reference,
		auditOp:      ledger.OpCredit,
		message:      "exchange payment confirmed",
		notification: notify.Event{
			Reference:  order.Reference,
			Entity:     string(types.EntityExchangeOrder),
			Outcome:    "confirmed",
			Amount:     target,
			Currency:   order.TargetCurrency,
			Recipients: []string{order.UserID},
		},
	}, nil
}

// verify re-reads the critical records after commit. The transaction is
// already durable; a mismatch here means data corruption, so one bounded
// repair is attempted and anything further escalates.
func (e *Engine) verify(reference string, applied applyResult, logger zerolog.Logger) {
	record, err := e.entities.FindByReference(reference)
	if err != nil {
		logger.Error().Err(err).Msg("post-commit verification read failed")
		return
	}
	if record.Status() != applied.targetStatus {
		logger.Error().
			Str("expected_status", applied.targetStatus).
			Str("actual_status", record.Status()).
			Msg("post-commit status mismatch, attempting repair")
		if rerr := e.repairStatus(record, applied.targetStatus); rerr != nil {
			logger.Error().Err(rerr).
				Msg("CRITICAL: post-commit repair failed, manual intervention required")
		}
	}

	moved, err := e.ledger.HasMovement(applied.holdRef, applied.auditOp)
	if err != nil {
		logger.Error().Err(err).Msg("post-commit verification of fund movement failed")
		return
	}
	if !moved {
		// Funds state cannot be safely rewritten after commit; flag only.
		logger.Error().
			Str("hold_ref", applied.holdRef).
			Str("operation", applied.auditOp).
			Msg("CRITICAL: committed operation left no audit movement, manual intervention required")
	}
}

func (e *Engine) repairStatus(record *entities.Record, target string) error {
	switch record.Type {
	case types.EntityEscrow:
		return e.entities.UpdateEscrowStatus(record.Escrow, record.Escrow.Status, target)
	case types.EntityCashout:
		return e.entities.UpdateCashoutStatus(record.Cashout, record.Cashout.Status, target)
	case types.EntityExchangeOrder:
		return e.entities.UpdateExchangeOrderStatus(record.Order, record.Order.Status, target)
	}
	return fmt.Errorf("unknown entity type %q", record.Type)
}
