package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Moxxcompany/lockbay-core/internal/entities"
	"github.com/Moxxcompany/lockbay-core/internal/idempotency"
	"github.com/Moxxcompany/lockbay-core/internal/ledger"
	"github.com/Moxxcompany/lockbay-core/internal/locks"
	"github.com/Moxxcompany/lockbay-core/internal/notify"
	"github.com/Moxxcompany/lockbay-core/internal/rates"
	"github.com/Moxxcompany/lockbay-core/internal/transitions"
	"github.com/Moxxcompany/lockbay-core/internal/types"
)

func setupEngine(t *testing.T) (*Engine, *gorm.DB) {
	t.Helper()
	// Shared cache so the engine's concurrent goroutine tests see one database.
	// Named per test so state does not leak between tests in the package.
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared&_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&entities.Escrow{}, &entities.Cashout{}, &entities.ExchangeOrder{},
		&ledger.Wallet{}, &ledger.AuditEvent{},
		&idempotency.Operation{}, &locks.Lock{},
	))

	cfg := DefaultConfig()
	cfg.LockWait = 200 * time.Millisecond
	engine := NewEngine(db, locks.NewManager(db), rates.NewService(rates.DefaultVenues()...), notify.LogDispatcher{}, cfg)
	return engine, db
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedEscrow(t *testing.T, db *gorm.DB, ref, status string) *entities.Escrow {
	t.Helper()
	escrow := &entities.Escrow{
		Reference:   ref,
		BuyerID:     "buyer1",
		SellerID:    "seller1",
		Amount:      dec("100.00"),
		FeeAmount:   dec("2.00"),
		Currency:    "USD",
		Status:      status,
		PayDeadline: time.Now().Add(time.Hour),
	}
	require.NoError(t, db.Create(escrow).Error)
	return escrow
}

func seedCashout(t *testing.T, db *gorm.DB, ref, status string) *entities.Cashout {
	t.Helper()
	cashout := &entities.Cashout{
		Reference: ref,
		UserID:    "user1",
		Amount:    dec("50.00"),
		FeeAmount: dec("1.00"),
		Currency:  "USD",
		Status:    status,
		HoldRef:   ref,
	}
	require.NoError(t, db.Create(cashout).Error)
	return cashout
}

func escrowPaymentEvent(ref, amount string) types.PaymentEvent {
	return types.PaymentEvent{
		Provider:    types.ProviderFincra,
		EventType:   types.EventPaymentReceived,
		Reference:   ref,
		ProviderRef: "fcr_" + ref,
		Amount:      dec(amount),
		Currency:    "USD",
		Timestamp:   time.Now(),
		RawPayload:  []byte(`{"ref":"` + ref + `"}`),
	}
}

func TestProcessEscrowPaymentConfirmed(t *testing.T) {
	engine, db := setupEngine(t)
	seedEscrow(t, db, "ESC_1", transitions.EscrowPaymentPending)

	outcome := engine.Process(context.Background(), escrowPaymentEvent("ESC_1", "102.00"))

	require.True(t, outcome.Success, "message: %s", outcome.Message)
	assert.Equal(t, types.StatusSuccess, outcome.Status)
	assert.Equal(t, "direct_reference", outcome.MatchTier)

	escrow, err := entities.NewDatabase(db).GetEscrowByReference("ESC_1")
	require.NoError(t, err)
	assert.Equal(t, transitions.EscrowPaymentConfirmed, escrow.Status)
	assert.NotNil(t, escrow.ConfirmedAt)

	// Funds landed and were frozen under the escrow reference.
	w, err := ledger.NewDatabase(db).GetWallet("buyer1", "USD")
	require.NoError(t, err)
	assert.True(t, w.Frozen.Equal(dec("102.00")), "frozen: %s", w.Frozen)
	assert.True(t, w.Available.IsZero(), "available: %s", w.Available)
}

func TestProcessDuplicateDeliveryReturnsCachedOutcome(t *testing.T) {
	engine, db := setupEngine(t)
	seedEscrow(t, db, "ESC_2", transitions.EscrowPaymentPending)
	event := escrowPaymentEvent("ESC_2", "102.00")

	first := engine.Process(context.Background(), event)
	require.Equal(t, types.StatusSuccess, first.Status)

	second := engine.Process(context.Background(), event)
	assert.True(t, second.Success)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Reference, second.Reference)

	// Exactly one freeze despite two deliveries.
	w, err := ledger.NewDatabase(db).GetWallet("buyer1", "USD")
	require.NoError(t, err)
	assert.True(t, w.Frozen.Equal(dec("102.00")), "duplicate must not double-freeze, frozen: %s", w.Frozen)
}

func TestProcessConcurrentDuplicatesFreezeOnce(t *testing.T) {
	engine, db := setupEngine(t)
	seedEscrow(t, db, "ESC_3", transitions.EscrowPaymentPending)
	event := escrowPaymentEvent("ESC_3", "102.00")

	var wg sync.WaitGroup
	outcomes := make([]types.Outcome, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = engine.Process(context.Background(), event)
		}(i)
	}
	wg.Wait()

	for _, o := range outcomes {
		assert.True(t, o.ProviderSuccess(), "every delivery gets a provider-safe answer: %+v", o)
	}

	w, err := ledger.NewDatabase(db).GetWallet("buyer1", "USD")
	require.NoError(t, err)
	assert.True(t, w.Frozen.Equal(dec("102.00")), "frozen once only, got %s", w.Frozen)

	escrow, err := entities.NewDatabase(db).GetEscrowByReference("ESC_3")
	require.NoError(t, err)
	assert.Equal(t, transitions.EscrowPaymentConfirmed, escrow.Status)
}

func TestProcessProtectedStateBlocked(t *testing.T) {
	engine, db := setupEngine(t)
	seedEscrow(t, db, "ESC_4", transitions.EscrowDisputed)

	outcome := engine.Process(context.Background(), escrowPaymentEvent("ESC_4", "102.00"))

	assert.True(t, outcome.Success, "provider must not retry a blocked payment")
	assert.Equal(t, types.StatusBlocked, outcome.Status)
	assert.Contains(t, outcome.Message, "DISPUTED")

	// No funds moved.
	w, err := ledger.NewDatabase(db).GetWallet("buyer1", "USD")
	require.NoError(t, err)
	assert.True(t, w.Available.IsZero())
	assert.True(t, w.Frozen.IsZero())
}

func TestProcessUnderpaymentBlocked(t *testing.T) {
	engine, db := setupEngine(t)
	seedEscrow(t, db, "ESC_5", transitions.EscrowPaymentPending)

	outcome := engine.Process(context.Background(), escrowPaymentEvent("ESC_5", "90.00"))

	assert.True(t, outcome.Success)
	assert.Equal(t, types.StatusBlocked, outcome.Status)
	assert.Contains(t, outcome.Message, "underpayment")

	escrow, err := entities.NewDatabase(db).GetEscrowByReference("ESC_5")
	require.NoError(t, err)
	assert.Equal(t, transitions.EscrowPaymentPending, escrow.Status, "underpaid escrow stays pending")
}

func TestProcessOverpaymentCreditsExcess(t *testing.T) {
	engine, db := setupEngine(t)
	seedEscrow(t, db, "ESC_6", transitions.EscrowPaymentPending)

	outcome := engine.Process(context.Background(), escrowPaymentEvent("ESC_6", "110.00"))
	require.Equal(t, types.StatusSuccess, outcome.Status, "message: %s", outcome.Message)

	// 110 received, 102 expected: full amount credited, expected frozen,
	// excess 8 stays available.
	w, err := ledger.NewDatabase(db).GetWallet("buyer1", "USD")
	require.NoError(t, err)
	assert.True(t, w.Frozen.Equal(dec("102.00")), "frozen: %s", w.Frozen)
	assert.True(t, w.Available.Equal(dec("8.00")), "available: %s", w.Available)
}

func TestProcessCashoutSuccessConsumesHold(t *testing.T) {
	engine, db := setupEngine(t)
	seedCashout(t, db, "CSH_1", transitions.CashoutProcessing)

	led := ledger.NewDatabase(db)
	require.NoError(t, led.Credit("user1", "USD", dec("51.00"), ledger.Movement{Reason: "seed"}))
	require.NoError(t, led.Freeze("user1", "USD", dec("51.00"), ledger.Movement{HoldRef: "CSH_1"}))

	outcome := engine.Process(context.Background(), types.PaymentEvent{
		Provider:    types.ProviderFincra,
		EventType:   types.EventPayoutSucceeded,
		Reference:   "CSH_1",
		ProviderRef: "fcr_CSH_1",
		Amount:      dec("50.00"),
		Currency:    "USD",
		Timestamp:   time.Now(),
	})
	require.Equal(t, types.StatusSuccess, outcome.Status, "message: %s", outcome.Message)

	cashout, err := entities.NewDatabase(db).GetCashoutByReference("CSH_1")
	require.NoError(t, err)
	assert.Equal(t, transitions.CashoutSuccess, cashout.Status)

	w, err := led.GetWallet("user1", "USD")
	require.NoError(t, err)
	assert.True(t, w.Frozen.IsZero(), "hold consumed, frozen: %s", w.Frozen)
	assert.True(t, w.Available.IsZero())
}

func TestProcessCashoutFailureReleasesHold(t *testing.T) {
	engine, db := setupEngine(t)
	seedCashout(t, db, "CSH_2", transitions.CashoutProcessing)

	led := ledger.NewDatabase(db)
	require.NoError(t, led.Credit("user1", "USD", dec("51.00"), ledger.Movement{Reason: "seed"}))
	require.NoError(t, led.Freeze("user1", "USD", dec("51.00"), ledger.Movement{HoldRef: "CSH_2"}))

	outcome := engine.Process(context.Background(), types.PaymentEvent{
		Provider:  types.ProviderFincra,
		EventType: types.EventPayoutFailed,
		Reference: "CSH_2",
		Amount:    dec("50.00"),
		Currency:  "USD",
		Timestamp: time.Now(),
		Metadata:  map[string]string{"reason": "account closed"},
	})
	require.Equal(t, types.StatusSuccess, outcome.Status, "message: %s", outcome.Message)

	cashout, err := entities.NewDatabase(db).GetCashoutByReference("CSH_2")
	require.NoError(t, err)
	assert.Equal(t, transitions.CashoutFailed, cashout.Status)
	assert.Equal(t, "account closed", cashout.FailureReason)

	// Funds back in spendable balance.
	w, err := led.GetWallet("user1", "USD")
	require.NoError(t, err)
	assert.True(t, w.Available.Equal(dec("51.00")), "available: %s", w.Available)
	assert.True(t, w.Frozen.IsZero())
}

func TestProcessCashoutWithShortHoldBlockedNotRetried(t *testing.T) {
	engine, db := setupEngine(t)
	seedCashout(t, db, "CSH_SHORT", transitions.CashoutProcessing)

	// The hold no longer covers amount+fee (51.00): redelivery can never
	// change that, so the provider must not be asked to retry.
	led := ledger.NewDatabase(db)
	require.NoError(t, led.Credit("user1", "USD", dec("30.00"), ledger.Movement{Reason: "seed"}))
	require.NoError(t, led.Freeze("user1", "USD", dec("30.00"), ledger.Movement{HoldRef: "CSH_SHORT"}))

	outcome := engine.Process(context.Background(), types.PaymentEvent{
		Provider:  types.ProviderFincra,
		EventType: types.EventPayoutSucceeded,
		Reference: "CSH_SHORT",
		Amount:    dec("50.00"),
		Currency:  "USD",
		Timestamp: time.Now(),
	})

	assert.True(t, outcome.Success)
	assert.Equal(t, types.StatusBlocked, outcome.Status)

	// Nothing moved and the cashout stays where an operator can see it.
	cashout, err := entities.NewDatabase(db).GetCashoutByReference("CSH_SHORT")
	require.NoError(t, err)
	assert.Equal(t, transitions.CashoutProcessing, cashout.Status)

	w, err := led.GetWallet("user1", "USD")
	require.NoError(t, err)
	assert.True(t, w.Frozen.Equal(dec("30.00")), "frozen untouched, got %s", w.Frozen)

	// The rejection is finalized, so a redelivery replays it from cache
	// instead of re-running the pipeline.
	key := idempotency.KeyFor(types.ProviderFincra, types.EventPayoutSucceeded, "CSH_SHORT")
	op, err := idempotency.NewDatabase(db).Check(key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusCompleted, op.Status)
}

func TestApplyRollsBackLedgerWhenStatusMovesConcurrently(t *testing.T) {
	engine, db := setupEngine(t)
	cashout := seedCashout(t, db, "CSH_RACE", transitions.CashoutProcessing)

	led := ledger.NewDatabase(db)
	require.NoError(t, led.Credit("user1", "USD", dec("51.00"), ledger.Movement{Reason: "seed"}))
	require.NoError(t, led.Freeze("user1", "USD", dec("51.00"), ledger.Movement{HoldRef: "CSH_RACE"}))

	// Move the row out from under the snapshot so the guarded status update
	// hits zero rows after the hold was already consumed in-transaction.
	require.NoError(t, db.Model(&entities.Cashout{}).
		Where("reference = ?", "CSH_RACE").
		Update("status", transitions.CashoutSuccess).Error)

	record := &entities.Record{Type: types.EntityCashout, Cashout: cashout}
	event := types.PaymentEvent{
		Provider:  types.ProviderFincra,
		EventType: types.EventPayoutSucceeded,
		Reference: "CSH_RACE",
		Amount:    dec("50.00"),
		Currency:  "USD",
		Timestamp: time.Now(),
	}

	txErr := engine.db.Transaction(func(tx *gorm.DB) error {
		_, err := engine.apply(tx, record, event, dec("50.00"), dec("0"))
		return err
	})
	require.Error(t, txErr, "stale status snapshot must fail the transaction")

	// The ConsumeHold that ran before the failed status update rolled back
	// with it: balances and status are one consistent pair.
	w, err := led.GetWallet("user1", "USD")
	require.NoError(t, err)
	assert.True(t, w.Frozen.Equal(dec("51.00")), "hold restored by rollback, got %s", w.Frozen)
	assert.True(t, w.Available.IsZero())

	got, err := entities.NewDatabase(db).GetCashoutByReference("CSH_RACE")
	require.NoError(t, err)
	assert.Equal(t, transitions.CashoutSuccess, got.Status)
}

func TestProcessCashoutFailureThenDuplicateSuccessBlocked(t *testing.T) {
	engine, db := setupEngine(t)
	seedCashout(t, db, "CSH_3", transitions.CashoutProcessing)

	led := ledger.NewDatabase(db)
	require.NoError(t, led.Credit("user1", "USD", dec("51.00"), ledger.Movement{Reason: "seed"}))
	require.NoError(t, led.Freeze("user1", "USD", dec("51.00"), ledger.Movement{HoldRef: "CSH_3"}))

	failed := engine.Process(context.Background(), types.PaymentEvent{
		Provider: types.ProviderFincra, EventType: types.EventPayoutFailed,
		Reference: "CSH_3", Amount: dec("50.00"), Currency: "USD", Timestamp: time.Now(),
	})
	require.Equal(t, types.StatusSuccess, failed.Status)

	// A late success webhook after the failure is a different idempotency key
	// but must be blocked by the FAILED protected state.
	late := engine.Process(context.Background(), types.PaymentEvent{
		Provider: types.ProviderFincra, EventType: types.EventPayoutSucceeded,
		Reference: "CSH_3", Amount: dec("50.00"), Currency: "USD", Timestamp: time.Now(),
	})
	assert.Equal(t, types.StatusBlocked, late.Status)
	assert.True(t, late.Success)
}

func TestProcessExchangePaymentCreditsTarget(t *testing.T) {
	engine, db := setupEngine(t)
	order := &entities.ExchangeOrder{
		Reference:      "EXO_1",
		UserID:         "user2",
		SourceCurrency: "NGN",
		SourceAmount:   dec("150000.00"),
		TargetCurrency: "USD",
		TargetAmount:   dec("100.00"),
		LockedRate:     dec("0.00066667"),
		RateSource:     rates.SourceLocked,
		Status:         transitions.ExchangePaymentPending,
		PayDeadline:    time.Now().Add(time.Hour),
	}
	require.NoError(t, db.Create(order).Error)

	outcome := engine.Process(context.Background(), types.PaymentEvent{
		Provider:  types.ProviderFincra,
		EventType: types.EventPaymentReceived,
		Reference: "EXO_1",
		Amount:    dec("150000.00"),
		Currency:  "NGN",
		Timestamp: time.Now(),
	})
	require.Equal(t, types.StatusSuccess, outcome.Status, "message: %s", outcome.Message)

	got, err := entities.NewDatabase(db).GetExchangeOrderByReference("EXO_1")
	require.NoError(t, err)
	assert.Equal(t, transitions.ExchangePaymentConfirmed, got.Status)

	// Locked target amount credited, not a live recomputation.
	w, err := ledger.NewDatabase(db).GetWallet("user2", "USD")
	require.NoError(t, err)
	assert.True(t, w.Available.Equal(dec("100.00")), "available: %s", w.Available)
}

func TestProcessUnmatchedPaymentFlagged(t *testing.T) {
	engine, _ := setupEngine(t)

	outcome := engine.Process(context.Background(), escrowPaymentEvent("ESC_NOPE", "50.00"))

	assert.True(t, outcome.Success, "unmatched payment must not trigger provider retries")
	assert.Equal(t, types.StatusBlocked, outcome.Status)
	assert.Contains(t, outcome.Message, "no matching entity")
}

func TestProcessMetadataReferenceMatch(t *testing.T) {
	engine, db := setupEngine(t)
	seedEscrow(t, db, "ESC_7", transitions.EscrowPaymentPending)

	event := types.PaymentEvent{
		Provider:  types.ProviderFincra,
		EventType: types.EventPaymentReceived,
		Reference: "", // provider dropped our reference
		Amount:    dec("102.00"),
		Currency:  "USD",
		Timestamp: time.Now(),
		Metadata:  map[string]string{"merchant_reference": "ESC_7"},
	}
	outcome := engine.Process(context.Background(), event)

	require.Equal(t, types.StatusSuccess, outcome.Status, "message: %s", outcome.Message)
	assert.Equal(t, "metadata_reference", outcome.MatchTier)
}

func TestProcessLockContentionIsNeutral(t *testing.T) {
	engine, db := setupEngine(t)
	seedEscrow(t, db, "ESC_8", transitions.EscrowPaymentPending)

	// Hold the entity lock so the engine cannot acquire it within LockWait.
	mgr := locks.NewManager(db)
	lease := mgr.Acquire(context.Background(), locks.KeyFor(types.EntityEscrow, "ESC_8"), time.Minute, 0, "test")
	require.True(t, lease.Acquired)
	defer lease.Release()

	outcome := engine.Process(context.Background(), escrowPaymentEvent("ESC_8", "102.00"))

	assert.True(t, outcome.Success, "contention is answered success so the provider redelivers later")
	assert.Equal(t, "lock_contention", outcome.Message)

	// No state changed and the idempotency key was freed for the redelivery.
	escrow, err := entities.NewDatabase(db).GetEscrowByReference("ESC_8")
	require.NoError(t, err)
	assert.Equal(t, transitions.EscrowPaymentPending, escrow.Status)

	key := idempotency.KeyFor(types.ProviderFincra, types.EventPaymentReceived, "ESC_8")
	_, err = idempotency.NewDatabase(db).Check(key)
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestProcessWrongEventForEntityBlocked(t *testing.T) {
	engine, db := setupEngine(t)
	seedEscrow(t, db, "ESC_9", transitions.EscrowPaymentPending)

	// A payout event cannot apply to an escrow awaiting payment.
	outcome := engine.Process(context.Background(), types.PaymentEvent{
		Provider:  types.ProviderFincra,
		EventType: types.EventPayoutSucceeded,
		Reference: "ESC_9",
		Amount:    dec("102.00"),
		Currency:  "USD",
		Timestamp: time.Now(),
	})

	assert.True(t, outcome.Success)
	assert.Equal(t, types.StatusBlocked, outcome.Status)
}
