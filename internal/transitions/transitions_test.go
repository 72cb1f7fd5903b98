package transitions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Moxxcompany/lockbay-core/internal/types"
)

func TestEscrowTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  string
		to    string
		admin bool
		want  bool
	}{
		{name: "created to payment pending", from: EscrowCreated, to: EscrowPaymentPending, want: true},
		{name: "payment pending to confirmed", from: EscrowPaymentPending, to: EscrowPaymentConfirmed, want: true},
		{name: "confirmed to awaiting seller", from: EscrowPaymentConfirmed, to: EscrowAwaitingSeller, want: true},
		{name: "active to completed", from: EscrowActive, to: EscrowCompleted, want: true},
		{name: "active to disputed", from: EscrowActive, to: EscrowDisputed, want: true},
		{name: "created to expired", from: EscrowCreated, to: EscrowExpired, want: true},
		{name: "skipping confirmation", from: EscrowPaymentPending, to: EscrowActive, want: false},
		{name: "completed cannot revert", from: EscrowCompleted, to: EscrowPaymentConfirmed, want: false},
		{name: "completed cannot revert even for admin", from: EscrowCompleted, to: EscrowActive, admin: true, want: false},
		{name: "disputed locked for non-admin", from: EscrowDisputed, to: EscrowCompleted, want: false},
		{name: "disputed resolved by admin", from: EscrowDisputed, to: EscrowCompleted, admin: true, want: true},
		{name: "disputed refunded by admin", from: EscrowDisputed, to: EscrowRefunded, admin: true, want: true},
		{name: "admin force-cancel active", from: EscrowActive, to: EscrowCancelled, admin: true, want: true},
		{name: "non-admin cannot force-cancel active", from: EscrowActive, to: EscrowCancelled, want: false},
		{name: "refunded is terminal", from: EscrowRefunded, to: EscrowActive, admin: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidTransition(types.EntityEscrow, tt.from, tt.to, tt.admin)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCashoutTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  string
		to    string
		admin bool
		want  bool
	}{
		{name: "created to processing", from: CashoutCreated, to: CashoutProcessing, want: true},
		{name: "processing to success", from: CashoutProcessing, to: CashoutSuccess, want: true},
		{name: "processing to failed", from: CashoutProcessing, to: CashoutFailed, want: true},
		{name: "success is terminal", from: CashoutSuccess, to: CashoutProcessing, want: false},
		{name: "success terminal even for admin", from: CashoutSuccess, to: CashoutProcessing, admin: true, want: false},
		{name: "failed retried by admin", from: CashoutFailed, to: CashoutProcessing, admin: true, want: true},
		{name: "failed not retryable by non-admin", from: CashoutFailed, to: CashoutProcessing, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidTransition(types.EntityCashout, tt.from, tt.to, tt.admin)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExchangeOrderTransitions(t *testing.T) {
	assert.True(t, IsValidTransition(types.EntityExchangeOrder, ExchangePaymentPending, ExchangePaymentConfirmed, false))
	assert.True(t, IsValidTransition(types.EntityExchangeOrder, ExchangeProcessing, ExchangeCompleted, false))
	assert.False(t, IsValidTransition(types.EntityExchangeOrder, ExchangeCompleted, ExchangeProcessing, false))
	assert.False(t, IsValidTransition(types.EntityExchangeOrder, ExchangeCompleted, ExchangeProcessing, true))
	assert.True(t, IsValidTransition(types.EntityExchangeOrder, ExchangeFailed, ExchangeProcessing, true))
}

func TestValidateFailsClosed(t *testing.T) {
	ok, reason := Validate(types.EntityEscrow, "GARBAGE", EscrowActive, false)
	assert.False(t, ok)
	assert.Contains(t, reason, "unrecognized current state")

	ok, reason = Validate(types.EntityType("unknown"), EscrowCreated, EscrowActive, false)
	assert.False(t, ok)
	assert.Contains(t, reason, "unknown entity type")

	// Admin flag must not open unknown states either.
	ok, _ = Validate(types.EntityEscrow, "GARBAGE", EscrowActive, true)
	assert.False(t, ok)
}

func TestValidateProtectedReason(t *testing.T) {
	ok, reason := Validate(types.EntityEscrow, EscrowCompleted, EscrowActive, false)
	assert.False(t, ok)
	assert.Contains(t, reason, "protected")
}

func TestIsProtected(t *testing.T) {
	for _, s := range []string{EscrowCompleted, EscrowRefunded, EscrowDisputed, EscrowCancelled, EscrowExpired, CashoutSuccess, CashoutFailed} {
		assert.True(t, IsProtected(s), s)
	}
	for _, s := range []string{EscrowCreated, EscrowActive, CashoutProcessing, ExchangePaymentPending} {
		assert.False(t, IsProtected(s), s)
	}
}
