package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Moxxcompany/lockbay-core/internal/entities"
	"github.com/Moxxcompany/lockbay-core/internal/ledger"
	"github.com/Moxxcompany/lockbay-core/internal/locks"
	"github.com/Moxxcompany/lockbay-core/internal/transitions"
	"github.com/Moxxcompany/lockbay-core/internal/types"
)

var (
	ErrOverrideNotAllowed = errors.New("transition not allowed")
	ErrEntityNotFound     = errors.New("entity not found")
	ErrOverrideContention = errors.New("entity is locked by another operation")
)

// Override applies a manual status transition under the entity lock. The
// admin graph edges are honored and the matching fund movements happen in
// the same transaction; a transition the graph forbids even for admins is
// rejected.
func (e *Engine) Override(ctx context.Context, reference, targetStatus, actor string) error {
	record, err := e.entities.FindByReference(reference)
	if err != nil {
		if errors.Is(err, entities.ErrNotFound) {
			return ErrEntityNotFound
		}
		return err
	}

	lease := e.locks.Acquire(ctx, locks.KeyFor(record.Type, record.Reference()), e.cfg.LockTTL, e.cfg.LockWait, "admin:"+actor)
	if !lease.Acquired {
		return ErrOverrideContention
	}
	defer lease.Release()

	record, err = e.entities.FindByReference(reference)
	if err != nil {
		return err
	}

	if ok, reason := transitions.Validate(record.Type, record.Status(), targetStatus, true); !ok {
		return fmt.Errorf("%w: %s", ErrOverrideNotAllowed, reason)
	}

	previous := record.Status()
	err = e.db.Transaction(func(tx *gorm.DB) error {
		entDB := e.entities.WithTx(tx)
		ledDB := e.ledger.WithTx(tx)
		mv := ledger.Movement{
			CorrelationID: fmt.Sprintf("override:%s:%d", reference, time.Now().UnixNano()),
			Actor:         "admin:" + actor,
			Reason:        fmt.Sprintf("manual transition %s -> %s", previous, targetStatus),
		}
		if err := e.moveOverrideFunds(ledDB, record, targetStatus, mv); err != nil {
			return err
		}
		return e.updateStatus(entDB, record, previous, targetStatus)
	})
	if err != nil {
		return err
	}

	log.Warn().
		Str("reference", reference).
		Str("entity", string(record.Type)).
		Str("from", previous).
		Str("to", targetStatus).
		Str("actor", actor).
		Msg("manual status override applied")
	return nil
}

// moveOverrideFunds applies the fund movement an admin edge implies. Edges
// with no movement are status-only.
func (e *Engine) moveOverrideFunds(ledDB *ledger.Database, record *entities.Record, target string, mv ledger.Movement) error {
	switch record.Type {
	case types.EntityEscrow:
		escrow := record.Escrow
		held := escrow.Amount.Add(escrow.FeeAmount)
		mv.HoldRef = escrow.HoldRef
		if mv.HoldRef == "" {
			mv.HoldRef = escrow.Reference
		}
		// Before payment confirmation there is no hold to move.
		if escrow.ConfirmedAt == nil {
			return nil
		}
		switch target {
		case transitions.EscrowCompleted:
			// Dispute resolved for the seller: held funds move over, the
			// platform fee is consumed.
			if err := ledDB.TransferHeld(escrow.BuyerID, escrow.SellerID, escrow.Currency, escrow.Amount, mv); err != nil {
				return err
			}
			if escrow.FeeAmount.IsPositive() {
				return ledDB.ConsumeHold(escrow.BuyerID, escrow.Currency, escrow.FeeAmount, mv)
			}
			return nil
		case transitions.EscrowRefunded, transitions.EscrowCancelled:
			return ledDB.ReleaseHold(escrow.BuyerID, escrow.Currency, held, mv)
		}
	case types.EntityCashout:
		cashout := record.Cashout
		mv.HoldRef = cashout.HoldRef
		if target == transitions.CashoutProcessing && cashout.Status == transitions.CashoutFailed {
			// Retrying a failed payout re-reserves the funds that were
			// released on failure.
			return ledDB.Freeze(cashout.UserID, cashout.Currency, cashout.Amount.Add(cashout.FeeAmount), mv)
		}
	}
	return nil
}

func (e *Engine) updateStatus(entDB *entities.Database, record *entities.Record, previous, target string) error {
	switch record.Type {
	case types.EntityEscrow:
		return entDB.UpdateEscrowStatus(record.Escrow, previous, target)
	case types.EntityCashout:
		return entDB.UpdateCashoutStatus(record.Cashout, previous, target)
	case types.EntityExchangeOrder:
		return entDB.UpdateExchangeOrderStatus(record.Order, previous, target)
	}
	return fmt.Errorf("unknown entity type %q", record.Type)
}
