package migrations

import (
	"gorm.io/gorm"

	"github.com/Moxxcompany/lockbay-core/internal/ledger"
)

// AddReconciliationIndexes creates the audit table and the indexes the hot
// reconciliation queries depend on.
func AddReconciliationIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(&ledger.AuditEvent{}); err != nil {
		return err
	}

	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Post-commit verification looks up movements by hold and operation
		`CREATE INDEX IF NOT EXISTS idx_audit_events_hold_op
		 ON audit_events(hold_ref, operation)`,

		// Audit trail queries group by correlation
		`CREATE INDEX IF NOT EXISTS idx_audit_events_correlation
		 ON audit_events(correlation_id)`,

		// Amount-window matching scans pending entities by currency and age
		`CREATE INDEX IF NOT EXISTS idx_escrows_pending_window
		 ON escrows(currency, status, created_at)`,

		`CREATE INDEX IF NOT EXISTS idx_exchange_orders_pending_window
		 ON exchange_orders(source_currency, status, created_at)`,

		// Sweeper scans for overdue deadlines
		`CREATE INDEX IF NOT EXISTS idx_escrows_pay_deadline
		 ON escrows(pay_deadline)`,

		`CREATE INDEX IF NOT EXISTS idx_exchange_orders_pay_deadline
		 ON exchange_orders(pay_deadline)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
