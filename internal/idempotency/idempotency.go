// Package idempotency guarantees a given provider event is processed at
// most once. Exclusivity comes from a storage-level unique index on the
// operation key, never from a read-then-write check.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Moxxcompany/lockbay-core/internal/types"
)

var ErrNotFound = errors.New("idempotency record not found")

// Operation statuses
const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Operation is one deduplicated unit of work. Result holds the serialized
// outcome returned verbatim on duplicate delivery once COMPLETED.
type Operation struct {
	gorm.Model `json:"-"`
	Key        string    `gorm:"uniqueIndex" json:"key"`
	Type       string    `json:"type"`
	Actor      string    `json:"actor"`
	EntityRef  string    `gorm:"index" json:"entity_ref"`
	Payload    string    `json:"payload"`
	Status     string    `gorm:"index" json:"status"`
	Result     string    `json:"result,omitempty"`
	ExpiresAt  time.Time `gorm:"index" json:"expires_at"`
}

// KeyFor derives the deterministic operation key for a webhook delivery.
// The same (provider, event type, reference) triple always hashes to the
// same key, including across retries.
func KeyFor(provider types.Provider, eventType, reference string) string {
	h := sha256.Sum256([]byte(strings.Join([]string{string(provider), eventType, reference}, "|")))
	return hex.EncodeToString(h[:])
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Begin attempts the exclusive insert for a key. It returns true only when
// this call created the record, i.e. the caller owns PROCESSING. A false
// return with nil error means another delivery got there first; the caller
// must branch to Check. Storage failures fail closed: no record, no work.
func (d *Database) Begin(key, opType, actor, entityRef, payload string, ttl time.Duration) (bool, error) {
	op := Operation{
		Key:       key,
		Type:      opType,
		Actor:     actor,
		EntityRef: entityRef,
		Payload:   payload,
		Status:    StatusProcessing,
		ExpiresAt: time.Now().Add(ttl),
	}
	err := d.db.Create(&op).Error
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, fmt.Errorf("idempotency: begin operation: %w", err)
}

// Check is a read-only lookup by key.
func (d *Database) Check(key string) (*Operation, error) {
	var op Operation
	if err := d.db.Where("key = ?", key).First(&op).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &op, nil
}

// Complete transitions PROCESSING -> COMPLETED and stores the result. A
// false return means the record was missing or already finalized by someone
// else; that is surfaced but does not require rolling back business logic.
func (d *Database) Complete(key, result string) bool {
	res := d.db.Model(&Operation{}).
		Where("key = ? AND status = ?", key, StatusProcessing).
		Updates(map[string]interface{}{"status": StatusCompleted, "result": result})
	if res.Error != nil {
		log.Error().Err(res.Error).Str("key", key).Msg("failed to complete idempotency operation")
		return false
	}
	if res.RowsAffected == 0 {
		log.Warn().Str("key", key).Msg("idempotency operation not in PROCESSING, complete skipped")
		return false
	}
	return true
}

// Fail transitions PROCESSING -> FAILED so the operation is never stuck
// PROCESSING after a business-logic failure. A FAILED record still blocks
// re-execution until it expires; the stored result explains why.
func (d *Database) Fail(key, result string) bool {
	res := d.db.Model(&Operation{}).
		Where("key = ? AND status = ?", key, StatusProcessing).
		Updates(map[string]interface{}{"status": StatusFailed, "result": result})
	if res.Error != nil {
		log.Error().Err(res.Error).Str("key", key).Msg("failed to mark idempotency operation failed")
		return false
	}
	return res.RowsAffected > 0
}

// Delete removes a record so a later delivery can retry, e.g. after a
// transient infrastructure failure where no business effect happened.
func (d *Database) Delete(key string) error {
	return d.db.Unscoped().Where("key = ?", key).Delete(&Operation{}).Error
}

// FindByEntityRef returns the processed operations recorded against an
// entity reference, newest first. Used by the admin review endpoint.
func (d *Database) FindByEntityRef(entityRef string, limit int) ([]Operation, error) {
	var ops []Operation
	err := d.db.Where("entity_ref = ?", entityRef).
		Order("created_at DESC").
		Limit(limit).
		Find(&ops).Error
	return ops, err
}

// PurgeExpired removes records past their TTL. Correctness does not depend
// on purging, only storage size does.
func (d *Database) PurgeExpired(now time.Time) (int64, error) {
	res := d.db.Unscoped().Where("expires_at < ?", now).Delete(&Operation{})
	return res.RowsAffected, res.Error
}

// isUniqueViolation detects a duplicate-key insert across the drivers gorm
// wraps. gorm.ErrDuplicatedKey requires translator support, so the sqlite
// error text is matched as a fallback.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key")
}
