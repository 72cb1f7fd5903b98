// Package locks provides short-lived per-entity leases backed by the
// database, so a crashed holder's lock expires instead of deadlocking the
// reference forever.
package locks

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Moxxcompany/lockbay-core/internal/types"
)

// Lock is one lease row. The unique index on ResourceKey is the mutual
// exclusion primitive; takeover of expired leases is a guarded update.
type Lock struct {
	gorm.Model  `json:"-"`
	ResourceKey string    `gorm:"uniqueIndex" json:"resource_key"`
	HolderToken string    `json:"holder_token"`
	Metadata    string    `json:"metadata,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `gorm:"index" json:"expires_at"`
}

// Lease is the caller-facing handle. Acquired=false is a normal outcome for
// concurrent webhook retries, never an error.
type Lease struct {
	Acquired bool
	Key      string
	token    string
	mgr      *Manager
}

// KeyFor builds the lock granularity the reconciliation engine requires:
// one lock per (entity type, external reference).
func KeyFor(entity types.EntityType, reference string) string {
	return string(entity) + ":" + reference
}

type Manager struct {
	db           *gorm.DB
	pollInterval time.Duration
}

func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db, pollInterval: 100 * time.Millisecond}
}

// Acquire tries to take the lease for resourceKey, polling up to maxWait.
// The returned lease must be released via Release on every exit path;
// callers should defer it immediately after a successful acquire.
func (m *Manager) Acquire(ctx context.Context, resourceKey string, ttl, maxWait time.Duration, metadata string) Lease {
	token := uuid.New().String()
	deadline := time.Now().Add(maxWait)

	for {
		ok, err := m.tryAcquire(resourceKey, token, ttl, metadata)
		if err != nil {
			log.Error().Err(err).Str("resource_key", resourceKey).Msg("lock acquisition error")
			return Lease{Acquired: false, Key: resourceKey}
		}
		if ok {
			return Lease{Acquired: true, Key: resourceKey, token: token, mgr: m}
		}
		if time.Now().After(deadline) {
			log.Debug().Str("resource_key", resourceKey).Msg("lock contention, giving up after bounded wait")
			return Lease{Acquired: false, Key: resourceKey}
		}
		select {
		case <-ctx.Done():
			return Lease{Acquired: false, Key: resourceKey}
		case <-time.After(m.pollInterval):
		}
	}
}

// tryAcquire attempts a fresh insert first, then a takeover of an expired
// lease. Both paths are atomic against concurrent acquirers.
func (m *Manager) tryAcquire(resourceKey, token string, ttl time.Duration, metadata string) (bool, error) {
	now := time.Now()
	lock := Lock{
		ResourceKey: resourceKey,
		HolderToken: token,
		Metadata:    metadata,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
	err := m.db.Create(&lock).Error
	if err == nil {
		return true, nil
	}
	if !isUniqueViolation(err) {
		return false, err
	}

	// Row exists. Take it over only if the current lease has expired; the
	// WHERE clause makes concurrent takeovers race safely.
	res := m.db.Model(&Lock{}).
		Where("resource_key = ? AND expires_at < ?", resourceKey, now).
		Updates(map[string]interface{}{
			"holder_token": token,
			"metadata":     metadata,
			"acquired_at":  now,
			"expires_at":   now.Add(ttl),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Release frees the lease if this holder still owns it. Releasing a lease
// that already expired and was taken over is a no-op.
func (m *Manager) Release(lease Lease) {
	if !lease.Acquired {
		return
	}
	res := m.db.Unscoped().
		Where("resource_key = ? AND holder_token = ?", lease.Key, lease.token).
		Delete(&Lock{})
	if res.Error != nil {
		log.Error().Err(res.Error).Str("resource_key", lease.Key).Msg("failed to release lock")
		return
	}
	if res.RowsAffected == 0 {
		log.Warn().Str("resource_key", lease.Key).Msg("lease already expired or taken over at release")
	}
}

// Release on the lease itself, for defer-friendly call sites.
func (l Lease) Release() {
	if l.mgr != nil {
		l.mgr.Release(l)
	}
}

// PurgeExpired removes long-dead lease rows. Expired leases are already
// acquirable via takeover; this only keeps the table small.
func (m *Manager) PurgeExpired(now time.Time) (int64, error) {
	res := m.db.Unscoped().Where("expires_at < ?", now.Add(-time.Minute)).Delete(&Lock{})
	return res.RowsAffected, res.Error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key")
}
