// Package maintenance runs the periodic housekeeping the reconciliation
// tables need: expiring overdue entities and purging dead idempotency and
// lock rows.
package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Moxxcompany/lockbay-core/internal/entities"
	"github.com/Moxxcompany/lockbay-core/internal/idempotency"
	"github.com/Moxxcompany/lockbay-core/internal/locks"
)

type Sweeper struct {
	entities *entities.Database
	idem     *idempotency.Database
	locks    *locks.Manager
	interval time.Duration
}

func NewSweeper(db *gorm.DB, lockMgr *locks.Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		entities: entities.NewDatabase(db),
		idem:     idempotency.NewDatabase(db),
		locks:    lockMgr,
		interval: interval,
	}
}

// Start begins the sweep loop and blocks until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "maintenance_sweeper").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting maintenance sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down maintenance sweeper")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep runs each task independently; a failure in one never blocks the
// others.
func (s *Sweeper) sweep() {
	logger := log.With().Str("component", "maintenance_sweeper").Logger()
	now := time.Now()

	expired, err := s.entities.ExpireOverdue(now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to expire overdue entities")
	} else if expired > 0 {
		logger.Info().Int64("count", expired).Msg("expired overdue entities")
	}

	purged, err := s.idem.PurgeExpired(now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to purge expired idempotency records")
	} else if purged > 0 {
		logger.Info().Int64("count", purged).Msg("purged expired idempotency records")
	}

	released, err := s.locks.PurgeExpired(now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to purge expired locks")
	} else if released > 0 {
		logger.Info().Int64("count", released).Msg("purged expired lock rows")
	}
}
