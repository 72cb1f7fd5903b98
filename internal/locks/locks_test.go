package locks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Moxxcompany/lockbay-core/internal/types"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Lock{}))
	t.Cleanup(func() {
		db.Exec("DELETE FROM locks")
	})
	return NewManager(db)
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, "escrow:ESC_abc", KeyFor(types.EntityEscrow, "ESC_abc"))
	assert.Equal(t, "cashout:USD_1234", KeyFor(types.EntityCashout, "USD_1234"))
}

func TestAcquireAndRelease(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	lease := m.Acquire(ctx, "escrow:ESC_1", 30*time.Second, 0, "test")
	require.True(t, lease.Acquired)

	// Held: a second attempt with no wait budget loses without error.
	second := m.Acquire(ctx, "escrow:ESC_1", 30*time.Second, 0, "test")
	assert.False(t, second.Acquired)

	lease.Release()

	third := m.Acquire(ctx, "escrow:ESC_1", 30*time.Second, 0, "test")
	assert.True(t, third.Acquired)
	third.Release()
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	dead := m.Acquire(ctx, "cashout:CSH_1", -time.Second, 0, "crashed holder")
	require.True(t, dead.Acquired)

	// Already past its TTL, so a new acquirer takes over without waiting.
	next := m.Acquire(ctx, "cashout:CSH_1", 30*time.Second, 0, "")
	assert.True(t, next.Acquired)

	// The crashed holder's late release must not free the new lease.
	dead.Release()
	blocked := m.Acquire(ctx, "cashout:CSH_1", 30*time.Second, 0, "")
	assert.False(t, blocked.Acquired)

	next.Release()
}

func TestMutualExclusionUnderConcurrency(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	const n = 8
	var holders int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			lease := m.Acquire(ctx, "escrow:ESC_race", 30*time.Second, 0, "")
			if lease.Acquired {
				atomic.AddInt32(&holders, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), holders, "only one concurrent acquirer may hold the lease")
}

func TestBoundedWaitSucceedsAfterRelease(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	lease := m.Acquire(ctx, "escrow:ESC_wait", 30*time.Second, 0, "")
	require.True(t, lease.Acquired)

	done := make(chan Lease, 1)
	go func() {
		done <- m.Acquire(ctx, "escrow:ESC_wait", 30*time.Second, 2*time.Second, "")
	}()

	time.Sleep(200 * time.Millisecond)
	lease.Release()

	waited := <-done
	assert.True(t, waited.Acquired, "waiter should pick up the lease within its wait budget")
	waited.Release()
}

func TestReleaseUnacquiredIsNoop(t *testing.T) {
	m := setupTestManager(t)
	lease := Lease{Acquired: false}
	lease.Release() // must not panic
	m.Release(lease)
}

func TestPurgeExpired(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	old := m.Acquire(ctx, "escrow:ESC_old", -2*time.Minute, 0, "")
	require.True(t, old.Acquired)
	live := m.Acquire(ctx, "escrow:ESC_live", time.Hour, 0, "")
	require.True(t, live.Acquired)

	purged, err := m.PurgeExpired(time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	live.Release()
}
