package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"konomitv-offline/internal/cachestore"
	"konomitv-offline/internal/database"
	"konomitv-offline/internal/ledger"
	"konomitv-offline/pkg/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLocker(t *testing.T) (*Locker, *ledger.Ledger, *fakeClock) {
	t.Helper()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{now: time.UnixMilli(1700000000000)}
	l := ledger.New(db, cachestore.DefaultCacheNamePrefix).WithClock(clock.Now)
	return New(l, 10*time.Second).WithClock(clock.Now), l, clock
}

func TestLocker_MutualExclusion(t *testing.T) {
	lk, l, _ := newTestLocker(t)
	ctx := context.Background()

	require.NoError(t, lk.Acquire(ctx, 1, "1080p", "page-a"))
	require.ErrorIs(t, lk.Acquire(ctx, 1, "1080p", "page-b"), ErrLockHeld)

	md := l.Read(ctx, 1, "1080p")
	require.NotNil(t, md)
	require.True(t, md.Lock.Locked)
	require.Equal(t, "page-a", md.Lock.PageID)

	// Other qualities are independent
	require.NoError(t, lk.Acquire(ctx, 1, "720p", "page-b"))
}

func TestLocker_ReacquireBySelf(t *testing.T) {
	lk, _, clock := newTestLocker(t)
	ctx := context.Background()

	require.NoError(t, lk.Acquire(ctx, 1, "1080p", "page-a"))
	clock.Advance(5 * time.Second)
	require.NoError(t, lk.Acquire(ctx, 1, "1080p", "page-a"))
}

func TestLocker_ExpiryLiveness(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    bool
	}{
		{name: "within timeout", elapsed: 9 * time.Second, want: false},
		{name: "exactly timeout", elapsed: 10 * time.Second, want: false},
		{name: "past timeout", elapsed: 10*time.Second + time.Millisecond, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lk, _, clock := newTestLocker(t)
			ctx := context.Background()

			require.NoError(t, lk.Acquire(ctx, 1, "1080p", "page-a"))
			clock.Advance(tt.elapsed)
			err := lk.Acquire(ctx, 1, "1080p", "page-b")
			require.Equal(t, tt.want, err == nil)
		})
	}
}

func TestLocker_RefreshExtendsLease(t *testing.T) {
	lk, l, clock := newTestLocker(t)
	ctx := context.Background()

	require.NoError(t, lk.Acquire(ctx, 1, "1080p", "page-a"))
	clock.Advance(8 * time.Second)
	lk.Refresh(ctx, 1, "1080p", "page-a")
	clock.Advance(8 * time.Second)

	require.ErrorIs(t, lk.Acquire(ctx, 1, "1080p", "page-b"), ErrLockHeld)

	// Refresh by a non-owner changes nothing
	before := l.Read(ctx, 1, "1080p")
	clock.Advance(time.Second)
	lk.Refresh(ctx, 1, "1080p", "page-b")
	after := l.Read(ctx, 1, "1080p")
	require.Equal(t, before.Lock, after.Lock)
}

func TestLocker_Release(t *testing.T) {
	lk, l, _ := newTestLocker(t)
	ctx := context.Background()

	require.NoError(t, lk.Acquire(ctx, 1, "1080p", "page-a"))

	lk.Release(ctx, 1, "1080p", "page-b")
	require.True(t, l.Read(ctx, 1, "1080p").Lock.Locked)

	lk.Release(ctx, 1, "1080p", "page-a")
	require.Equal(t, models.DownloadLock{}, l.Read(ctx, 1, "1080p").Lock)

	require.NoError(t, lk.Acquire(ctx, 1, "1080p", "page-b"))
}

func TestLocker_ReleaseKeepsProgress(t *testing.T) {
	lk, l, _ := newTestLocker(t)
	ctx := context.Background()

	require.NoError(t, lk.Acquire(ctx, 1, "1080p", "page-a"))
	require.NoError(t, l.Write(ctx, 1, "1080p", func(md *models.DownloadStatusMetadata) {
		md.TotalSegments = 4
		md.DownloadedSegments.Add(2)
	}))
	lk.Release(ctx, 1, "1080p", "page-a")

	md := l.Read(ctx, 1, "1080p")
	require.Equal(t, 4, md.TotalSegments)
	require.Equal(t, []int{2}, md.DownloadedSegments.Sorted())
}

func TestIsExpired(t *testing.T) {
	lock := models.DownloadLock{Locked: true, Timestamp: 1000}
	require.False(t, IsExpired(lock, time.UnixMilli(11000), 10*time.Second))
	require.True(t, IsExpired(lock, time.UnixMilli(11001), 10*time.Second))
}

func TestLocker_Heartbeat(t *testing.T) {
	defer goleak.VerifyNone(t)

	db, err := database.New(":memory:")
	require.NoError(t, err)
	defer db.Close()

	l := ledger.New(db, cachestore.DefaultCacheNamePrefix)
	lk := New(l, time.Second)
	ctx := context.Background()

	require.NoError(t, lk.Acquire(ctx, 1, "1080p", "page-a"))
	first := l.Read(ctx, 1, "1080p").Lock.Timestamp

	stop := lk.Heartbeat(ctx, 1, "1080p", "page-a", 20*time.Millisecond)
	require.Eventually(t, func() bool {
		md := l.Read(ctx, 1, "1080p")
		return md != nil && md.Lock.Timestamp > first
	}, 2*time.Second, 10*time.Millisecond)

	stop()
	stop()
}

func TestLocker_HeartbeatStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	db, err := database.New(":memory:")
	require.NoError(t, err)
	defer db.Close()

	lk := New(ledger.New(db, cachestore.DefaultCacheNamePrefix), time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	stop := lk.Heartbeat(ctx, 1, "1080p", "page-a", 10*time.Millisecond)
	cancel()
	stop()
}

type unwritableStorage struct {
	cachestore.Storage
}

func (unwritableStorage) Open(context.Context, string) (cachestore.Cache, error) {
	return nil, errors.New("disk full")
}

func TestLocker_AcquireStorageFailure(t *testing.T) {
	db, err := database.New(":memory:")
	require.NoError(t, err)
	defer db.Close()

	lk := New(ledger.New(unwritableStorage{Storage: db}, cachestore.DefaultCacheNamePrefix), time.Second)

	err = lk.Acquire(context.Background(), 1, "1080p", "page-a")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrLockHeld)
	require.ErrorContains(t, err, "disk full")
}

func TestLocker_HeartbeatKeepsProgress(t *testing.T) {
	defer goleak.VerifyNone(t)

	db, err := database.New(":memory:")
	require.NoError(t, err)
	defer db.Close()

	l := ledger.New(db, cachestore.DefaultCacheNamePrefix)
	lk := New(l, time.Second)
	ctx := context.Background()

	require.NoError(t, lk.Acquire(ctx, 1, "1080p", "page-a"))
	stop := lk.Heartbeat(ctx, 1, "1080p", "page-a", time.Millisecond)

	for i := range 20 {
		require.NoError(t, l.Write(ctx, 1, "1080p", func(md *models.DownloadStatusMetadata) {
			md.TotalSegments = 20
			md.DownloadedSegments.Add(i)
		}))
	}
	stop()

	md := l.Read(ctx, 1, "1080p")
	require.Equal(t, 20, md.TotalSegments)
	require.Len(t, md.DownloadedSegments, 20)
	require.Equal(t, "page-a", md.Lock.PageID)
}
