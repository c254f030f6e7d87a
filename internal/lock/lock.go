// Package lock implements the lease that gives one page at a time the right to
// download a video and quality. The lease lives in the ledger record, so it works
// across processes that share nothing but the cache store.
//
// Acquire reads and then writes the record without a compare-and-swap. Two pages
// racing on a free lease may both believe they won; the later write wins the record.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"konomitv-offline/internal/ledger"
	"konomitv-offline/pkg/models"
)

const (
	// DefaultTimeout is the age after which a lease is considered abandoned
	DefaultTimeout = 10 * time.Second
	// DefaultHeartbeatInterval must stay below DefaultTimeout
	DefaultHeartbeatInterval = 5 * time.Second
)

// ErrLockHeld is returned by Acquire when another page owns a live lease
var ErrLockHeld = errors.New("download lock held by another page")

// Locker acquires, refreshes and releases download leases
type Locker struct {
	ledger  *ledger.Ledger
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Locker. A non-positive timeout selects DefaultTimeout.
func New(l *ledger.Ledger, timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Locker{
		ledger:  l,
		timeout: timeout,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// WithClock replaces the clock used for timestamps and expiry
func (lk *Locker) WithClock(now func() time.Time) *Locker {
	lk.now = now
	return lk
}

// Timeout returns the lease timeout
func (lk *Locker) Timeout() time.Duration {
	return lk.timeout
}

// IsExpired reports whether a held lease is older than timeout
func IsExpired(lock models.DownloadLock, now time.Time, timeout time.Duration) bool {
	return now.UnixMilli()-lock.Timestamp > timeout.Milliseconds()
}

// Acquirable reports whether pageID may take the lease described by md
func (lk *Locker) Acquirable(md *models.DownloadStatusMetadata, pageID string) bool {
	switch {
	case md == nil:
		return true
	case !md.Lock.Locked:
		return true
	case IsExpired(md.Lock, lk.now(), lk.timeout):
		return true
	case md.Lock.PageID == pageID:
		return true
	default:
		return false
	}
}

// Acquire takes the lease for pageID when it is missing, free, expired or already
// owned by pageID. It returns ErrLockHeld when another page owns the lease and a
// wrapped storage error when the lease could not be written.
func (lk *Locker) Acquire(ctx context.Context, videoID int, quality, pageID string) error {
	md := lk.ledger.Read(ctx, videoID, quality)
	if !lk.Acquirable(md, pageID) {
		lk.logger.Debug("Download lock held by another page",
			"video_id", videoID, "quality", quality, "owner", md.Lock.PageID)
		return ErrLockHeld
	}

	err := lk.ledger.Write(ctx, videoID, quality, func(md *models.DownloadStatusMetadata) {
		md.Lock = models.DownloadLock{
			Locked:    true,
			PageID:    pageID,
			Timestamp: lk.now().UnixMilli(),
		}
	})
	if err != nil {
		return fmt.Errorf("failed to write download lock: %w", err)
	}

	lk.logger.Debug("Acquired download lock", "video_id", videoID, "quality", quality, "page_id", pageID)
	return nil
}

// Refresh renews the lease timestamp when pageID still owns it. Losing the lease
// is silent.
func (lk *Locker) Refresh(ctx context.Context, videoID int, quality, pageID string) {
	md := lk.ledger.Read(ctx, videoID, quality)
	if md == nil || !md.Lock.Locked || md.Lock.PageID != pageID {
		return
	}

	_ = lk.ledger.Write(ctx, videoID, quality, func(md *models.DownloadStatusMetadata) {
		if md.Lock.Locked && md.Lock.PageID == pageID {
			md.Lock.Timestamp = lk.now().UnixMilli()
		}
	})
}

// Release clears the lease when pageID owns it
func (lk *Locker) Release(ctx context.Context, videoID int, quality, pageID string) {
	md := lk.ledger.Read(ctx, videoID, quality)
	if md == nil || !md.Lock.Locked || md.Lock.PageID != pageID {
		owner := ""
		if md != nil {
			owner = md.Lock.PageID
		}
		lk.logger.Warn("Not releasing download lock owned by another page",
			"video_id", videoID, "quality", quality, "page_id", pageID, "owner", owner)
		return
	}

	_ = lk.ledger.Write(ctx, videoID, quality, func(md *models.DownloadStatusMetadata) {
		md.Lock = models.DownloadLock{}
	})
	lk.logger.Debug("Released download lock", "video_id", videoID, "quality", quality, "page_id", pageID)
}

// Heartbeat refreshes the lease every interval until the returned stop function is
// called or ctx ends. stop waits for the refresher to exit and is safe to call twice.
func (lk *Locker) Heartbeat(ctx context.Context, videoID int, quality, pageID string, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				lk.Refresh(ctx, videoID, quality, pageID)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
