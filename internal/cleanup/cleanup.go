// Package cleanup releases abandoned download leases and removes cache partitions
// that hold nothing.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"konomitv-offline/internal/cachestore"
	"konomitv-offline/internal/ledger"
	"konomitv-offline/internal/lock"
	"konomitv-offline/internal/metrics"
	"konomitv-offline/pkg/models"
)

// Service provides cache cleanup services
type Service struct {
	storage cachestore.Storage
	ledger  *ledger.Ledger
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewService creates a new cleanup service. timeout is the lease timeout used to
// decide whether a lock was abandoned.
func NewService(storage cachestore.Storage, l *ledger.Ledger, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = lock.DefaultTimeout
	}
	return &Service{
		storage: storage,
		ledger:  l,
		timeout: timeout,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// WithClock replaces the clock used for expiry checks
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ReleaseExpiredLock clears the lease in md when it expired. It reports whether a
// lease was released.
func (s *Service) ReleaseExpiredLock(ctx context.Context, videoID int, quality string, md *models.DownloadStatusMetadata) bool {
	if md == nil || !md.Lock.Locked || !lock.IsExpired(md.Lock, s.now(), s.timeout) {
		return false
	}

	stale := md.Lock
	released := false
	err := s.ledger.Write(ctx, videoID, quality, func(current *models.DownloadStatusMetadata) {
		// Leave it alone if someone refreshed or took it meanwhile
		if current.Lock != stale {
			return
		}
		current.Lock = models.DownloadLock{}
		released = true
	})
	if err != nil {
		s.logger.Warn("Failed to release expired lock", "video_id", videoID, "quality", quality, "error", err)
		return false
	}

	if released {
		md.Lock = models.DownloadLock{}
		metrics.ExpiredLocksReleased.Inc()
		s.logger.Info("Released expired download lock",
			"video_id", videoID,
			"quality", quality,
			"owner", stale.PageID,
			"age", s.now().Sub(time.UnixMilli(stale.Timestamp)).Round(time.Second))
	}
	return released
}

// ReleaseExpiredLocks sweeps every offline partition
func (s *Service) ReleaseExpiredLocks(ctx context.Context) (int, error) {
	names, err := s.storage.Names(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list caches: %w", err)
	}

	released := 0
	for _, name := range names {
		videoID, quality, ok := cachestore.ParseCacheName(s.ledger.Prefix(), name)
		if !ok {
			continue
		}
		if s.ReleaseExpiredLock(ctx, videoID, quality, s.ledger.Read(ctx, videoID, quality)) {
			released++
		}
	}

	if released > 0 {
		s.logger.Info("Expired lock sweep completed", "released", released, "caches", len(names))
	}
	return released, nil
}

// RemoveEmptyPartitions deletes offline partitions that contain no entries
func (s *Service) RemoveEmptyPartitions(ctx context.Context) (int, error) {
	names, err := s.storage.Names(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list caches: %w", err)
	}

	removed := 0
	for _, name := range names {
		if _, _, ok := cachestore.ParseCacheName(s.ledger.Prefix(), name); !ok {
			continue
		}

		cache, err := s.storage.Open(ctx, name)
		if err != nil {
			s.logger.Warn("Failed to open cache", "cache", name, "error", err)
			continue
		}
		keys, err := cache.Keys(ctx)
		if err != nil {
			s.logger.Warn("Failed to list cache keys", "cache", name, "error", err)
			continue
		}
		if len(keys) > 0 {
			continue
		}

		if deleted, err := s.storage.Delete(ctx, name); err != nil {
			s.logger.Warn("Failed to remove empty cache", "cache", name, "error", err)
		} else if deleted {
			s.logger.Info("Removed empty cache", "cache", name)
			removed++
		}
	}

	return removed, nil
}

// GetCleanupStats reports what a sweep would find without changing anything
func (s *Service) GetCleanupStats(ctx context.Context) (*CleanupStats, error) {
	names, err := s.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}

	stats := &CleanupStats{}
	now := s.now()
	for _, name := range names {
		videoID, quality, ok := cachestore.ParseCacheName(s.ledger.Prefix(), name)
		if !ok {
			stats.ForeignCaches++
			continue
		}
		stats.OfflineCaches++

		md := s.ledger.Read(ctx, videoID, quality)
		switch {
		case md == nil:
			stats.MissingLedgers++
		case md.Lock.Locked && lock.IsExpired(md.Lock, now, s.timeout):
			stats.ExpiredLocks++
		case md.Lock.Locked:
			stats.ActiveLocks++
		}
	}

	return stats, nil
}

// CleanupStats provides statistics about the cache store
type CleanupStats struct {
	OfflineCaches  int `json:"offline_caches"`
	ForeignCaches  int `json:"foreign_caches"`
	MissingLedgers int `json:"missing_ledgers"`
	ActiveLocks    int `json:"active_locks"`
	ExpiredLocks   int `json:"expired_locks"`
}
