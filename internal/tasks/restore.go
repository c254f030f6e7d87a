package tasks

import (
	"context"
	"fmt"
	"time"

	"konomitv-offline/internal/cachestore"
	"konomitv-offline/pkg/models"
)

// RestoreFromCacheStorage rebuilds tasks from the offline partitions in the cache
// store. Tasks already known to this manager are left alone. Expired locks found
// along the way are released. It returns the number of tasks restored.
func (m *Manager) RestoreFromCacheStorage(ctx context.Context) (int, error) {
	names, err := m.deps.Storage.Names(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list caches: %w", err)
	}

	restored := 0
	for _, name := range names {
		videoID, quality, ok := cachestore.ParseCacheName(m.deps.Ledger.Prefix(), name)
		if !ok {
			continue
		}

		key := models.TaskKey(videoID, quality)
		m.mu.RLock()
		_, known := m.tasks[key]
		m.mu.RUnlock()
		if known {
			continue
		}

		task, err := m.restoreTask(ctx, name, videoID, quality)
		if err != nil {
			m.logger.Warn("Failed to restore download task", "cache", name, "error", err)
			continue
		}
		if task == nil {
			continue
		}

		m.mu.Lock()
		if _, exists := m.tasks[key]; !exists {
			m.tasks[key] = task
			restored++
		}
		m.mu.Unlock()
	}

	m.logger.Info("Restored download tasks from cache", "restored", restored, "caches", len(names))
	return restored, nil
}

// restoreTask builds a task from the ledger, or from the cached playlist for
// partitions written before the ledger existed. It returns nil when the partition
// holds nothing to show.
func (m *Manager) restoreTask(ctx context.Context, name string, videoID int, quality string) (*models.DownloadTask, error) {
	cache, err := m.deps.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	task := &models.DownloadTask{
		VideoID: videoID,
		Quality: quality,
		Title:   m.cachedTitle(ctx, cache, videoID),
	}
	if task.Title == "" {
		task.Title = fmt.Sprintf("Video %d", videoID)
	}
	if m.deps.API != nil {
		task.ThumbnailURL = m.deps.API.ThumbnailURL(videoID, false)
	}

	if md := m.deps.Ledger.Read(ctx, videoID, quality); md != nil {
		if m.deps.Cleanup != nil {
			m.deps.Cleanup.ReleaseExpiredLock(ctx, videoID, quality, md)
		}

		task.IsHEVC = md.IsHEVC
		task.TotalSegments = md.TotalSegments
		task.DownloadedSegments = len(md.DownloadedSegments)
		task.Progress = models.ProgressPercent(task.DownloadedSegments, task.TotalSegments)
		task.Status = restoredStatus(md)
		if md.LastUpdated > 0 {
			task.CreatedAt = time.UnixMilli(md.LastUpdated)
		} else {
			task.CreatedAt = m.now()
		}
		task.UpdatedAt = task.CreatedAt
		return task, nil
	}

	if m.deps.API == nil {
		return nil, nil
	}

	// No ledger: find which codec variant was cached and count its segments
	for _, hevc := range []bool{true, false} {
		downloaded, total, bytes, ok := m.countCachedSegments(ctx, cache, videoID, quality, hevc)
		if !ok {
			continue
		}

		task.IsHEVC = hevc
		task.TotalSegments = total
		task.DownloadedSegments = downloaded
		task.DownloadedBytes = bytes
		if downloaded > 0 {
			task.TotalBytes = bytes / int64(downloaded) * int64(total)
		}
		task.Progress = models.ProgressPercent(downloaded, total)
		task.Status = models.StatusPaused
		if total > 0 && downloaded == total {
			task.Status = models.StatusCompleted
		}
		task.CreatedAt = m.now()
		task.UpdatedAt = task.CreatedAt
		return task, nil
	}

	return nil, nil
}

// restoredStatus infers the task status from a ledger record. Only completed and
// failed are stored; the rest follows from the lock and the progress.
func restoredStatus(md *models.DownloadStatusMetadata) models.DownloadStatus {
	switch {
	case md.Status == models.StatusCompleted || md.Status == models.StatusFailed:
		return md.Status
	case md.Lock.Locked:
		return models.StatusDownloading
	case len(md.DownloadedSegments) > 0:
		return models.StatusPaused
	default:
		return models.StatusPending
	}
}
