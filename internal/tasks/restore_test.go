package tasks

import (
	"context"
	"net/http"
	"testing"
	"time"

	"konomitv-offline/internal/cachestore"
	"konomitv-offline/pkg/models"

	"github.com/stretchr/testify/require"
)

func (tm *testManager) put(t *testing.T, videoID int, quality, key string, body []byte) {
	t.Helper()
	cache, err := tm.db.Open(context.Background(), tm.ledger.CacheName(videoID, quality))
	require.NoError(t, err)
	require.NoError(t, cache.Put(context.Background(), key, &cachestore.Response{Status: http.StatusOK, Body: body}))
}

func TestRestoredStatus(t *testing.T) {
	tests := []struct {
		name string
		md   models.DownloadStatusMetadata
		want models.DownloadStatus
	}{
		{name: "completed", md: models.DownloadStatusMetadata{Status: models.StatusCompleted}, want: models.StatusCompleted},
		{name: "failed", md: models.DownloadStatusMetadata{Status: models.StatusFailed}, want: models.StatusFailed},
		{name: "locked", md: models.DownloadStatusMetadata{Status: models.StatusPending, Lock: models.DownloadLock{Locked: true}}, want: models.StatusDownloading},
		{name: "partial", md: models.DownloadStatusMetadata{Status: models.StatusPending, DownloadedSegments: models.NewSegmentSet(0, 1)}, want: models.StatusPaused},
		{name: "nothing yet", md: models.DownloadStatusMetadata{Status: models.StatusPending}, want: models.StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, restoredStatus(&tt.md))
		})
	}
}

func TestManager_RestoreFromCacheStorage(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()
	now := time.Now()

	// Completed download with cached metadata
	tm.put(t, 1, "1080p", tm.client.VideoURL(1), []byte(`{"id":1,"title":"Cached Title"}`))
	require.NoError(t, tm.ledger.Write(ctx, 1, "1080p", func(md *models.DownloadStatusMetadata) {
		md.TotalSegments = 4
		md.DownloadedSegments = models.NewSegmentSet(0, 1, 2, 3)
		md.Status = models.StatusCompleted
		md.IsHEVC = true
	}))

	// Partial download whose owner died long ago
	require.NoError(t, tm.ledger.Write(ctx, 2, "720p", func(md *models.DownloadStatusMetadata) {
		md.TotalSegments = 10
		md.DownloadedSegments = models.NewSegmentSet(0, 1, 2)
		md.Lock = models.DownloadLock{Locked: true, PageID: "page-dead", Timestamp: now.Add(-time.Minute).UnixMilli()}
	}))

	// Download running in another process
	require.NoError(t, tm.ledger.Write(ctx, 3, "1080p", func(md *models.DownloadStatusMetadata) {
		md.TotalSegments = 10
		md.DownloadedSegments = models.NewSegmentSet(0)
		md.Lock = models.DownloadLock{Locked: true, PageID: "page-live", Timestamp: now.UnixMilli()}
	}))

	// Written before the ledger existed: HEVC playlist with two of three segments
	playlistURL := tm.client.PlaylistURL(5, "1080p", true, "", "")
	tm.put(t, 5, "1080p", playlistURL, []byte("#EXTM3U\nsegment?sequence=0&session_id=a\nsegment?sequence=1&session_id=a\nsegment?sequence=2&session_id=a\n"))
	tm.put(t, 5, "1080p", "https://tv.local/api/streams/video/5/1080p-hevc/segment?sequence=0", []byte("aaaa"))
	tm.put(t, 5, "1080p", "https://tv.local/api/streams/video/5/1080p-hevc/segment?sequence=2", []byte("bbbb"))

	// Nothing usable
	_, err := tm.db.Open(ctx, tm.ledger.CacheName(6, "1080p"))
	require.NoError(t, err)
	_, err = tm.db.Open(ctx, "unrelated-cache")
	require.NoError(t, err)

	restored, err := tm.RestoreFromCacheStorage(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, restored)

	completed, ok := tm.Task(1, "1080p")
	require.True(t, ok)
	require.Equal(t, models.StatusCompleted, completed.Status)
	require.Equal(t, "Cached Title", completed.Title)
	require.Equal(t, 100, completed.Progress)
	require.True(t, completed.IsHEVC)

	partial, ok := tm.Task(2, "720p")
	require.True(t, ok)
	require.Equal(t, models.StatusPaused, partial.Status)
	require.Equal(t, "Video 2", partial.Title)
	require.Equal(t, 30, partial.Progress)
	require.False(t, tm.ledger.Read(ctx, 2, "720p").Lock.Locked, "expired lock must be released")

	live, ok := tm.Task(3, "1080p")
	require.True(t, ok)
	require.Equal(t, models.StatusDownloading, live.Status)
	require.True(t, tm.ledger.Read(ctx, 3, "1080p").Lock.Locked)

	legacy, ok := tm.Task(5, "1080p")
	require.True(t, ok)
	require.True(t, legacy.IsHEVC)
	require.Equal(t, models.StatusPaused, legacy.Status)
	require.Equal(t, 2, legacy.DownloadedSegments)
	require.Equal(t, 3, legacy.TotalSegments)
	require.Equal(t, int64(8), legacy.DownloadedBytes)
	require.Equal(t, int64(12), legacy.TotalBytes)

	_, ok = tm.Task(6, "1080p")
	require.False(t, ok)

	// Restoring again finds nothing new
	restored, err = tm.RestoreFromCacheStorage(ctx)
	require.NoError(t, err)
	require.Zero(t, restored)
}

func TestManager_RestoreLegacyH264(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	playlistURL := tm.client.PlaylistURL(7, "480p", false, "", "")
	tm.put(t, 7, "480p", playlistURL, []byte("#EXTM3U\nsegment?sequence=0\n"))
	tm.put(t, 7, "480p", "https://tv.local/api/streams/video/7/480p/segment?sequence=0", []byte("ts"))

	restored, err := tm.RestoreFromCacheStorage(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, restored)

	task, ok := tm.Task(7, "480p")
	require.True(t, ok)
	require.False(t, task.IsHEVC)
	require.Equal(t, models.StatusCompleted, task.Status)
	require.Equal(t, 100, task.Progress)
}
