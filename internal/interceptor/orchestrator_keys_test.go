package interceptor

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"konomitv-offline/internal/cachestore"
	"konomitv-offline/internal/downloader"
	"konomitv-offline/internal/konomitv"
	"konomitv-offline/internal/konomitv/konomitvtest"
	"konomitv-offline/internal/ledger"
	"konomitv-offline/internal/lock"
	"konomitv-offline/pkg/models"

	"github.com/stretchr/testify/require"
)

// A completed download must be playable through the handler without the upstream
func TestHandler_ServesDownloadedVideo(t *testing.T) {
	a := newTestAgent(t)
	ctx := context.Background()

	client, err := konomitv.New(a.upstream.APIURL())
	require.NoError(t, err)
	l := ledger.New(a.db, cachestore.DefaultCacheNamePrefix)
	o := downloader.New(client, a.db, l, lock.New(l, 10*time.Second), a.bus, downloader.DefaultConfig())

	err = o.DownloadVideo(ctx, downloader.Request{VideoID: 1, Quality: "1080p", PageID: "page-dl"}, nil)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, l.Read(ctx, 1, "1080p").Status)

	downloaded := a.upstream.TotalSegmentRequests()
	require.Equal(t, 12, downloaded)

	for _, sequence := range []int{0, 5, 11} {
		rec := a.get(t, fmt.Sprintf("/api/streams/video/1/1080p/segment?sequence=%d&session_id=other", sequence))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "hit", rec.Header().Get(CacheStatusHeader), "segment %d", sequence)
		require.Equal(t, string(konomitvtest.SegmentBody("1080p", sequence)), rec.Body.String())
	}
	require.Equal(t, downloaded, a.upstream.TotalSegmentRequests())

	for _, path := range []string{"/api/videos/1/thumbnail", "/api/videos/1/thumbnail/tiled"} {
		rec := a.get(t, path)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "hit", rec.Header().Get(CacheStatusHeader), path)
	}

	a.upstream.Close()

	rec := a.get(t, "/api/streams/video/1/1080p/playlist?session_id=other")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "fallback", rec.Header().Get(CacheStatusHeader))
	require.Contains(t, rec.Body.String(), "#EXTM3U")

	rec = a.get(t, "/api/videos/1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "fallback", rec.Header().Get(CacheStatusHeader))
	require.Contains(t, rec.Body.String(), "Test Recording")
}
