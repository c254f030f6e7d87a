package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"konomitv-offline/internal/cachestore"
	"konomitv-offline/internal/cleanup"
	"konomitv-offline/internal/database"
	"konomitv-offline/internal/downloader"
	"konomitv-offline/internal/konomitv"
	"konomitv-offline/internal/ledger"
	"konomitv-offline/internal/lock"
	"konomitv-offline/internal/messaging"
	"konomitv-offline/internal/notify"
	"konomitv-offline/internal/tasks/mocks"
	"konomitv-offline/pkg/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testPageID = "page-test"

type testManager struct {
	*Manager
	downloader *mocks.MockDownloader
	db         *database.DB
	ledger     *ledger.Ledger
	client     *konomitv.Client
	bus        *messaging.MemoryBus
	notes      *notify.Recorder
}

func newTestManager(t *testing.T) *testManager {
	t.Helper()

	ctrl := gomock.NewController(t)
	dl := mocks.NewMockDownloader(ctrl)

	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	client, err := konomitv.New("https://tv.local/api")
	require.NoError(t, err)

	l := ledger.New(db, cachestore.DefaultCacheNamePrefix)
	bus := messaging.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	notes := notify.NewRecorder(20)

	m := New(Deps{
		Downloader: dl,
		Storage:    db,
		Ledger:     l,
		Cleanup:    cleanup.NewService(db, l, lock.DefaultTimeout),
		API:        client,
		Bus:        bus,
		Notifier:   notes,
		PageID:     testPageID,
	})
	t.Cleanup(func() { m.Close() })

	return &testManager{
		Manager:    m,
		downloader: dl,
		db:         db,
		ledger:     l,
		client:     client,
		bus:        bus,
		notes:      notes,
	}
}

func (tm *testManager) lastNotification(t *testing.T) notify.Notification {
	t.Helper()
	recent := tm.notes.Recent(1)
	require.Len(t, recent, 1)
	return recent[0]
}

func abortedBy(ctx context.Context) error {
	return fmt.Errorf("%w: %w", downloader.ErrDownloadAborted, ctx.Err())
}

func TestManager_StartDownloadCompleted(t *testing.T) {
	tm := newTestManager(t)

	tm.downloader.EXPECT().
		DownloadVideo(gomock.Any(), downloader.Request{VideoID: 1, Quality: "1080p", UseHEVC: true, PageID: testPageID}, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ downloader.Request, onProgress downloader.ProgressFunc) error {
			onProgress(downloader.Progress{Downloaded: 5, Total: 10, Bytes: 5000, Speed: 250})
			return nil
		})

	err := tm.StartDownload(context.Background(), StartRequest{VideoID: 1, Quality: "1080p", UseHEVC: true, Title: "Evening News"})
	require.NoError(t, err)

	task, ok := tm.Task(1, "1080p")
	require.True(t, ok)
	require.Equal(t, models.StatusCompleted, task.Status)
	require.Equal(t, "Evening News", task.Title)
	require.True(t, task.IsHEVC)
	require.Equal(t, 50, task.Progress)
	require.Equal(t, 5, task.DownloadedSegments)
	require.Equal(t, 10, task.TotalSegments)
	require.Equal(t, int64(5000), task.DownloadedBytes)
	require.Equal(t, int64(10000), task.TotalBytes)
	require.Zero(t, task.DownloadSpeed)
	require.Equal(t, "https://tv.local/api/videos/1/thumbnail", task.ThumbnailURL)

	last := tm.lastNotification(t)
	require.Equal(t, notify.LevelSuccess, last.Level)
	require.Equal(t, "Download completed: Evening News", last.Message)
}

func TestManager_StartDownloadValidation(t *testing.T) {
	tm := newTestManager(t)

	require.Error(t, tm.StartDownload(context.Background(), StartRequest{VideoID: 0, Quality: "1080p"}))
	require.Error(t, tm.StartDownload(context.Background(), StartRequest{VideoID: 1}))
	require.Empty(t, tm.Tasks())
}

func TestManager_StartDownloadOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  models.DownloadStatus
		wantLevel   notify.Level
		wantMessage string
	}{
		{
			name:        "lock held elsewhere",
			err:         &downloader.DownloadLockError{VideoID: 1, Quality: "1080p", Owner: "page-other"},
			wantStatus:  models.StatusPaused,
			wantLevel:   notify.LevelWarning,
			wantMessage: "Show is already being downloaded in another window",
		},
		{
			name:        "aborted",
			err:         fmt.Errorf("%w: %w", downloader.ErrDownloadAborted, context.Canceled),
			wantStatus:  models.StatusPaused,
			wantLevel:   notify.LevelInfo,
			wantMessage: "Download paused: Show",
		},
		{
			name:        "failed",
			err:         downloader.ErrEmptyPlaylist,
			wantStatus:  models.StatusFailed,
			wantLevel:   notify.LevelError,
			wantMessage: "Download failed: Show: playlist has no segments",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := newTestManager(t)
			tm.downloader.EXPECT().DownloadVideo(gomock.Any(), gomock.Any(), gomock.Any()).Return(tt.err)

			err := tm.StartDownload(context.Background(), StartRequest{VideoID: 1, Quality: "1080p", Title: "Show"})
			require.ErrorIs(t, err, tt.err)

			task, ok := tm.Task(1, "1080p")
			require.True(t, ok)
			require.Equal(t, tt.wantStatus, task.Status)

			last := tm.lastNotification(t)
			require.Equal(t, tt.wantLevel, last.Level)
			require.Equal(t, tt.wantMessage, last.Message)
		})
	}
}

func TestManager_StartDownloadDeduplicates(t *testing.T) {
	tm := newTestManager(t)

	started := make(chan struct{})
	release := make(chan struct{})
	tm.downloader.EXPECT().
		DownloadVideo(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, downloader.Request, downloader.ProgressFunc) error {
			close(started)
			<-release
			return nil
		}).
		Times(1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = tm.StartDownload(context.Background(), StartRequest{VideoID: 1, Quality: "1080p"})
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = tm.StartDownload(context.Background(), StartRequest{VideoID: 1, Quality: "1080p"})
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Len(t, tm.Tasks(), 1)
}

func TestManager_StartDownloadCallerCancelDoesNotStopRun(t *testing.T) {
	tm := newTestManager(t)

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	tm.downloader.EXPECT().
		DownloadVideo(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ downloader.Request, _ downloader.ProgressFunc) error {
			defer close(finished)
			close(started)
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return abortedBy(ctx)
			}
		})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- tm.StartDownload(ctx, StartRequest{VideoID: 1, Quality: "1080p"})
	}()
	<-started
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	<-finished
	require.Eventually(t, func() bool {
		task, _ := tm.Task(1, "1080p")
		return task.Status == models.StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestManager_Pause(t *testing.T) {
	tm := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbox, err := tm.bus.Subscribe(ctx)
	require.NoError(t, err)

	started := make(chan struct{})
	tm.downloader.EXPECT().
		DownloadVideo(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ downloader.Request, _ downloader.ProgressFunc) error {
			close(started)
			<-ctx.Done()
			return abortedBy(ctx)
		})

	errCh := make(chan error, 1)
	go func() {
		errCh <- tm.StartDownload(context.Background(), StartRequest{VideoID: 1, Quality: "1080p", Title: "Show"})
	}()
	<-started

	require.NoError(t, tm.Pause(context.Background(), 1, "1080p"))
	require.ErrorIs(t, <-errCh, downloader.ErrDownloadAborted)

	task, _ := tm.Task(1, "1080p")
	require.Equal(t, models.StatusPaused, task.Status)

	select {
	case msg := <-inbox:
		require.Equal(t, messaging.Message{Type: messaging.PauseDownload, VideoID: 1, Quality: "1080p"}, msg)
	case <-time.After(time.Second):
		t.Fatal("pause message not published")
	}
}

func TestManager_PauseUnknownTask(t *testing.T) {
	tm := newTestManager(t)
	require.ErrorIs(t, tm.Pause(context.Background(), 9, "1080p"), ErrTaskNotFound)
	require.ErrorIs(t, tm.Resume(context.Background(), 9, "1080p"), ErrTaskNotFound)
}

func TestManager_Resume(t *testing.T) {
	tm := newTestManager(t)

	gomock.InOrder(
		tm.downloader.EXPECT().
			DownloadVideo(gomock.Any(), downloader.Request{VideoID: 1, Quality: "1080p", UseHEVC: true, PageID: testPageID}, gomock.Any()).
			Return(fmt.Errorf("%w: %w", downloader.ErrDownloadAborted, context.Canceled)),
		tm.downloader.EXPECT().
			DownloadVideo(gomock.Any(), downloader.Request{VideoID: 1, Quality: "1080p", UseHEVC: true, PageID: testPageID}, gomock.Any()).
			Return(nil),
	)

	err := tm.StartDownload(context.Background(), StartRequest{VideoID: 1, Quality: "1080p", UseHEVC: true, Title: "Show"})
	require.ErrorIs(t, err, downloader.ErrDownloadAborted)

	require.NoError(t, tm.Resume(context.Background(), 1, "1080p"))

	task, _ := tm.Task(1, "1080p")
	require.Equal(t, models.StatusCompleted, task.Status)
	require.Equal(t, "Show", task.Title)
}

func TestManager_RunResumesPausedTask(t *testing.T) {
	tm := newTestManager(t)

	resumed := make(chan struct{})
	gomock.InOrder(
		tm.downloader.EXPECT().DownloadVideo(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(fmt.Errorf("%w: %w", downloader.ErrDownloadAborted, context.Canceled)),
		tm.downloader.EXPECT().DownloadVideo(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(context.Context, downloader.Request, downloader.ProgressFunc) error {
				close(resumed)
				return nil
			}),
	)
	require.ErrorIs(t, tm.StartDownload(context.Background(), StartRequest{VideoID: 1, Quality: "1080p"}), downloader.ErrDownloadAborted)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- tm.Run(ctx) }()

	// Give Run time to subscribe
	require.Eventually(t, func() bool {
		_ = tm.bus.Publish(context.Background(), messaging.Message{Type: messaging.ResumeDownload, VideoID: 1, Quality: "1080p"})
		select {
		case <-resumed:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		task, _ := tm.Task(1, "1080p")
		return task.Status == models.StatusCompleted
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-runDone)
}

func TestManager_Delete(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	tm.downloader.EXPECT().
		DownloadVideo(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req downloader.Request, _ downloader.ProgressFunc) error {
			cache, err := tm.db.Open(ctx, tm.ledger.CacheName(req.VideoID, req.Quality))
			require.NoError(t, err)
			require.NoError(t, cache.Put(ctx, "https://tv.local/api/streams/video/1/1080p/segment?sequence=0",
				&cachestore.Response{Status: http.StatusOK, Body: []byte("ts")}))
			return tm.ledger.Write(ctx, req.VideoID, req.Quality, func(md *models.DownloadStatusMetadata) {
				md.TotalSegments = 1
				md.DownloadedSegments = models.NewSegmentSet(0)
				md.Status = models.StatusCompleted
			})
		})

	require.NoError(t, tm.StartDownload(ctx, StartRequest{VideoID: 1, Quality: "1080p"}))
	require.True(t, tm.IsVideoCached(ctx, 1, "1080p"))

	require.NoError(t, tm.Delete(ctx, 1, "1080p"))

	require.False(t, tm.IsVideoCached(ctx, 1, "1080p"))
	exists, err := tm.db.Has(ctx, tm.ledger.CacheName(1, "1080p"))
	require.NoError(t, err)
	require.False(t, exists)
	_, ok := tm.Task(1, "1080p")
	require.False(t, ok)

	require.ErrorIs(t, tm.Delete(ctx, 1, "1080p"), ErrTaskNotFound)
}

func TestManager_DeleteRunningDownload(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	started := make(chan struct{})
	tm.downloader.EXPECT().
		DownloadVideo(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(runCtx context.Context, req downloader.Request, _ downloader.ProgressFunc) error {
			require.NoError(t, tm.ledger.Write(runCtx, req.VideoID, req.Quality, nil))
			close(started)
			<-runCtx.Done()
			// Unwinding writes the ledger again, as the lock release does
			_ = tm.ledger.Write(context.WithoutCancel(runCtx), req.VideoID, req.Quality, nil)
			return abortedBy(runCtx)
		})

	errCh := make(chan error, 1)
	go func() {
		errCh <- tm.StartDownload(ctx, StartRequest{VideoID: 1, Quality: "1080p"})
	}()
	<-started

	require.NoError(t, tm.Delete(ctx, 1, "1080p"))
	require.ErrorIs(t, <-errCh, downloader.ErrDownloadAborted)

	names, err := tm.db.Names(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
	require.Empty(t, tm.Tasks())
}

func TestManager_IsVideoCached(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	require.False(t, tm.IsVideoCached(ctx, 1, "1080p"))

	require.NoError(t, tm.ledger.Write(ctx, 1, "1080p", func(md *models.DownloadStatusMetadata) {
		md.TotalSegments = 3
		md.DownloadedSegments = models.NewSegmentSet(0)
	}))
	require.False(t, tm.IsVideoCached(ctx, 1, "1080p"))

	require.NoError(t, tm.ledger.Write(ctx, 1, "1080p", func(md *models.DownloadStatusMetadata) {
		md.Status = models.StatusCompleted
	}))
	require.True(t, tm.IsVideoCached(ctx, 1, "1080p"))
}

func TestManager_Close(t *testing.T) {
	tm := newTestManager(t)

	started := make(chan struct{})
	tm.downloader.EXPECT().
		DownloadVideo(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ downloader.Request, _ downloader.ProgressFunc) error {
			close(started)
			<-ctx.Done()
			return abortedBy(ctx)
		})

	errCh := make(chan error, 1)
	go func() {
		errCh <- tm.StartDownload(context.Background(), StartRequest{VideoID: 1, Quality: "1080p"})
	}()
	<-started

	require.NoError(t, tm.Close())
	require.ErrorIs(t, <-errCh, downloader.ErrDownloadAborted)

	err := tm.StartDownload(context.Background(), StartRequest{VideoID: 2, Quality: "1080p"})
	require.True(t, errors.Is(err, ErrManagerClosed))
}

func TestManager_PauseRightAfterLaunch(t *testing.T) {
	tm := newTestManager(t)

	tm.downloader.EXPECT().
		DownloadVideo(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ downloader.Request, _ downloader.ProgressFunc) error {
			<-ctx.Done()
			return abortedBy(ctx)
		}).
		AnyTimes()

	result, err := tm.Launch(StartRequest{VideoID: 1, Quality: "1080p", Title: "Show"})
	require.NoError(t, err)

	// The run is visible to Pause whether or not it has started yet
	require.NoError(t, tm.Pause(context.Background(), 1, "1080p"))

	select {
	case err := <-result:
		require.ErrorIs(t, err, downloader.ErrDownloadAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("paused download kept running")
	}

	task, ok := tm.Task(1, "1080p")
	require.True(t, ok)
	require.Equal(t, models.StatusPaused, task.Status)
}

func TestManager_DeletePausedNotifiesAgent(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	tm.downloader.EXPECT().
		DownloadVideo(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(abortedBy(canceledContext()))
	require.ErrorIs(t, tm.StartDownload(ctx, StartRequest{VideoID: 1, Quality: "1080p"}), downloader.ErrDownloadAborted)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	inbox, err := tm.bus.Subscribe(subCtx)
	require.NoError(t, err)

	require.NoError(t, tm.Delete(ctx, 1, "1080p"))

	select {
	case msg := <-inbox:
		require.Equal(t, messaging.Message{Type: messaging.DeleteDownload, VideoID: 1, Quality: "1080p"}, msg)
	case <-time.After(time.Second):
		t.Fatal("delete message not published")
	}
}

func canceledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
