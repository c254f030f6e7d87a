// Package tasks tracks offline downloads for the UI. A Manager is constructed once
// at startup and shared by the web handlers and the CLI.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"konomitv-offline/internal/cachestore"
	"konomitv-offline/internal/cleanup"
	"konomitv-offline/internal/downloader"
	"konomitv-offline/internal/hls"
	"konomitv-offline/internal/konomitv"
	"konomitv-offline/internal/ledger"
	"konomitv-offline/internal/messaging"
	"konomitv-offline/internal/metrics"
	"konomitv-offline/internal/notify"
	"konomitv-offline/pkg/models"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrTaskNotFound is returned for operations on an unknown video and quality
	ErrTaskNotFound = errors.New("download task not found")
	// ErrManagerClosed is returned once Close has been called
	ErrManagerClosed = errors.New("task manager closed")
)

// Downloader runs one download. It is implemented by *downloader.Orchestrator.
//
//go:generate mockgen -source=manager.go -destination=mocks/mock_manager.go -package=mocks
type Downloader interface {
	DownloadVideo(ctx context.Context, req downloader.Request, onProgress downloader.ProgressFunc) error
}

// Deps are the collaborators of a Manager
type Deps struct {
	Downloader Downloader
	Storage    cachestore.Storage
	Ledger     *ledger.Ledger
	Cleanup    *cleanup.Service
	API        konomitv.VideoAPI
	// Bus carries PAUSE_DOWNLOAD out and RESUME_DOWNLOAD in. Optional.
	Bus      messaging.Bus
	Notifier notify.Notifier
	// PageID identifies this process as a lock owner. A random id is used when empty.
	PageID string
}

// StartRequest describes a download requested by the user
type StartRequest struct {
	VideoID int    `json:"video_id"`
	Quality string `json:"quality"`
	UseHEVC bool   `json:"use_hevc"`
	Title   string `json:"title"`
}

// activeRun is a download registered in this process. It is registered before it
// starts so a pause or delete can reach it at any point.
type activeRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	err     error
}

// Manager tracks download tasks and runs them through the Downloader
type Manager struct {
	deps   Deps
	pageID string

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group
	wg     sync.WaitGroup

	mu     sync.RWMutex
	tasks  map[string]*models.DownloadTask
	runs   map[string]*activeRun
	closed bool

	now    func() time.Time
	logger *slog.Logger
}

// New creates a Manager. Downloads started through it outlive the request that
// started them and end when Close is called.
func New(deps Deps) *Manager {
	if deps.Notifier == nil {
		deps.Notifier = notify.NewRecorder(notify.DefaultCapacity)
	}
	pageID := deps.PageID
	if pageID == "" {
		pageID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:   deps,
		pageID: pageID,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*models.DownloadTask),
		runs:   make(map[string]*activeRun),
		now:    time.Now,
		logger: slog.Default(),
	}
}

// PageID returns the lock owner id used by this manager
func (m *Manager) PageID() string {
	return m.pageID
}

// StartDownload runs a download and waits for it. A second call for the same video
// and quality while one is running joins the running download instead of starting
// another. Cancelling ctx stops waiting but not the download; use Pause for that.
func (m *Manager) StartDownload(ctx context.Context, req StartRequest) error {
	result, err := m.Launch(req)
	if err != nil {
		return err
	}
	return wait(ctx, result)
}

// Launch registers a download and runs it in the background. Once Launch returns,
// Pause and Delete see the run. The channel receives the run's result.
func (m *Manager) Launch(req StartRequest) (<-chan error, error) {
	if req.VideoID <= 0 || req.Quality == "" {
		return nil, fmt.Errorf("invalid download request: video %d quality %q", req.VideoID, req.Quality)
	}
	key := models.TaskKey(req.VideoID, req.Quality)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	run, ok := m.runs[key]
	if !ok {
		ctx, cancel := context.WithCancel(m.ctx)
		run = &activeRun{ctx: ctx, cancel: cancel, done: make(chan struct{})}
		m.runs[key] = run
		m.wg.Add(1)
	}
	m.mu.Unlock()

	ch := m.group.DoChan(key, func() (any, error) {
		return nil, m.download(key, req, run)
	})

	result := make(chan error, 1)
	go func() {
		res := <-ch
		if res.Shared {
			m.logger.Debug("Joined in-flight download", "video_id", req.VideoID, "quality", req.Quality)
		}
		// Joined a flight that was finishing; the run registered for it never starts
		m.discard(key, run, res.Err)
		result <- res.Err
	}()
	return result, nil
}

func wait(ctx context.Context, result <-chan error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	}
}

// discard retires a registered run that was never started
func (m *Manager) discard(key string, run *activeRun, err error) {
	m.mu.Lock()
	if run.started {
		m.mu.Unlock()
		return
	}
	run.started = true
	run.err = err
	if m.runs[key] == run {
		delete(m.runs, key)
	}
	m.mu.Unlock()

	run.cancel()
	close(run.done)
	m.wg.Done()
}

func (m *Manager) download(key string, req StartRequest, run *activeRun) error {
	m.mu.Lock()
	if run.started {
		m.mu.Unlock()
		<-run.done
		return run.err
	}
	run.started = true
	task := m.upsertTaskLocked(req)
	title := task.Title
	m.mu.Unlock()

	var err error
	defer func() {
		m.mu.Lock()
		if m.runs[key] == run {
			delete(m.runs, key)
		}
		run.err = err
		m.mu.Unlock()
		run.cancel()
		close(run.done)
		m.wg.Done()
	}()

	if run.ctx.Err() != nil {
		// Paused or deleted before it started
		err = fmt.Errorf("%w: %w", downloader.ErrDownloadAborted, run.ctx.Err())
		m.finish(key, err)
		return err
	}

	m.deps.Notifier.Notify(notify.Notification{
		Level:   notify.LevelInfo,
		Message: fmt.Sprintf("Started downloading %s", title),
		VideoID: req.VideoID,
		Quality: req.Quality,
	})

	err = m.deps.Downloader.DownloadVideo(run.ctx, downloader.Request{
		VideoID: req.VideoID,
		Quality: req.Quality,
		UseHEVC: req.UseHEVC,
		PageID:  m.pageID,
	}, func(p downloader.Progress) {
		m.applyProgress(key, p)
	})

	m.finish(key, err)
	return err
}

// upsertTaskLocked creates or resets the task for a new run. m.mu must be held.
func (m *Manager) upsertTaskLocked(req StartRequest) *models.DownloadTask {
	key := models.TaskKey(req.VideoID, req.Quality)
	now := m.now()

	task, ok := m.tasks[key]
	if !ok {
		task = &models.DownloadTask{
			VideoID:   req.VideoID,
			Quality:   req.Quality,
			CreatedAt: now,
		}
		m.tasks[key] = task
	}

	if req.Title != "" {
		task.Title = req.Title
	}
	if task.Title == "" {
		task.Title = fmt.Sprintf("Video %d", req.VideoID)
	}
	task.IsHEVC = req.UseHEVC
	task.Status = models.StatusDownloading
	task.ErrorMessage = ""
	task.DownloadSpeed = 0
	if m.deps.API != nil {
		task.ThumbnailURL = m.deps.API.ThumbnailURL(req.VideoID, false)
	}
	task.UpdatedAt = now
	return task
}

func (m *Manager) applyProgress(key string, p downloader.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[key]
	if !ok {
		return
	}

	task.DownloadedSegments = p.Downloaded
	task.TotalSegments = p.Total
	task.Progress = models.ProgressPercent(p.Downloaded, p.Total)
	task.DownloadedBytes = p.Bytes
	if p.Downloaded > 0 {
		task.TotalBytes = p.Bytes / int64(p.Downloaded) * int64(p.Total)
	}
	task.DownloadSpeed = p.Speed
	task.UpdatedAt = m.now()
}

// finish records the outcome of a run and tells the user about it
func (m *Manager) finish(key string, err error) {
	m.mu.Lock()
	task, ok := m.tasks[key]
	if !ok {
		// Deleted while running
		m.mu.Unlock()
		return
	}

	n := notify.Notification{VideoID: task.VideoID, Quality: task.Quality}
	result := "failed"
	task.DownloadSpeed = 0
	task.UpdatedAt = m.now()

	switch {
	case err == nil:
		task.Status = models.StatusCompleted
		task.ErrorMessage = ""
		n.Level = notify.LevelSuccess
		n.Message = fmt.Sprintf("Download completed: %s", task.Title)
		result = "completed"
	case downloader.IsLockError(err):
		task.Status = models.StatusPaused
		task.ErrorMessage = err.Error()
		n.Level = notify.LevelWarning
		n.Message = fmt.Sprintf("%s is already being downloaded in another window", task.Title)
		result = "locked"
	case errors.Is(err, downloader.ErrDownloadAborted):
		task.Status = models.StatusPaused
		n.Level = notify.LevelInfo
		n.Message = fmt.Sprintf("Download paused: %s", task.Title)
		result = "paused"
	default:
		task.Status = models.StatusFailed
		task.ErrorMessage = err.Error()
		n.Level = notify.LevelError
		n.Message = fmt.Sprintf("Download failed: %s: %v", task.Title, err)
	}
	m.mu.Unlock()

	metrics.DownloadsFinished.WithLabelValues(result).Inc()
	m.deps.Notifier.Notify(n)
}

// Pause cancels a running download. Cached segments are kept.
func (m *Manager) Pause(ctx context.Context, videoID int, quality string) error {
	key := models.TaskKey(videoID, quality)

	m.mu.RLock()
	run := m.runs[key]
	_, known := m.tasks[key]
	m.mu.RUnlock()

	if !known && run == nil {
		return ErrTaskNotFound
	}

	// The agent must see the pause before the downloader's STOP_DOWNLOAD
	m.publish(ctx, messaging.Message{Type: messaging.PauseDownload, VideoID: videoID, Quality: quality})

	if run != nil {
		run.cancel()
		return nil
	}

	m.mu.Lock()
	task, ok := m.tasks[key]
	changed := ok && task.Status != models.StatusCompleted && task.Status != models.StatusPaused
	title := ""
	if changed {
		task.Status = models.StatusPaused
		task.UpdatedAt = m.now()
		title = task.Title
	}
	m.mu.Unlock()

	if changed {
		m.deps.Notifier.Notify(notify.Notification{
			Level:   notify.LevelInfo,
			Message: fmt.Sprintf("Download paused: %s", title),
			VideoID: videoID,
			Quality: quality,
		})
	}
	return nil
}

// Resume starts a known task again and waits for it. Already cached segments are
// not downloaded again.
func (m *Manager) Resume(ctx context.Context, videoID int, quality string) error {
	result, err := m.LaunchResume(videoID, quality)
	if err != nil {
		return err
	}
	return wait(ctx, result)
}

// LaunchResume is Launch for a known task
func (m *Manager) LaunchResume(videoID int, quality string) (<-chan error, error) {
	task, ok := m.Task(videoID, quality)
	if !ok {
		return nil, ErrTaskNotFound
	}

	return m.Launch(StartRequest{
		VideoID: task.VideoID,
		Quality: task.Quality,
		UseHEVC: task.IsHEVC,
		Title:   task.Title,
	})
}

// Delete stops any running download, then removes the cache partition and the task
func (m *Manager) Delete(ctx context.Context, videoID int, quality string) error {
	key := models.TaskKey(videoID, quality)

	m.mu.RLock()
	run := m.runs[key]
	task, known := m.tasks[key]
	m.mu.RUnlock()

	if run != nil {
		run.cancel()
		// The run writes the ledger while unwinding and would recreate the partition
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	deleted, err := m.deps.Storage.Delete(ctx, m.deps.Ledger.CacheName(videoID, quality))
	if err != nil {
		m.deps.Notifier.Notify(notify.Notification{
			Level:   notify.LevelError,
			Message: fmt.Sprintf("Failed to delete offline video %d (%s): %v", videoID, quality, err),
			VideoID: videoID,
			Quality: quality,
		})
		return fmt.Errorf("failed to delete cache: %w", err)
	}

	m.mu.Lock()
	delete(m.tasks, key)
	m.mu.Unlock()

	if !deleted && !known {
		return ErrTaskNotFound
	}

	// A paused download keeps its agent tracker until told otherwise
	m.publish(ctx, messaging.Message{Type: messaging.DeleteDownload, VideoID: videoID, Quality: quality})

	title := fmt.Sprintf("video %d", videoID)
	if known {
		title = task.Title
	}
	m.deps.Notifier.Notify(notify.Notification{
		Level:   notify.LevelSuccess,
		Message: fmt.Sprintf("Deleted offline copy of %s", title),
		VideoID: videoID,
		Quality: quality,
	})
	return nil
}

// Tasks returns copies of every task, newest first
func (m *Manager) Tasks() []models.DownloadTask {
	m.mu.RLock()
	out := make([]models.DownloadTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		out = append(out, *task)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		if out[i].VideoID != out[j].VideoID {
			return out[i].VideoID < out[j].VideoID
		}
		return out[i].Quality < out[j].Quality
	})
	return out
}

// Task returns a copy of one task
func (m *Manager) Task(videoID int, quality string) (models.DownloadTask, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[models.TaskKey(videoID, quality)]
	if !ok {
		return models.DownloadTask{}, false
	}
	return *task, true
}

// IsVideoCached reports whether the partition exists and its ledger says completed
func (m *Manager) IsVideoCached(ctx context.Context, videoID int, quality string) bool {
	exists, err := m.deps.Storage.Has(ctx, m.deps.Ledger.CacheName(videoID, quality))
	if err != nil || !exists {
		return false
	}
	md := m.deps.Ledger.Read(ctx, videoID, quality)
	return md != nil && md.Status == models.StatusCompleted
}

// Run resumes paused tasks when the agent reports that playback caught up. It
// returns when ctx ends or the bus closes.
func (m *Manager) Run(ctx context.Context) error {
	if m.deps.Bus == nil {
		<-ctx.Done()
		return nil
	}

	messages, err := m.deps.Bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	for msg := range messages {
		if msg.Type != messaging.ResumeDownload {
			continue
		}
		m.handleResume(msg)
	}
	return nil
}

func (m *Manager) handleResume(msg messaging.Message) {
	key := msg.Key()

	m.mu.Lock()
	task, ok := m.tasks[key]
	_, running := m.runs[key]
	if !ok || task.Status != models.StatusPaused || running {
		m.mu.Unlock()
		return
	}
	// Repeated resume messages must not start the task twice
	task.Status = models.StatusPending
	m.mu.Unlock()

	m.logger.Info("Resuming download after playback caught up", "video_id", msg.VideoID, "quality", msg.Quality)
	result, err := m.LaunchResume(msg.VideoID, msg.Quality)
	if err != nil {
		m.logger.Warn("Automatic resume failed", "video_id", msg.VideoID, "quality", msg.Quality, "error", err)
		return
	}
	go func() {
		if err := <-result; err != nil && !errors.Is(err, downloader.ErrDownloadAborted) {
			m.logger.Warn("Automatic resume failed", "video_id", msg.VideoID, "quality", msg.Quality, "error", err)
		}
	}()
}

// Close cancels running downloads and waits for them to unwind
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) publish(ctx context.Context, msg messaging.Message) {
	if m.deps.Bus == nil {
		return
	}
	if err := m.deps.Bus.Publish(ctx, msg); err != nil {
		m.logger.Warn("Failed to notify agent", "type", msg.Type, "video_id", msg.VideoID, "quality", msg.Quality, "error", err)
	}
}

// cachedTitle reads the title from the metadata cached in the partition
func (m *Manager) cachedTitle(ctx context.Context, cache cachestore.Cache, videoID int) string {
	if m.deps.API == nil {
		return ""
	}

	resp, err := cache.Match(ctx, m.deps.API.VideoURL(videoID))
	if err != nil || resp == nil {
		return ""
	}

	var video konomitv.VideoMetadata
	if err := json.Unmarshal(resp.Body, &video); err != nil {
		m.logger.Debug("Failed to decode cached metadata", "video_id", videoID, "error", err)
		return ""
	}
	return video.Title
}

// countCachedSegments parses the cached playlist of one codec variant and counts
// its segments present in cache. ok is false when that playlist is not cached.
func (m *Manager) countCachedSegments(ctx context.Context, cache cachestore.Cache, videoID int, quality string, hevc bool) (downloaded, total int, bytes int64, ok bool) {
	playlistURL := m.deps.API.PlaylistURL(videoID, quality, hevc, "", "")
	resp, err := cache.Match(ctx, playlistURL)
	if err != nil || resp == nil {
		return 0, 0, 0, false
	}

	segments, err := hls.ParsePlaylist(string(resp.Body), playlistURL)
	if err != nil {
		return 0, 0, 0, false
	}

	for _, segment := range segments {
		key, err := hls.NormalizeSegmentURL(segment)
		if err != nil {
			continue
		}
		if seg, err := cache.Match(ctx, key); err == nil && seg != nil && len(seg.Body) > 0 {
			downloaded++
			bytes += int64(len(seg.Body))
		}
	}
	return downloaded, len(segments), bytes, true
}
