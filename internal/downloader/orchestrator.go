// Package downloader implements the offline download orchestrator: it takes the
// download lease, caches metadata and thumbnails, then fetches every missing HLS
// segment into the video's cache partition with retries and session refresh.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"konomitv-offline/internal/cachestore"
	"konomitv-offline/internal/hls"
	"konomitv-offline/internal/konomitv"
	"konomitv-offline/internal/ledger"
	"konomitv-offline/internal/lock"
	"konomitv-offline/internal/messaging"
	"konomitv-offline/internal/metrics"
	"konomitv-offline/pkg/models"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

// Config tunes an Orchestrator
type Config struct {
	Retry             RetryPolicy
	HeartbeatInterval time.Duration
	Target            TargetPolicy
}

// DefaultConfig returns the production timings
func DefaultConfig() Config {
	return Config{
		Retry:             DefaultRetryPolicy(),
		HeartbeatInterval: lock.DefaultHeartbeatInterval,
	}
}

// Orchestrator downloads videos into the cache store
type Orchestrator struct {
	api       konomitv.VideoAPI
	storage   cachestore.Storage
	ledger    *ledger.Ledger
	locker    *lock.Locker
	publisher Publisher
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Orchestrator
func New(api konomitv.VideoAPI, storage cachestore.Storage, l *ledger.Ledger, locker *lock.Locker, publisher Publisher, config Config) *Orchestrator {
	if config.Retry.MaxRetries <= 0 && config.Retry.RetryDelay <= 0 && config.Retry.AttemptTimeout <= 0 {
		config.Retry = DefaultRetryPolicy()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = lock.DefaultHeartbeatInterval
	}

	return &Orchestrator{
		api:       api,
		storage:   storage,
		ledger:    l,
		locker:    locker,
		publisher: publisher,
		config:    config,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// session is one playlist fetch: its credentials and the segment URLs it resolved
type session struct {
	id          string
	cacheKey    string
	playlistURL string
	body        []byte
	header      http.Header
	segments    []string
}

// DownloadVideo runs one download to completion, failure or cancellation.
//
// A *DownloadLockError means another page holds the lease, and an error wrapping
// ErrDownloadAborted means ctx was cancelled. Neither is recorded as failed in the
// ledger; every other error is.
func (o *Orchestrator) DownloadVideo(ctx context.Context, req Request, onProgress ProgressFunc) (err error) {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	logger := o.logger.With("video_id", req.VideoID, "quality", req.Quality, "page_id", req.PageID)

	if err := o.locker.Acquire(ctx, req.VideoID, req.Quality, req.PageID); err != nil {
		if !errors.Is(err, lock.ErrLockHeld) {
			logger.Error("Failed to acquire download lock", "error", err)
			return o.abortedOr(ctx, err)
		}
		owner := ""
		if md := o.ledger.Read(ctx, req.VideoID, req.Quality); md != nil {
			owner = md.Lock.PageID
		}
		logger.Warn("Download lock held elsewhere", "owner", owner)
		return &DownloadLockError{VideoID: req.VideoID, Quality: req.Quality, Owner: owner}
	}

	// Cleanup must run even though ctx may already be cancelled
	cleanupCtx := context.WithoutCancel(ctx)

	o.publish(ctx, messaging.StartDownload, req)
	stopHeartbeat := o.locker.Heartbeat(ctx, req.VideoID, req.Quality, req.PageID, o.config.HeartbeatInterval)

	defer func() {
		stopHeartbeat()
		o.locker.Release(cleanupCtx, req.VideoID, req.Quality, req.PageID)
		o.publish(cleanupCtx, messaging.StopDownload, req)
	}()

	err = o.run(ctx, req, onProgress, logger)
	switch {
	case err == nil:
		logger.Info("Download completed")
	case errors.Is(err, ErrDownloadAborted):
		logger.Info("Download paused")
	default:
		logger.Error("Download failed", "error", err)
		_ = o.ledger.Write(cleanupCtx, req.VideoID, req.Quality, func(md *models.DownloadStatusMetadata) {
			md.Status = models.StatusFailed
		})
	}
	return err
}

func (o *Orchestrator) run(ctx context.Context, req Request, onProgress ProgressFunc, logger *slog.Logger) error {
	cache, err := o.storage.Open(ctx, o.ledger.CacheName(req.VideoID, req.Quality))
	if err != nil {
		return o.abortedOr(ctx, fmt.Errorf("failed to open cache: %w", err))
	}

	video := o.cacheVideoAssets(ctx, cache, req.VideoID, logger)
	target := o.config.Target.TargetPercent(video.ServiceID())
	if target < 100 {
		logger.Info("Using reduced completion target", "service_id", video.ServiceID(), "target_percent", target)
	}

	sess := &session{cacheKey: uuid.NewString()}
	if err := o.refreshSession(ctx, req, sess); err != nil {
		return o.abortedOr(ctx, fmt.Errorf("failed to fetch playlist: %w", err))
	}
	if len(sess.segments) == 0 {
		return ErrEmptyPlaylist
	}
	o.cachePlaylist(ctx, cache, sess, logger)

	keys := make([]string, len(sess.segments))
	for i, segment := range sess.segments {
		if keys[i], err = hls.NormalizeSegmentURL(segment); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
	}
	total := len(keys)

	// Checkpoint: segments already cached by an earlier run or by the agent
	downloaded, bytes, err := scanSegments(ctx, cache, keys)
	if err != nil {
		return o.abortedOr(ctx, err)
	}
	err = o.ledger.Write(ctx, req.VideoID, req.Quality, func(md *models.DownloadStatusMetadata) {
		md.TotalSegments = total
		md.DownloadedSegments = models.NewSegmentSet(downloaded.Sorted()...)
		md.IsHEVC = req.UseHEVC
		if md.Status == models.StatusFailed {
			md.Status = models.StatusPending
		}
	})
	if err != nil && ctx.Err() != nil {
		return o.abortedOr(ctx, err)
	}
	logger.Info("Starting segment download", "total", total, "cached", len(downloaded), "target_percent", target)
	onProgress(Progress{Downloaded: len(downloaded), Total: total, Bytes: bytes})

	speed := NewSpeedHistory()
	speed.Start(o.now())

	for i := range keys {
		if models.ProgressPercent(len(downloaded), total) >= target {
			logger.Info("Completion target reached", "downloaded", len(downloaded), "total", total)
			break
		}
		if downloaded.Has(i) {
			continue
		}
		if ctx.Err() != nil {
			return o.abortedOr(ctx, ctx.Err())
		}

		resp, err := o.downloadSegment(ctx, req, sess, i, logger)
		if err != nil {
			return err
		}

		if err := cache.Put(ctx, keys[i], resp); err != nil {
			return o.abortedOr(ctx, fmt.Errorf("failed to cache segment %d: %w", i, err))
		}

		downloaded.Add(i)
		bytes += int64(len(resp.Body))
		metrics.SegmentsDownloaded.Inc()
		metrics.SegmentBytes.Add(float64(len(resp.Body)))
		speed.Record(int64(len(resp.Body)), o.now())

		_ = o.ledger.Write(ctx, req.VideoID, req.Quality, func(md *models.DownloadStatusMetadata) {
			md.TotalSegments = total
			md.DownloadedSegments.Add(i)
		})

		logger.Debug("Segment cached", "index", i, "downloaded", len(downloaded), "total", total)
		onProgress(Progress{Downloaded: len(downloaded), Total: total, Bytes: bytes, Speed: speed.Speed()})
	}

	// Trust the cache, not the counter
	final, _, err := scanSegments(ctx, cache, keys)
	if err != nil {
		return o.abortedOr(ctx, err)
	}
	return o.ledger.Write(ctx, req.VideoID, req.Quality, func(md *models.DownloadStatusMetadata) {
		md.TotalSegments = total
		md.DownloadedSegments = final
		md.IsHEVC = req.UseHEVC
		md.Status = models.StatusCompleted
	})
}

// downloadSegment drives the retry machine for segment index until it succeeds,
// fails for good, or ctx is cancelled.
func (o *Orchestrator) downloadSegment(ctx context.Context, req Request, sess *session, index int, logger *slog.Logger) (*cachestore.Response, error) {
	policy := o.config.Retry
	state := StateFetching
	failures := 0
	var lastErr error

	for {
		switch state {
		case StateFailed:
			return nil, fmt.Errorf("%w: segment %d after %d attempts: %w", ErrSegmentFailed, index, failures, lastErr)

		case StateRetrying:
			state = StateFetching

		case StateRefreshingSession:
			logger.Info("Refreshing stream session", "index", index, "failures", failures)
			metrics.SessionRefreshes.Inc()
			err := o.refreshSession(ctx, req, sess)
			if err == nil && index >= len(sess.segments) {
				err = fmt.Errorf("refreshed playlist has %d segments, need index %d", len(sess.segments), index)
			}
			if err == nil {
				state = StateFetching
				continue
			}
			if ctx.Err() != nil {
				return nil, o.abortedOr(ctx, err)
			}
			failures++
			lastErr = err
			logger.Warn("Session refresh failed", "index", index, "failures", failures, "error", err)
			if state, err = o.advance(ctx, failures, OutcomeError, policy); err != nil {
				return nil, err
			}

		case StateFetching:
			if ctx.Err() != nil {
				return nil, o.abortedOr(ctx, ctx.Err())
			}

			resp, outcome, err := o.fetchSegment(ctx, sess.segments[index], policy.AttemptTimeout)
			if outcome == OutcomeSuccess {
				return resp, nil
			}
			if ctx.Err() != nil {
				return nil, o.abortedOr(ctx, err)
			}
			failures++
			lastErr = err
			metrics.SegmentRetries.Inc()
			logger.Warn("Segment attempt failed", "index", index, "failures", failures, "error", err)
			if state, err = o.advance(ctx, failures, outcome, policy); err != nil {
				return nil, err
			}

		default:
			// StateSucceeded is returned inline by StateFetching
			return nil, fmt.Errorf("segment %d: unexpected state %s", index, state)
		}
	}
}

// advance applies NextState and sleeps for its delay
func (o *Orchestrator) advance(ctx context.Context, failures int, outcome Outcome, policy RetryPolicy) (SegmentState, error) {
	next := NextState(failures, outcome, policy)
	if next.Delay > 0 {
		if err := sleep(ctx, next.Delay); err != nil {
			return StateFailed, o.abortedOr(ctx, err)
		}
	}
	return next.State, nil
}

func (o *Orchestrator) fetchSegment(ctx context.Context, segmentURL string, timeout time.Duration) (*cachestore.Response, Outcome, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := o.api.Fetch(ctx, segmentURL)
	switch {
	case errors.Is(err, konomitv.ErrNotFound):
		return nil, OutcomeNotFound, err
	case err != nil:
		return nil, OutcomeError, err
	case len(resp.Body) == 0:
		return nil, OutcomeError, errors.New("empty segment response")
	}
	return resp, OutcomeSuccess, nil
}

// refreshSession fetches the playlist under a new session id and re-resolves the segments
func (o *Orchestrator) refreshSession(ctx context.Context, req Request, sess *session) error {
	sessionID := uuid.NewString()
	playlistURL := o.api.PlaylistURL(req.VideoID, req.Quality, req.UseHEVC, sessionID, sess.cacheKey)

	fetchCtx := ctx
	if o.config.Retry.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, o.config.Retry.AttemptTimeout)
		defer cancel()
	}

	resp, err := o.api.Fetch(fetchCtx, playlistURL)
	if err != nil {
		return err
	}

	segments, err := hls.ParsePlaylist(string(resp.Body), playlistURL)
	if err != nil {
		return err
	}

	sess.id = sessionID
	sess.playlistURL = playlistURL
	sess.body = resp.Body
	sess.header = resp.Header
	sess.segments = segments
	return nil
}

// cachePlaylist stores the playlist without its session parameters so later
// playback requests carrying other sessions still hit it.
func (o *Orchestrator) cachePlaylist(ctx context.Context, cache cachestore.Cache, sess *session, logger *slog.Logger) {
	normalized, err := hls.NormalizePlaylistURL(sess.playlistURL)
	if err != nil {
		logger.Warn("Failed to normalize playlist URL", "error", err)
		return
	}

	header := sess.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/vnd.apple.mpegurl")
	}

	o.putBothKeys(ctx, cache, normalized, &cachestore.Response{
		Status: http.StatusOK,
		Header: header,
		Body:   sess.body,
	}, logger)
}

// cacheVideoAssets stores metadata and thumbnails. Failures are logged and ignored.
// The returned metadata is nil when it could not be fetched.
func (o *Orchestrator) cacheVideoAssets(ctx context.Context, cache cachestore.Cache, videoID int, logger *slog.Logger) *konomitv.VideoMetadata {
	video, raw, err := o.api.GetVideo(ctx, videoID)
	if err != nil {
		logger.Warn("Failed to fetch video metadata", "error", err)
	} else {
		o.putBothKeys(ctx, cache, o.api.VideoURL(videoID), raw, logger)
	}

	for _, tiled := range []bool{false, true} {
		thumbnailURL := o.api.ThumbnailURL(videoID, tiled)
		resp, err := o.api.Fetch(ctx, thumbnailURL)
		if err != nil {
			logger.Warn("Failed to fetch thumbnail", "tiled", tiled, "error", err)
			continue
		}
		resp.Header = withImageType(resp.Header, resp.Body)
		o.putBothKeys(ctx, cache, thumbnailURL, resp, logger)
	}

	return video
}

// putBothKeys stores resp under the absolute URL and its path-relative form
func (o *Orchestrator) putBothKeys(ctx context.Context, cache cachestore.Cache, absolute string, resp *cachestore.Response, logger *slog.Logger) {
	if err := cache.Put(ctx, absolute, resp); err != nil {
		logger.Warn("Failed to cache response", "url", absolute, "error", err)
		return
	}

	relative, err := hls.RelativeKey(absolute)
	if err != nil {
		logger.Warn("Failed to derive relative cache key", "url", absolute, "error", err)
		return
	}
	if err := cache.Put(ctx, relative, resp); err != nil {
		logger.Warn("Failed to cache response", "url", relative, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, t messaging.Type, req Request) {
	if o.publisher == nil {
		return
	}
	msg := messaging.Message{Type: t, VideoID: req.VideoID, Quality: req.Quality}
	if err := o.publisher.Publish(ctx, msg); err != nil {
		o.logger.Warn("Failed to notify agent", "type", t, "video_id", req.VideoID, "quality", req.Quality, "error", err)
	}
}

// abortedOr maps err to ErrDownloadAborted when ctx was cancelled
func (o *Orchestrator) abortedOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrDownloadAborted, ctx.Err())
	}
	return err
}

// scanSegments returns the indices whose key holds a non-empty response, and their size
func scanSegments(ctx context.Context, cache cachestore.Cache, keys []string) (models.SegmentSet, int64, error) {
	set := models.NewSegmentSet()
	var bytes int64
	for i, key := range keys {
		resp, err := cache.Match(ctx, key)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to check segment %d: %w", i, err)
		}
		// Zero-byte entries are corrupt and get downloaded again
		if resp != nil && len(resp.Body) > 0 {
			set.Add(i)
			bytes += int64(len(resp.Body))
		}
	}
	return set, bytes, nil
}

// withImageType fills in the Content-Type of an image when the upstream omitted it
func withImageType(header http.Header, body []byte) http.Header {
	if header == nil {
		header = http.Header{}
	}
	ct := header.Get("Content-Type")
	if ct != "" && ct != "application/octet-stream" {
		return header
	}
	if kind, err := filetype.Match(body); err == nil && kind != filetype.Unknown {
		header.Set("Content-Type", kind.MIME.Value)
	}
	return header
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
