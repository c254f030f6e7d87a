package interceptor

import (
	"context"

	"konomitv-offline/internal/messaging"
	"konomitv-offline/internal/metrics"
)

// DefaultResumeHitThreshold is the streak of playback cache hits that resumes a
// paused download
const DefaultResumeHitThreshold = 10

// Tracker is the agent's view of one active or paused download
type Tracker struct {
	Misses          int
	ConsecutiveHits int
	DownloadPaused  bool
}

// Run applies coordination messages until ctx ends or the bus closes
func (h *Handler) Run(ctx context.Context) error {
	messages, err := h.bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	h.logger.Info("Interception agent listening for download messages")
	for msg := range messages {
		h.HandleMessage(msg)
	}
	return nil
}

// HandleMessage updates the trackers for one coordination message
func (h *Handler) HandleMessage(msg messaging.Message) {
	key := msg.Key()

	h.mu.Lock()
	defer h.mu.Unlock()

	switch msg.Type {
	case messaging.StartDownload:
		h.trackers[key] = &Tracker{}
		h.logger.Debug("Download started", "video_id", msg.VideoID, "quality", msg.Quality)
	case messaging.StopDownload:
		// A paused download keeps its tracker so playback hits can resume it
		if t, ok := h.trackers[key]; ok && !t.DownloadPaused {
			delete(h.trackers, key)
		}
		h.logger.Debug("Download stopped", "video_id", msg.VideoID, "quality", msg.Quality)
	case messaging.PauseDownload:
		t, ok := h.trackers[key]
		if !ok {
			t = &Tracker{}
			h.trackers[key] = t
		}
		t.DownloadPaused = true
		t.ConsecutiveHits = 0
		h.logger.Debug("Download paused", "video_id", msg.VideoID, "quality", msg.Quality)
	case messaging.DeleteDownload:
		delete(h.trackers, key)
		h.logger.Debug("Download deleted", "video_id", msg.VideoID, "quality", msg.Quality)
	}
}

// Tracker returns a copy of the tracker for a video and quality
func (h *Handler) Tracker(key string) (Tracker, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.trackers[key]
	if !ok {
		return Tracker{}, false
	}
	return *t, true
}

func (h *Handler) hasTracker(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.trackers[key]
	return ok
}

func (h *Handler) recordMiss(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.trackers[key]; ok {
		t.Misses++
		t.ConsecutiveHits = 0
	}
}

// recordHit counts a playback cache hit and asks pages to resume once the streak
// reaches the threshold while the download is paused
func (h *Handler) recordHit(ctx context.Context, key string, videoID int, quality string) {
	h.mu.Lock()
	t, ok := h.trackers[key]
	resume := false
	if ok {
		t.ConsecutiveHits++
		if t.ConsecutiveHits >= h.config.ResumeHitThreshold && t.DownloadPaused {
			t.ConsecutiveHits = 0
			t.DownloadPaused = false
			resume = true
		}
	}
	h.mu.Unlock()

	if !resume {
		return
	}

	h.logger.Info("Playback caught up with cached segments, requesting resume", "video_id", videoID, "quality", quality)
	metrics.ResumeSignals.Inc()
	msg := messaging.Message{Type: messaging.ResumeDownload, VideoID: videoID, Quality: quality}
	if err := h.bus.Publish(context.WithoutCancel(ctx), msg); err != nil {
		h.logger.Warn("Failed to send resume request", "video_id", videoID, "quality", quality, "error", err)
	}
}
