// Package metrics exposes prometheus counters for downloads and the interception agent
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes recorded for intercepted requests
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeNetwork  = "network"
	OutcomeFallback = "fallback"
	OutcomeBypass   = "bypass"
	OutcomeError    = "error"
)

var (
	// Interception metrics
	InterceptedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "konomitv_offline_intercepted_requests_total",
		Help: "Requests handled by the interception agent by resource kind and outcome",
	}, []string{"kind", "outcome"})
	AutoSavedSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "konomitv_offline_autosaved_segments_total",
		Help: "Segments cached by the agent while a download was active",
	})
	ResumeSignals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "konomitv_offline_resume_signals_total",
		Help: "RESUME_DOWNLOAD messages sent after a streak of playback cache hits",
	})

	// Download metrics
	SegmentsDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "konomitv_offline_segments_downloaded_total",
		Help: "Segments fetched and cached by the downloader",
	})
	SegmentBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "konomitv_offline_segment_bytes_total",
		Help: "Bytes of segments cached by the downloader",
	})
	SegmentRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "konomitv_offline_segment_retries_total",
		Help: "Failed segment attempts that were retried",
	})
	SessionRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "konomitv_offline_session_refreshes_total",
		Help: "Stream sessions renewed during a download",
	})
	DownloadsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "konomitv_offline_downloads_finished_total",
		Help: "Download runs by result",
	}, []string{"result"})

	// Maintenance metrics
	ExpiredLocksReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "konomitv_offline_expired_locks_released_total",
		Help: "Abandoned download locks released by the sweeper",
	})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	for _, kind := range []string{"segment", "playlist", "metadata", "thumbnail", "unknown"} {
		InterceptedRequests.WithLabelValues(kind, OutcomeHit)
		InterceptedRequests.WithLabelValues(kind, OutcomeMiss)
	}
	for _, result := range []string{"completed", "paused", "failed", "locked"} {
		DownloadsFinished.WithLabelValues(result)
	}
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
