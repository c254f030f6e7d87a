// Package interceptor implements the background agent that sits between players
// and the KonomiTV API. It answers stream, metadata and thumbnail requests from
// the offline cache where it can and passes everything else through.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"konomitv-offline/internal/cachestore"
	"konomitv-offline/internal/hls"
	"konomitv-offline/internal/konomitv"
	"konomitv-offline/internal/messaging"
	"konomitv-offline/internal/metrics"
	"konomitv-offline/pkg/models"
)

// CacheStatusHeader tells clients where a response came from
const CacheStatusHeader = "X-Offline-Cache"

// Config configures a Handler
type Config struct {
	// Upstream is the API root, for example https://tv.local:7000/api
	Upstream *url.URL
	Prefix   string
	// ResumeHitThreshold defaults to DefaultResumeHitThreshold
	ResumeHitThreshold int
	// Client performs upstream fetches. Defaults to a client with a 60s timeout.
	Client *http.Client
}

// Handler is the interception agent's http.Handler
type Handler struct {
	storage     cachestore.Storage
	bus         messaging.Bus
	config      Config
	origin      string
	apiBasePath string
	client      *http.Client
	proxy       *httputil.ReverseProxy

	mu       sync.Mutex
	trackers map[string]*Tracker

	logger *slog.Logger
}

// NewHandler creates the agent handler
func NewHandler(storage cachestore.Storage, bus messaging.Bus, config Config) (*Handler, error) {
	if config.Upstream == nil || config.Upstream.Host == "" {
		return nil, errors.New("interceptor: upstream URL is required")
	}
	if config.Prefix == "" {
		config.Prefix = cachestore.DefaultCacheNamePrefix
	}
	if config.ResumeHitThreshold <= 0 {
		config.ResumeHitThreshold = DefaultResumeHitThreshold
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	origin := &url.URL{Scheme: config.Upstream.Scheme, Host: config.Upstream.Host}
	h := &Handler{
		storage:     storage,
		bus:         bus,
		config:      config,
		origin:      origin.String(),
		apiBasePath: strings.TrimSuffix(config.Upstream.Path, "/"),
		client:      client,
		trackers:    make(map[string]*Tracker),
		logger:      slog.Default(),
	}
	h.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.logger.Warn("Upstream request failed", "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	return h, nil
}

// ServeHTTP classifies the request and applies the caching strategy of its kind.
// Any failure inside a strategy falls back to a plain pass-through.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.passThrough(w, r, hls.KindUnknown, metrics.OutcomeBypass)
		return
	}

	req := hls.Classify(r.URL.Path, h.apiBasePath)
	if req.Kind == hls.KindUnknown {
		h.passThrough(w, r, req.Kind, metrics.OutcomeBypass)
		return
	}

	upstreamURL := h.origin + r.URL.RequestURI()
	resp, outcome, err := h.handle(r.Context(), req, upstreamURL)
	if err != nil {
		if r.Context().Err() == nil {
			h.logger.Warn("Cache strategy failed, passing request through",
				"kind", req.Kind, "url", upstreamURL, "error", err)
		}
		h.passThrough(w, r, req.Kind, metrics.OutcomeError)
		return
	}
	if resp == nil {
		h.passThrough(w, r, req.Kind, outcome)
		return
	}

	metrics.InterceptedRequests.WithLabelValues(req.Kind.String(), outcome).Inc()
	writeResponse(w, resp, outcome)
}

func (h *Handler) handle(ctx context.Context, req hls.Request, upstreamURL string) (resp *cachestore.Response, outcome string, err error) {
	defer func() {
		if p := recover(); p != nil {
			resp, outcome, err = nil, "", fmt.Errorf("panic in %s strategy: %v", req.Kind, p)
		}
	}()

	switch req.Kind {
	case hls.KindSegment:
		return h.serveSegment(ctx, req, upstreamURL)
	case hls.KindPlaylist:
		return h.servePlaylist(ctx, req, upstreamURL)
	case hls.KindMetadata:
		return h.serveMetadata(ctx, req, upstreamURL)
	case hls.KindThumbnail:
		return h.serveThumbnail(ctx, req, upstreamURL)
	default:
		return nil, metrics.OutcomeBypass, nil
	}
}

// serveSegment is cache-first. Playback hits feed the resume heuristic and misses
// are saved while a download is active.
func (h *Handler) serveSegment(ctx context.Context, req hls.Request, upstreamURL string) (*cachestore.Response, string, error) {
	cache, err := h.openExisting(ctx, req.VideoID, req.Quality)
	if err != nil || cache == nil {
		return nil, metrics.OutcomeBypass, err
	}

	key, err := hls.NormalizeSegmentURL(upstreamURL)
	if err != nil {
		return nil, "", err
	}
	trackerKey := models.TaskKey(req.VideoID, req.Quality)

	cached, err := cache.Match(ctx, key)
	if err != nil {
		return nil, "", err
	}
	if cached != nil && len(cached.Body) > 0 {
		if !hls.HasCacheKey(upstreamURL) {
			h.recordHit(ctx, trackerKey, req.VideoID, req.Quality)
		}
		return cached, metrics.OutcomeHit, nil
	}

	h.recordMiss(trackerKey)
	resp, err := h.fetch(ctx, upstreamURL)
	if err != nil {
		return nil, "", err
	}

	if resp.OK() && len(resp.Body) > 0 && h.hasTracker(trackerKey) {
		if err := cache.Put(ctx, key, resp); err != nil {
			h.logger.Warn("Failed to save segment", "url", key, "error", err)
		} else {
			metrics.AutoSavedSegments.Inc()
		}
	}
	return resp, metrics.OutcomeMiss, nil
}

// servePlaylist lets the downloader's own requests through and caches them, while
// players share the downloader's cached playlist during a download
func (h *Handler) servePlaylist(ctx context.Context, req hls.Request, upstreamURL string) (*cachestore.Response, string, error) {
	cache, err := h.openExisting(ctx, req.VideoID, req.Quality)
	if err != nil || cache == nil {
		return nil, metrics.OutcomeBypass, err
	}

	key, err := hls.NormalizePlaylistURL(upstreamURL)
	if err != nil {
		return nil, "", err
	}

	if hls.HasCacheKey(upstreamURL) {
		resp, err := h.fetch(ctx, upstreamURL)
		if err != nil {
			return nil, "", err
		}
		if resp.OK() {
			if err := cache.Put(ctx, key, resp); err != nil {
				h.logger.Warn("Failed to save playlist", "url", key, "error", err)
			}
		}
		return resp, metrics.OutcomeNetwork, nil
	}

	if h.hasTracker(models.TaskKey(req.VideoID, req.Quality)) {
		cached, err := cache.Match(ctx, key)
		if err != nil {
			return nil, "", err
		}
		if cached != nil {
			return cached, metrics.OutcomeHit, nil
		}
	}

	resp, err := h.fetch(ctx, upstreamURL)
	if err == nil {
		return resp, metrics.OutcomeNetwork, nil
	}
	if ctx.Err() != nil {
		return nil, "", err
	}

	cached, matchErr := cache.Match(ctx, key)
	if matchErr == nil && cached != nil {
		h.logger.Info("Serving cached playlist while upstream is unreachable", "url", key)
		return cached, metrics.OutcomeFallback, nil
	}
	return nil, "", err
}

// serveMetadata is network-first with a fallback to any quality of the video
func (h *Handler) serveMetadata(ctx context.Context, req hls.Request, upstreamURL string) (*cachestore.Response, string, error) {
	resp, err := h.fetch(ctx, upstreamURL)
	if err == nil && resp.Status < http.StatusInternalServerError {
		return resp, metrics.OutcomeNetwork, nil
	}
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}

	if cached := h.searchVideoCaches(ctx, req.VideoID, upstreamURL); cached != nil {
		return cached, metrics.OutcomeFallback, nil
	}
	if err != nil {
		return nil, "", err
	}
	return resp, metrics.OutcomeNetwork, nil
}

// serveThumbnail is cache-first across every quality of the video. Misses are not saved.
func (h *Handler) serveThumbnail(ctx context.Context, req hls.Request, upstreamURL string) (*cachestore.Response, string, error) {
	if cached := h.searchVideoCaches(ctx, req.VideoID, upstreamURL); cached != nil {
		return cached, metrics.OutcomeHit, nil
	}

	resp, err := h.fetch(ctx, upstreamURL)
	if err != nil {
		return nil, "", err
	}
	return resp, metrics.OutcomeMiss, nil
}

// openExisting opens the partition for a video and quality without creating it.
// A nil cache means there is none.
func (h *Handler) openExisting(ctx context.Context, videoID int, quality string) (cachestore.Cache, error) {
	name := cachestore.CacheName(h.config.Prefix, videoID, quality)
	exists, err := h.storage.Has(ctx, name)
	if err != nil || !exists {
		return nil, err
	}
	return h.storage.Open(ctx, name)
}

// searchVideoCaches looks for upstreamURL, or its relative form, in every
// partition of the video in enumeration order
func (h *Handler) searchVideoCaches(ctx context.Context, videoID int, upstreamURL string) *cachestore.Response {
	names, err := h.storage.Names(ctx)
	if err != nil {
		h.logger.Warn("Failed to list caches", "error", err)
		return nil
	}

	keys := []string{upstreamURL}
	if relative, err := hls.RelativeKey(upstreamURL); err == nil {
		keys = append(keys, relative)
	}

	prefix := cachestore.VideoCachePrefix(h.config.Prefix, videoID)
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		cache, err := h.storage.Open(ctx, name)
		if err != nil {
			continue
		}
		for _, key := range keys {
			if resp, err := cache.Match(ctx, key); err == nil && resp.OK() {
				return resp
			}
		}
	}
	return nil
}

// fetch performs a GET against the upstream. Non-2xx responses are returned, not
// treated as errors.
func (h *Handler) fetch(ctx context.Context, upstreamURL string) (*cachestore.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &cachestore.Response{
		Status:   resp.StatusCode,
		Header:   konomitv.StorableHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}

func (h *Handler) passThrough(w http.ResponseWriter, r *http.Request, kind hls.Kind, outcome string) {
	metrics.InterceptedRequests.WithLabelValues(kind.String(), outcome).Inc()
	h.proxy.ServeHTTP(w, r)
}

func writeResponse(w http.ResponseWriter, resp *cachestore.Response, outcome string) {
	header := w.Header()
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}
	// The stored body is already decoded
	header.Del("Content-Length")
	header.Set(CacheStatusHeader, outcome)

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}
