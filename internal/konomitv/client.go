// Package konomitv provides client functionality for the KonomiTV video API
package konomitv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"konomitv-offline/internal/cachestore"
	"konomitv-offline/internal/hls"
)

// ErrNotFound is returned for HTTP 404 responses. On stream URLs it means the
// session was revoked.
var ErrNotFound = errors.New("not found")

// StatusError represents a non-2xx response other than 404
type StatusError struct {
	URL        string
	StatusCode int
}

// Error implements the error interface for StatusError
func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d", e.URL, e.StatusCode)
}

// Channel is the broadcaster a recording belongs to
type Channel struct {
	ID        string `json:"id"`
	ServiceID int    `json:"service_id"`
	Name      string `json:"name"`
}

// VideoMetadata is the subset of GET /videos/{id} used by the offline cache
type VideoMetadata struct {
	ID       int      `json:"id"`
	Title    string   `json:"title"`
	Duration float64  `json:"duration"`
	Channel  *Channel `json:"channel"`
}

// ServiceID returns the channel service id, or 0 when the recording has no channel
func (v *VideoMetadata) ServiceID() int {
	if v == nil || v.Channel == nil {
		return 0
	}
	return v.Channel.ServiceID
}

// VideoAPI defines the upstream operations used by the downloader and task manager
//
//go:generate mockgen -source=client.go -destination=mocks/mock_client.go -package=mocks
type VideoAPI interface {
	GetVideo(ctx context.Context, videoID int) (*VideoMetadata, *cachestore.Response, error)
	Fetch(ctx context.Context, rawURL string) (*cachestore.Response, error)
	VideoURL(videoID int) string
	ThumbnailURL(videoID int, tiled bool) string
	PlaylistURL(videoID int, quality string, hevc bool, sessionID, cacheKey string) string
}

// Client represents a KonomiTV API client
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

var _ VideoAPI = (*Client)(nil)

// New creates a client for an API root such as https://tv.local:7000/api
func New(baseURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid API URL %q: scheme must be http or https", baseURL)
	}

	return &Client{
		baseURL: u,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

// BaseURL returns a copy of the API root
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

// VideoURL returns the absolute metadata URL of a video
func (c *Client) VideoURL(videoID int) string {
	return c.endpoint(fmt.Sprintf("/videos/%d", videoID))
}

// ThumbnailURL returns the absolute URL of the plain or tiled thumbnail
func (c *Client) ThumbnailURL(videoID int, tiled bool) string {
	if tiled {
		return c.endpoint(fmt.Sprintf("/videos/%d/thumbnail/tiled", videoID))
	}
	return c.endpoint(fmt.Sprintf("/videos/%d/thumbnail", videoID))
}

// PlaylistURL returns the playlist URL for one session. Empty parameters are omitted.
func (c *Client) PlaylistURL(videoID int, quality string, hevc bool, sessionID, cacheKey string) string {
	params := url.Values{}
	if sessionID != "" {
		params.Set(hls.SessionIDParam, sessionID)
	}
	if cacheKey != "" {
		params.Set(hls.CacheKeyParam, cacheKey)
	}

	endpoint := c.endpoint(fmt.Sprintf("/streams/video/%d/%s/playlist", videoID, hls.StreamQuality(quality, hevc)))
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return endpoint
}

// Fetch performs a GET and buffers the body
func (c *Client) Fetch(ctx context.Context, rawURL string) (*cachestore.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", rawURL, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &cachestore.Response{
		Status:   resp.StatusCode,
		Header:   StorableHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}

// GetVideo fetches and decodes the metadata of a video. The raw response is
// returned so callers can cache it unchanged.
func (c *Client) GetVideo(ctx context.Context, videoID int) (*VideoMetadata, *cachestore.Response, error) {
	resp, err := c.Fetch(ctx, c.VideoURL(videoID))
	if err != nil {
		return nil, nil, err
	}

	var video VideoMetadata
	if err := json.Unmarshal(resp.Body, &video); err != nil {
		return nil, nil, fmt.Errorf("failed to decode video metadata: %w", err)
	}

	return &video, resp, nil
}

var storableHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Cache-Control",
	"Last-Modified",
	"Etag",
}

// StorableHeader keeps the response headers worth replaying from the cache
func StorableHeader(h http.Header) http.Header {
	out := http.Header{}
	for _, name := range storableHeaders {
		if values := h.Values(name); len(values) > 0 {
			out[name] = append([]string(nil), values...)
		}
	}
	return out
}
