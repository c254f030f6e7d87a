// Package cachestore defines the persistent, partitioned response cache shared by
// the download orchestrator and the request interception agent.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultCacheNamePrefix is prepended to every partition created for offline videos
const DefaultCacheNamePrefix = "konomitv-offline-video-"

// ErrPartitionNotFound is returned when writing into a partition that was deleted
var ErrPartitionNotFound = errors.New("cache partition not found")

// Response is a stored HTTP response
type Response struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// ContentType returns the stored Content-Type header
func (r *Response) ContentType() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// OK reports whether the stored status is a 2xx
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Storage is a durable set of named partitions.
//
// Implementations must be safe for concurrent use. Request identity inside a
// partition is (GET, url); other methods are never stored.
type Storage interface {
	// Open returns the named partition, creating it if needed.
	Open(ctx context.Context, name string) (Cache, error)
	// Has reports whether the named partition exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the partition and all of its entries.
	Delete(ctx context.Context, name string) (bool, error)
	// Names lists partitions in creation order.
	Names(ctx context.Context) ([]string, error)
	Close() error
}

// Cache is a single named partition
type Cache interface {
	Name() string
	Put(ctx context.Context, url string, resp *Response) error
	// Match returns nil, nil on a miss.
	Match(ctx context.Context, url string) (*Response, error)
	Delete(ctx context.Context, url string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// CacheName builds the partition name for a video and quality. The quality must
// not carry the codec suffix; both codec variants share one partition.
func CacheName(prefix string, videoID int, quality string) string {
	return fmt.Sprintf("%s%d-%s", prefix, videoID, quality)
}

// VideoCachePrefix is the common prefix of every partition of one video
func VideoCachePrefix(prefix string, videoID int) string {
	return fmt.Sprintf("%s%d-", prefix, videoID)
}

// ParseCacheName reverses CacheName. Video IDs are numeric, so qualities that
// contain a hyphen ("1080p-60fps") are recovered intact.
func ParseCacheName(prefix, name string) (videoID int, quality string, ok bool) {
	rest, found := strings.CutPrefix(name, prefix)
	if !found {
		return 0, "", false
	}
	idPart, quality, found := strings.Cut(rest, "-")
	if !found || quality == "" {
		return 0, "", false
	}
	videoID, err := strconv.Atoi(idPart)
	if err != nil || videoID < 0 {
		return 0, "", false
	}
	return videoID, quality, true
}
