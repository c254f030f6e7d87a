// Package ledger persists the per video and quality download status record inside
// the video's cache partition.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"konomitv-offline/internal/cachestore"
	"konomitv-offline/pkg/models"
)

// StatusKey is the fixed cache key of the ledger record
const StatusKey = "/__offline__/download-status.json"

// Ledger reads and writes DownloadStatusMetadata records. Writes to one cache
// name are serialized within the process; writes from other processes are not.
type Ledger struct {
	storage cachestore.Storage
	prefix  string
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	writes map[string]*sync.Mutex
}

// New creates a ledger over storage using prefix for cache names
func New(storage cachestore.Storage, prefix string) *Ledger {
	return &Ledger{
		storage: storage,
		prefix:  prefix,
		now:     time.Now,
		logger:  slog.Default(),
		writes:  make(map[string]*sync.Mutex),
	}
}

// writeLock returns the mutex guarding read-modify-write cycles on name
func (l *Ledger) writeLock(name string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	mu, ok := l.writes[name]
	if !ok {
		mu = &sync.Mutex{}
		l.writes[name] = mu
	}
	return mu
}

// WithClock replaces the clock used for last_updated
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Prefix returns the cache name prefix
func (l *Ledger) Prefix() string {
	return l.prefix
}

// CacheName returns the partition name for a video and quality
func (l *Ledger) CacheName(videoID int, quality string) string {
	return cachestore.CacheName(l.prefix, videoID, quality)
}

// Read returns the stored record, or nil when there is none or it cannot be read.
// It never creates the partition.
func (l *Ledger) Read(ctx context.Context, videoID int, quality string) *models.DownloadStatusMetadata {
	name := l.CacheName(videoID, quality)

	exists, err := l.storage.Has(ctx, name)
	if err != nil {
		l.logger.Warn("Failed to check download cache", "cache", name, "error", err)
		return nil
	}
	if !exists {
		return nil
	}

	cache, err := l.storage.Open(ctx, name)
	if err != nil {
		l.logger.Warn("Failed to open download cache", "cache", name, "error", err)
		return nil
	}

	return l.readFrom(ctx, cache)
}

func (l *Ledger) readFrom(ctx context.Context, cache cachestore.Cache) *models.DownloadStatusMetadata {
	resp, err := cache.Match(ctx, StatusKey)
	if err != nil {
		l.logger.Warn("Failed to read download status", "cache", cache.Name(), "error", err)
		return nil
	}
	if resp == nil {
		return nil
	}

	md := models.NewDownloadStatusMetadata()
	if err := json.Unmarshal(resp.Body, md); err != nil {
		l.logger.Warn("Failed to decode download status", "cache", cache.Name(), "error", err)
		return nil
	}
	if md.DownloadedSegments == nil {
		md.DownloadedSegments = models.SegmentSet{}
	}

	return md
}

// Write reads the current record (or a pending default), applies mutate, stamps
// last_updated and stores the result. Concurrent writers in this process see each
// other's changes; the read and the write are not atomic across processes.
func (l *Ledger) Write(ctx context.Context, videoID int, quality string, mutate func(*models.DownloadStatusMetadata)) error {
	name := l.CacheName(videoID, quality)

	mu := l.writeLock(name)
	mu.Lock()
	defer mu.Unlock()

	cache, err := l.storage.Open(ctx, name)
	if err != nil {
		l.logger.Warn("Failed to open download cache", "cache", name, "error", err)
		return fmt.Errorf("failed to open cache %s: %w", name, err)
	}

	md := l.readFrom(ctx, cache)
	if md == nil {
		md = models.NewDownloadStatusMetadata()
	}

	if mutate != nil {
		mutate(md)
	}
	md.LastUpdated = l.now().UnixMilli()

	body, err := json.Marshal(md)
	if err != nil {
		l.logger.Warn("Failed to encode download status", "cache", name, "error", err)
		return fmt.Errorf("failed to encode download status: %w", err)
	}

	err = cache.Put(ctx, StatusKey, &cachestore.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
	})
	if err != nil {
		l.logger.Warn("Failed to write download status", "cache", name, "error", err)
		return fmt.Errorf("failed to write download status: %w", err)
	}

	return nil
}
