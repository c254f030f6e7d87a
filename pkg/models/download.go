// Package models defines the data structures used throughout the application
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// DownloadStatus represents the current status of a download
type DownloadStatus string

const (
	StatusPending     DownloadStatus = "pending"
	StatusDownloading DownloadStatus = "downloading"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"
	StatusPaused      DownloadStatus = "paused"
)

// DownloadTask is the in-memory view of one offline download shown to users
type DownloadTask struct {
	VideoID            int            `json:"video_id"`
	Title              string         `json:"title"`
	Quality            string         `json:"quality"`
	IsHEVC             bool           `json:"is_hevc"`
	Status             DownloadStatus `json:"status"`
	Progress           int            `json:"progress"` // Percentage 0-100
	DownloadedSegments int            `json:"downloaded_segments"`
	TotalSegments      int            `json:"total_segments"`
	DownloadedBytes    int64          `json:"downloaded_bytes"`
	TotalBytes         int64          `json:"total_bytes"` // Estimated from the average segment size
	DownloadSpeed      float64        `json:"download_speed"`
	ThumbnailURL       string         `json:"thumbnail_url"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Key returns the identifier shared by every task for the same video and quality
func (t *DownloadTask) Key() string {
	return TaskKey(t.VideoID, t.Quality)
}

// TaskKey builds the "{video_id}-{quality}" identifier
func TaskKey(videoID int, quality string) string {
	return fmt.Sprintf("%d-%s", videoID, quality)
}

// ProgressPercent converts segment counters into an integer percentage
func ProgressPercent(downloaded, total int) int {
	if total <= 0 {
		return 0
	}
	percent := downloaded * 100 / total
	if percent > 100 {
		return 100
	}
	return percent
}

// DownloadLock is the lease stored inside the ledger record
type DownloadLock struct {
	Locked    bool   `json:"locked"`
	PageID    string `json:"page_id"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// DownloadStatusMetadata is the ledger record persisted per video and quality
type DownloadStatusMetadata struct {
	TotalSegments      int            `json:"total_segments"`
	DownloadedSegments SegmentSet     `json:"downloaded_segments"`
	Status             DownloadStatus `json:"status"`
	IsHEVC             bool           `json:"is_hevc"`
	Lock               DownloadLock   `json:"lock"`
	LastUpdated        int64          `json:"last_updated"` // Unix milliseconds
}

// NewDownloadStatusMetadata returns the zero-value record used before anything was written
func NewDownloadStatusMetadata() *DownloadStatusMetadata {
	return &DownloadStatusMetadata{
		DownloadedSegments: SegmentSet{},
		Status:             StatusPending,
	}
}

// SegmentSet is a set of segment indices, serialized as a sorted JSON array
type SegmentSet map[int]struct{}

// NewSegmentSet creates a set holding the given indices
func NewSegmentSet(indices ...int) SegmentSet {
	s := make(SegmentSet, len(indices))
	for _, i := range indices {
		s[i] = struct{}{}
	}
	return s
}

// Add inserts an index
func (s SegmentSet) Add(index int) {
	s[index] = struct{}{}
}

// Has reports whether the index is present
func (s SegmentSet) Has(index int) bool {
	_, ok := s[index]
	return ok
}

// Sorted returns the indices in ascending order
func (s SegmentSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (s SegmentSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *SegmentSet) UnmarshalJSON(data []byte) error {
	var indices []int
	if err := json.Unmarshal(data, &indices); err != nil {
		return err
	}
	*s = NewSegmentSet(indices...)
	return nil
}
