// Package notify keeps the recent user-facing messages produced by download
// operations.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Level is the severity shown to users
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// DefaultCapacity is the number of notifications a Recorder keeps
const DefaultCapacity = 50

// Notification is one message about a download
type Notification struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	VideoID int       `json:"video_id,omitempty"`
	Quality string    `json:"quality,omitempty"`
	Time    time.Time `json:"time"`
}

// Notifier receives notifications
type Notifier interface {
	Notify(n Notification)
}

// Recorder keeps the most recent notifications in a ring buffer and logs each one
type Recorder struct {
	mu     sync.Mutex
	items  []Notification
	next   int
	size   int
	now    func() time.Time
	logger *slog.Logger
}

// NewRecorder creates a Recorder holding at most capacity notifications
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		items:  make([]Notification, capacity),
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Notify records n, stamping the time when it is unset
func (r *Recorder) Notify(n Notification) {
	if n.Time.IsZero() {
		n.Time = r.now()
	}

	r.mu.Lock()
	r.items[r.next] = n
	r.next = (r.next + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
	r.mu.Unlock()

	attrs := []any{"video_id", n.VideoID, "quality", n.Quality}
	switch n.Level {
	case LevelError:
		r.logger.Error(n.Message, attrs...)
	case LevelWarning:
		r.logger.Warn(n.Message, attrs...)
	default:
		r.logger.Info(n.Message, attrs...)
	}
}

// Recent returns up to limit notifications, newest first. A non-positive limit
// returns everything kept.
func (r *Recorder) Recent(limit int) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > r.size {
		limit = r.size
	}

	out := make([]Notification, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.items)) % len(r.items)
		out = append(out, r.items[idx])
	}
	return out
}
