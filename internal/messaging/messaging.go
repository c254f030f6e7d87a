// Package messaging carries download coordination messages between pages (task
// managers) and the interception agent.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"konomitv-offline/pkg/models"
)

// Type identifies a coordination message
type Type string

const (
	// StartDownload tells the agent a download began (page to agent)
	StartDownload Type = "START_DOWNLOAD"
	// StopDownload tells the agent a download ended (page to agent)
	StopDownload Type = "STOP_DOWNLOAD"
	// PauseDownload tells the agent the user paused a download (page to agent)
	PauseDownload Type = "PAUSE_DOWNLOAD"
	// DeleteDownload tells the agent the offline copy was removed (page to agent)
	DeleteDownload Type = "DELETE_DOWNLOAD"
	// ResumeDownload asks pages to resume a paused download (agent to pages)
	ResumeDownload Type = "RESUME_DOWNLOAD"
)

// ErrClosed is returned after the bus was closed
var ErrClosed = errors.New("message bus closed")

// Message is the JSON shape exchanged on the bus
type Message struct {
	Type    Type   `json:"type"`
	VideoID int    `json:"videoId"`
	Quality string `json:"quality"`
}

// Key returns the "{video_id}-{quality}" tracker key
func (m Message) Key() string {
	return models.TaskKey(m.VideoID, m.Quality)
}

// Bus is a broadcast channel. Every subscriber receives every message published
// after its subscription became active.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe returns a channel that is closed once ctx ends.
	Subscribe(ctx context.Context) (<-chan Message, error)
	Close() error
}

const subscriberBuffer = 64

// MemoryBus is an in-process Bus used when no Redis server is configured
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[chan Message]struct{}
	closed bool
	logger *slog.Logger
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an empty in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:   make(map[chan Message]struct{}),
		logger: slog.Default(),
	}
}

// Publish delivers msg to every subscriber. Slow subscribers whose buffer is full
// miss the message.
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.logger.Warn("Dropping message for slow subscriber", "type", msg.Type, "key", msg.Key())
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	ch := make(chan Message, subscriberBuffer)
	b.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		b.remove(ch)
	}()

	return ch, nil
}

func (b *MemoryBus) remove(ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Close closes every subscription channel
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}
