package downloader

import (
	"context"

	"konomitv-offline/internal/messaging"
)

// Publisher announces download start and stop to the interception agent
type Publisher interface {
	Publish(ctx context.Context, msg messaging.Message) error
}

// Progress is reported after the checkpoint scan and after every segment
type Progress struct {
	Downloaded int
	Total      int
	Bytes      int64   // bytes of the segments present in the cache
	Speed      float64 // smoothed bytes per second
}

// ProgressFunc receives download progress. It is called from the download goroutine.
type ProgressFunc func(Progress)

// Request identifies one download run
type Request struct {
	VideoID int
	Quality string
	UseHEVC bool
	PageID  string
}
