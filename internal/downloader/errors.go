package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrDownloadAborted is returned when the caller cancelled the download. Callers
	// treat it as a pause, not a failure.
	ErrDownloadAborted = errors.New("download aborted")
	// ErrEmptyPlaylist is returned when the playlist lists no segments
	ErrEmptyPlaylist = errors.New("playlist has no segments")
	// ErrSegmentFailed is returned when a segment exhausted its retries
	ErrSegmentFailed = errors.New("segment download failed")
)

// DownloadLockError reports that another page holds the download lease
type DownloadLockError struct {
	VideoID int
	Quality string
	Owner   string
}

func (e *DownloadLockError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("video %d (%s) is being downloaded elsewhere", e.VideoID, e.Quality)
	}
	return fmt.Sprintf("video %d (%s) is being downloaded by %s", e.VideoID, e.Quality, e.Owner)
}

// IsLockError reports whether err is a DownloadLockError
func IsLockError(err error) bool {
	var lockErr *DownloadLockError
	return errors.As(err, &lockErr)
}
