package hls

import (
	"strconv"
	"strings"
)

// Kind is the resource type of an intercepted request
type Kind int

const (
	KindUnknown Kind = iota
	KindSegment
	KindPlaylist
	KindMetadata
	KindThumbnail
)

func (k Kind) String() string {
	switch k {
	case KindSegment:
		return "segment"
	case KindPlaylist:
		return "playlist"
	case KindMetadata:
		return "metadata"
	case KindThumbnail:
		return "thumbnail"
	default:
		return "unknown"
	}
}

// HEVCSuffix marks the HEVC variant of a quality in stream paths
const HEVCSuffix = "-hevc"

// Request is a classified request path
type Request struct {
	Kind    Kind
	VideoID int
	Quality string // without the HEVC suffix
	HEVC    bool
}

// SplitQuality strips the HEVC suffix from a stream quality
func SplitQuality(quality string) (string, bool) {
	if trimmed, ok := strings.CutSuffix(quality, HEVCSuffix); ok {
		return trimmed, true
	}
	return quality, false
}

// StreamQuality appends the HEVC suffix when requested
func StreamQuality(quality string, hevc bool) string {
	if hevc {
		return quality + HEVCSuffix
	}
	return quality
}

// Classify maps a request path onto a resource kind. apiBasePath is the path of the
// upstream API root (for example "/api") and is stripped before matching.
//
//	/streams/video/{id}/{quality}[-hevc]/playlist   playlist
//	/streams/video/{id}/{quality}[-hevc]/...        segment
//	/videos/{id}                                    metadata
//	/videos/{id}/thumbnail[/tiled]                  thumbnail
func Classify(path, apiBasePath string) Request {
	base := strings.TrimSuffix(apiBasePath, "/")
	if base != "" {
		rest, ok := strings.CutPrefix(path, base)
		if !ok || (rest != "" && !strings.HasPrefix(rest, "/")) {
			return Request{}
		}
		path = rest
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) >= 5 && parts[0] == "streams" && parts[1] == "video":
		id, err := strconv.Atoi(parts[2])
		if err != nil || parts[3] == "" {
			return Request{}
		}
		quality, hevc := SplitQuality(parts[3])
		kind := KindSegment
		if len(parts) == 5 && parts[4] == "playlist" {
			kind = KindPlaylist
		}
		return Request{Kind: kind, VideoID: id, Quality: quality, HEVC: hevc}

	case len(parts) >= 2 && parts[0] == "videos":
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			return Request{}
		}
		switch {
		case len(parts) == 2:
			return Request{Kind: KindMetadata, VideoID: id}
		case len(parts) == 3 && parts[2] == "thumbnail",
			len(parts) == 4 && parts[2] == "thumbnail" && parts[3] == "tiled":
			return Request{Kind: KindThumbnail, VideoID: id}
		}
	}

	return Request{}
}
