// Package hls parses HLS media playlists and derives the cache keys shared by the
// downloader and the interception agent.
package hls

import (
	"bufio"
	"fmt"
	"net/url"
	"strings"
)

const (
	// SequenceParam is the only query parameter that survives segment normalization
	SequenceParam = "sequence"
	// SessionIDParam carries the short-lived upstream session
	SessionIDParam = "session_id"
	// CacheKeyParam marks playlist and segment requests issued by the downloader
	CacheKeyParam = "cache_key"
)

// ParsePlaylist returns the absolute segment URLs of a media playlist in source order.
// Blank lines and lines starting with '#' are skipped. An empty result is not an error.
func ParsePlaylist(text, baseURL string) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid playlist base URL: %w", err)
	}

	var segments []string
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ref, err := url.Parse(line)
		if err != nil {
			// Unresolvable lines are not segments
			continue
		}
		segments = append(segments, base.ResolveReference(ref).String())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read playlist: %w", err)
	}

	return segments, nil
}

// NormalizeSegmentURL drops every query parameter except sequence, so a segment keeps
// one key across session rotations.
func NormalizeSegmentURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid segment URL: %w", err)
	}

	q := u.Query()
	kept := url.Values{}
	if seq, ok := q[SequenceParam]; ok {
		kept[SequenceParam] = seq
	}
	u.RawQuery = kept.Encode()
	u.Fragment = ""

	return u.String(), nil
}

// NormalizePlaylistURL removes the session and coordination parameters from a playlist URL
func NormalizePlaylistURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid playlist URL: %w", err)
	}

	q := u.Query()
	q.Del(SessionIDParam)
	q.Del(CacheKeyParam)
	u.RawQuery = q.Encode()
	u.Fragment = ""

	return u.String(), nil
}

// RelativeKey returns the path and query of an absolute URL
func RelativeKey(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	return u.RequestURI(), nil
}

// HasCacheKey reports whether a request URL carries the downloader's coordination key
func HasCacheKey(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Query().Has(CacheKeyParam)
}
