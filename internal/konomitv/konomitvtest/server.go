// Package konomitvtest provides a fake KonomiTV upstream for tests
package konomitvtest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// PNG is a minimal PNG header served as thumbnail body
var PNG = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

// Server serves videos, thumbnails, playlists and segments under /api.
//
// Segment bodies are "segment-{quality}-{sequence}". Playlists list segments as
// "segment?sequence=N&session_id=S".
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// Segments is the number of segments in every playlist
	Segments int
	// ServiceID is reported as channel.service_id
	ServiceID int
	// Title is reported as the video title
	Title string
	// MetadataStatus overrides the status of GET /videos/{id} when non-zero
	MetadataStatus int
	// SegmentFailures makes a sequence answer 500 this many times before succeeding
	SegmentFailures map[int]int
	// SegmentNotFound makes a sequence answer 404 this many times before succeeding
	SegmentNotFound map[int]int

	segmentRequests  map[int]int
	playlistRequests int
	playlistQuery    []string
	requests         []string
}

// NewServer starts a fake upstream that is closed with the test
func NewServer(t *testing.T, segments int) *Server {
	t.Helper()

	s := &Server{
		Segments:        segments,
		Title:           "Test Recording",
		SegmentFailures: make(map[int]int),
		SegmentNotFound: make(map[int]int),
		segmentRequests: make(map[int]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/videos/{id}", s.handleVideo)
	mux.HandleFunc("GET /api/videos/{id}/thumbnail", s.handleThumbnail)
	mux.HandleFunc("GET /api/videos/{id}/thumbnail/tiled", s.handleThumbnail)
	mux.HandleFunc("GET /api/streams/video/{id}/{quality}/playlist", s.handlePlaylist)
	mux.HandleFunc("GET /api/streams/video/{id}/{quality}/segment", s.handleSegment)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.URL.RequestURI())
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)

	return s
}

// APIURL returns the API root of the fake upstream
func (s *Server) APIURL() string {
	return s.URL + "/api"
}

// SegmentBody returns the body served for a segment
func SegmentBody(quality string, sequence int) []byte {
	return []byte(fmt.Sprintf("segment-%s-%d", quality, sequence))
}

// SegmentRequests returns how often a sequence was requested
func (s *Server) SegmentRequests(sequence int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segmentRequests[sequence]
}

// TotalSegmentRequests returns the number of segment requests of all sequences
func (s *Server) TotalSegmentRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.segmentRequests {
		total += n
	}
	return total
}

// PlaylistRequests returns how often a playlist was requested
func (s *Server) PlaylistRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playlistRequests
}

// PlaylistQueries returns the raw query strings of every playlist request
func (s *Server) PlaylistQueries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.playlistQuery...)
}

// Requests returns every request URI received
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Configure runs fn under the server lock
func (s *Server) Configure(fn func(s *Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status, serviceID, title := s.MetadataStatus, s.ServiceID, s.Title
	s.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		http.Error(w, "unavailable", status)
		return
	}

	id := r.PathValue("id")
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id": %s, "title": %q, "duration": 1800, "channel": {"id": "gr011", "service_id": %d, "name": "Test"}}`,
		id, title, serviceID)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	// Force the client to sniff the image type
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(PNG)
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.playlistRequests++
	s.playlistQuery = append(s.playlistQuery, r.URL.RawQuery)
	segments := s.Segments
	s.mu.Unlock()

	sessionID := r.URL.Query().Get("session_id")

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n")
	for i := 0; i < segments; i++ {
		fmt.Fprintf(&b, "#EXTINF:10.0,\nsegment?sequence=%d&session_id=%s\n", i, sessionID)
	}
	b.WriteString("#EXT-X-ENDLIST\n")

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(b.String()))
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	sequence, err := strconv.Atoi(r.URL.Query().Get("sequence"))
	if err != nil {
		http.Error(w, "bad sequence", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.segmentRequests[sequence]++
	notFound := s.SegmentNotFound[sequence] > 0
	if notFound {
		s.SegmentNotFound[sequence]--
	}
	failing := !notFound && s.SegmentFailures[sequence] > 0
	if failing {
		s.SegmentFailures[sequence]--
	}
	s.mu.Unlock()

	switch {
	case notFound:
		http.NotFound(w, r)
	case failing:
		http.Error(w, "transient failure", http.StatusInternalServerError)
	default:
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(SegmentBody(r.PathValue("quality"), sequence))
	}
}
