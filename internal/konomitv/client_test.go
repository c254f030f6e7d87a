package konomitv

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{name: "https root", baseURL: "https://tv.local:7000/api"},
		{name: "trailing slash", baseURL: "http://tv.local/api/"},
		{name: "missing scheme", baseURL: "tv.local/api", wantErr: true},
		{name: "unparsable", baseURL: "://bad", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.baseURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, client)
		})
	}
}

func TestClient_URLs(t *testing.T) {
	client, err := New("https://tv.local:7000/api/")
	require.NoError(t, err)

	require.Equal(t, "https://tv.local:7000/api/videos/12", client.VideoURL(12))
	require.Equal(t, "https://tv.local:7000/api/videos/12/thumbnail", client.ThumbnailURL(12, false))
	require.Equal(t, "https://tv.local:7000/api/videos/12/thumbnail/tiled", client.ThumbnailURL(12, true))
	require.Equal(t,
		"https://tv.local:7000/api/streams/video/12/1080p-hevc/playlist?cache_key=k&session_id=s",
		client.PlaylistURL(12, "1080p", true, "s", "k"),
	)
	require.Equal(t,
		"https://tv.local:7000/api/streams/video/12/720p/playlist",
		client.PlaylistURL(12, "720p", false, "", ""),
	)
	require.Equal(t, "/api", client.BaseURL().Path)
}

func TestClient_Fetch(t *testing.T) {
	tests := []struct {
		name         string
		statusCode   int
		body         string
		wantErr      bool
		wantNotFound bool
	}{
		{name: "success", statusCode: http.StatusOK, body: "segment-bytes"},
		{name: "not found", statusCode: http.StatusNotFound, wantErr: true, wantNotFound: true},
		{name: "server error", statusCode: http.StatusInternalServerError, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodGet, r.Method)
				w.Header().Set("Content-Type", "video/mp2t")
				w.Header().Set("Set-Cookie", "session=1")
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, err := New(server.URL)
			require.NoError(t, err)

			resp, err := client.Fetch(context.Background(), server.URL+"/seg0.ts")
			if tt.wantErr {
				require.Error(t, err)
				require.Equal(t, tt.wantNotFound, errors.Is(err, ErrNotFound))
				if !tt.wantNotFound {
					var statusErr *StatusError
					require.ErrorAs(t, err, &statusErr)
					require.Equal(t, tt.statusCode, statusErr.StatusCode)
				}
				return
			}

			require.NoError(t, err)
			require.Equal(t, []byte(tt.body), resp.Body)
			require.Equal(t, "video/mp2t", resp.ContentType())
			require.Empty(t, resp.Header.Get("Set-Cookie"))
		})
	}
}

func TestClient_GetVideo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/videos/7", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 7, "title": "News", "duration": 1800.5, "channel": {"id": "gr011", "service_id": 1024, "name": "NHK"}}`))
	}))
	defer server.Close()

	client, err := New(server.URL + "/api")
	require.NoError(t, err)

	video, raw, err := client.GetVideo(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 7, video.ID)
	require.Equal(t, "News", video.Title)
	require.Equal(t, 1024, video.ServiceID())
	require.Contains(t, string(raw.Body), `"service_id": 1024`)
}

func TestVideoMetadata_ServiceIDWithoutChannel(t *testing.T) {
	var nilVideo *VideoMetadata
	require.Zero(t, nilVideo.ServiceID())
	require.Zero(t, (&VideoMetadata{ID: 1}).ServiceID())
}

func TestStatusError_Error(t *testing.T) {
	err := &StatusError{URL: "https://h/x", StatusCode: 502}
	require.Equal(t, "request to https://h/x failed with status 502", err.Error())
}
