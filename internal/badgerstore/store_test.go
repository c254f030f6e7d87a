package badgerstore

import (
	"context"
	"net/http"
	"testing"

	"konomitv-offline/internal/cachestore"
	"konomitv-offline/internal/cachestore/storetest"

	"github.com/stretchr/testify/require"
)

func TestStore_Storage(t *testing.T) {
	storetest.Run(t, func(t *testing.T) cachestore.Storage {
		s, err := Open("")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	cache, err := s.Open(ctx, "konomitv-offline-video-3-720p")
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, "/videos/3", &cachestore.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"id":3}`),
	}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	names, err := s.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"konomitv-offline-video-3-720p"}, names)

	cache, err = s.Open(ctx, "konomitv-offline-video-3-720p")
	require.NoError(t, err)
	resp, err := cache.Match(ctx, "/videos/3")
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, "application/json", resp.ContentType())
	require.JSONEq(t, `{"id":3}`, string(resp.Body))
}

func TestStore_PrefixIsolation(t *testing.T) {
	ctx := context.Background()
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close()

	short, err := s.Open(ctx, "video-1")
	require.NoError(t, err)
	long, err := s.Open(ctx, "video-10")
	require.NoError(t, err)

	require.NoError(t, short.Put(ctx, "a", &cachestore.Response{Status: http.StatusOK}))
	require.NoError(t, long.Put(ctx, "b", &cachestore.Response{Status: http.StatusOK}))

	keys, err := short.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, keys)

	deleted, err := s.Delete(ctx, "video-1")
	require.NoError(t, err)
	require.True(t, deleted)

	keys, err = long.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, keys)
}
