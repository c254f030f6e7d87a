// Package storetest holds behaviour tests shared by every cachestore.Storage implementation
package storetest

import (
	"context"
	"net/http"
	"testing"

	"konomitv-offline/internal/cachestore"

	"github.com/stretchr/testify/require"
)

// Run exercises a fresh Storage returned by newStorage for every subtest
func Run(t *testing.T, newStorage func(t *testing.T) cachestore.Storage) {
	t.Helper()
	ctx := context.Background()

	t.Run("open creates partition", func(t *testing.T) {
		s := newStorage(t)

		exists, err := s.Has(ctx, "video-1-1080p")
		require.NoError(t, err)
		require.False(t, exists)

		cache, err := s.Open(ctx, "video-1-1080p")
		require.NoError(t, err)
		require.Equal(t, "video-1-1080p", cache.Name())

		exists, err = s.Has(ctx, "video-1-1080p")
		require.NoError(t, err)
		require.True(t, exists)

		// Opening twice is harmless
		_, err = s.Open(ctx, "video-1-1080p")
		require.NoError(t, err)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"video-1-1080p"}, names)
	})

	t.Run("names keep creation order", func(t *testing.T) {
		s := newStorage(t)

		for _, name := range []string{"c", "a", "b"} {
			_, err := s.Open(ctx, name)
			require.NoError(t, err)
		}

		names, err := s.Names(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"c", "a", "b"}, names)
	})

	t.Run("put match and overwrite", func(t *testing.T) {
		s := newStorage(t)
		cache, err := s.Open(ctx, "p")
		require.NoError(t, err)

		resp, err := cache.Match(ctx, "https://h/seg0.ts")
		require.NoError(t, err)
		require.Nil(t, resp)

		err = cache.Put(ctx, "https://h/seg0.ts", &cachestore.Response{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": {"video/mp2t"}},
			Body:   []byte("first"),
		})
		require.NoError(t, err)

		err = cache.Put(ctx, "https://h/seg0.ts", &cachestore.Response{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": {"video/mp2t"}},
			Body:   []byte("second"),
		})
		require.NoError(t, err)

		resp, err = cache.Match(ctx, "https://h/seg0.ts")
		require.NoError(t, err)
		require.NotNil(t, resp)
		require.Equal(t, http.StatusOK, resp.Status)
		require.Equal(t, "video/mp2t", resp.ContentType())
		require.Equal(t, []byte("second"), resp.Body)
		require.False(t, resp.StoredAt.IsZero())

		keys, err := cache.Keys(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"https://h/seg0.ts"}, keys)
	})

	t.Run("entries are isolated per partition", func(t *testing.T) {
		s := newStorage(t)
		a, err := s.Open(ctx, "a")
		require.NoError(t, err)
		b, err := s.Open(ctx, "b")
		require.NoError(t, err)

		require.NoError(t, a.Put(ctx, "/videos/1", &cachestore.Response{Status: http.StatusOK, Body: []byte("{}")}))

		resp, err := b.Match(ctx, "/videos/1")
		require.NoError(t, err)
		require.Nil(t, resp)
	})

	t.Run("delete entry", func(t *testing.T) {
		s := newStorage(t)
		cache, err := s.Open(ctx, "p")
		require.NoError(t, err)
		require.NoError(t, cache.Put(ctx, "k1", &cachestore.Response{Status: http.StatusOK, Body: []byte("x")}))
		require.NoError(t, cache.Put(ctx, "k2", &cachestore.Response{Status: http.StatusOK, Body: []byte("y")}))

		deleted, err := cache.Delete(ctx, "k1")
		require.NoError(t, err)
		require.True(t, deleted)

		deleted, err = cache.Delete(ctx, "k1")
		require.NoError(t, err)
		require.False(t, deleted)

		keys, err := cache.Keys(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"k2"}, keys)
	})

	t.Run("delete partition removes entries", func(t *testing.T) {
		s := newStorage(t)
		cache, err := s.Open(ctx, "p")
		require.NoError(t, err)
		require.NoError(t, cache.Put(ctx, "k1", &cachestore.Response{Status: http.StatusOK, Body: []byte("x")}))

		deleted, err := s.Delete(ctx, "p")
		require.NoError(t, err)
		require.True(t, deleted)

		deleted, err = s.Delete(ctx, "p")
		require.NoError(t, err)
		require.False(t, deleted)

		exists, err := s.Has(ctx, "p")
		require.NoError(t, err)
		require.False(t, exists)

		err = cache.Put(ctx, "k2", &cachestore.Response{Status: http.StatusOK, Body: []byte("y")})
		require.ErrorIs(t, err, cachestore.ErrPartitionNotFound)

		reopened, err := s.Open(ctx, "p")
		require.NoError(t, err)
		keys, err := reopened.Keys(ctx)
		require.NoError(t, err)
		require.Empty(t, keys)
	})
}
