package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dusklabs/penumbra/internal/logging"
)

func newFetcher() *Fetcher {
	return New(logging.Discard(), Options{})
}

func TestFetch_HTTPBodyAndMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("hello penumbra"))
	}))
	defer srv.Close()

	res, err := newFetcher().Fetch(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, "text/plain", res.Mimetype, "parameters stripped")
	require.Equal(t, int64(len("hello penumbra")), res.Size)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, "hello penumbra", string(body))
}

func TestFetch_ForwardsRequestHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer token123")

	res, err := newFetcher().Fetch(context.Background(), srv.URL, header)
	require.NoError(t, err)
	res.Body.Close()

	require.Equal(t, "Bearer token123", gotAuth)
}

func TestFetch_ErrorStatusSurfacesAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newFetcher().Fetch(context.Background(), srv.URL, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestFetch_UnknownSizeWhenChunked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("part1"))
		flusher.Flush()
		_, _ = w.Write([]byte("part2"))
	}))
	defer srv.Close()

	res, err := newFetcher().Fetch(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, SizeUnknown, res.Size)
}

func TestFetch_RejectsUnsupportedScheme(t *testing.T) {
	_, err := newFetcher().Fetch(context.Background(), "ftp://example.com/file", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported url scheme")
}
