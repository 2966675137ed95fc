package cache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/bunflare/pkg/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutMatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(newTestStore(t)).Default()

	header := http.Header{"Content-Type": {"text/plain"}}
	require.NoError(t, c.Put(ctx, "https://example.com/a", &Response{Status: 200, Header: header, Body: []byte("hello")}))

	resp, ok, err := c.Match(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.Equal(t, []byte("hello"), resp.Body)
}

func TestMaxAgeExpiry(t *testing.T) {
	ctx := context.Background()
	c := New(newTestStore(t)).Default()

	header := http.Header{"Cache-Control": {"max-age=0"}}
	require.NoError(t, c.Put(ctx, "https://example.com/b", &Response{Status: 200, Header: header, Body: []byte("x")}))

	time.Sleep(5 * time.Millisecond)
	_, ok, err := c.Match(ctx, "https://example.com/b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteReportsWhetherSomethingMatched(t *testing.T) {
	ctx := context.Background()
	c := New(newTestStore(t)).Default()

	deleted, err := c.Delete(ctx, "https://example.com/missing")
	require.NoError(t, err)
	require.False(t, deleted)

	require.NoError(t, c.Put(ctx, "https://example.com/c", &Response{Status: 200, Header: http.Header{}, Body: []byte("y")}))
	deleted, err = c.Delete(ctx, "https://example.com/c")
	require.NoError(t, err)
	require.True(t, deleted)
}

func TestNamedCachesAreIsolated(t *testing.T) {
	ctx := context.Background()
	caches := New(newTestStore(t))

	require.NoError(t, caches.Open("a").Put(ctx, "https://example.com/x", &Response{Status: 200, Header: http.Header{}, Body: []byte("a")}))

	_, ok, err := caches.Open("b").Match(ctx, "https://example.com/x")
	require.NoError(t, err)
	require.False(t, ok)
}
