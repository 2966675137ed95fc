package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/bunflare/pkg/storage"
)

func newTestNamespace(t *testing.T) *Namespace {
	t.Helper()
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, "MY_KV", "MY_KV")
}

func TestPutGetRoundTrip(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	require.NoError(t, ns.Put(ctx, "k", []byte("v"), PutOptions{}))

	got, err := ns.Get(ctx, "k", Text)
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestGetMissingReturnsNil(t *testing.T) {
	ns := newTestNamespace(t)
	got, err := ns.Get(context.Background(), "missing", Text)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestExpirationTTL(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	require.NoError(t, ns.Put(ctx, "k", []byte("v"), PutOptions{ExpirationTTL: 10 * time.Millisecond}))
	time.Sleep(30 * time.Millisecond)

	got, err := ns.Get(ctx, "k", Text)
	require.NoError(t, err)
	require.Nil(t, got)

	list, err := ns.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Empty(t, list.Keys)
}

func TestListPrefixAndPagination(t *testing.T) {
	ns := newTestNamespace(t)
	ctx := context.Background()

	for _, k := range []string{"a/1", "a/2", "a/3", "b/1"} {
		require.NoError(t, ns.Put(ctx, k, []byte(k), PutOptions{}))
	}

	page1, err := ns.List(ctx, ListOptions{Prefix: "a/", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Keys, 2)
	require.False(t, page1.ListComplete)
	require.NotEmpty(t, page1.Cursor)

	page2, err := ns.List(ctx, ListOptions{Prefix: "a/", Limit: 2, Cursor: page1.Cursor})
	require.NoError(t, err)
	require.Len(t, page2.Keys, 1)
	require.True(t, page2.ListComplete)
}

func TestDeleteMissingIsNotError(t *testing.T) {
	ns := newTestNamespace(t)
	require.NoError(t, ns.Delete(context.Background(), "missing"))
}

func TestNamespacesAreIsolated(t *testing.T) {
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	a := New(s, "A", "A")
	b := New(s, "B", "B")
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "k", []byte("a-value"), PutOptions{}))

	got, err := b.Get(ctx, "k", Text)
	require.NoError(t, err)
	require.Nil(t, got)
}
