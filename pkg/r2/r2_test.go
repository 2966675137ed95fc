package r2

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/bunflare/pkg/storage"
)

func newTestBucket(t *testing.T) *Bucket {
	t.Helper()
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, "my-bucket", "MY_BUCKET", DefaultLimits())
}

func TestPutGetRoundTrip(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()

	obj, err := b.Put(ctx, "hello.txt", []byte("hello world"), PutOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, obj.ETag)

	got, err := b.Get(ctx, "hello.txt", GetOptions{})
	require.NoError(t, err)
	body, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(body))
}

func TestConditionalPutFailsOnEtagMismatch(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()

	_, err := b.Put(ctx, "k", []byte("v1"), PutOptions{})
	require.NoError(t, err)

	_, err = b.Put(ctx, "k", []byte("v2"), PutOptions{OnlyIf: &OnlyIf{EtagMatches: []string{"bogus"}}})
	require.ErrorIs(t, err, ErrConditionFailed)
}

func TestRangeRead(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()

	_, err := b.Put(ctx, "k", []byte("0123456789"), PutOptions{})
	require.NoError(t, err)

	got, err := b.Get(ctx, "k", GetOptions{Range: &Range{Offset: 2, Length: 3}})
	require.NoError(t, err)
	body, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	require.Equal(t, "234", string(body))
	require.Equal(t, int64(2), got.Range.Offset)
	require.Equal(t, int64(3), got.Range.Length)
}

func TestSuffixRangeClampsToObjectSize(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()

	_, err := b.Put(ctx, "k", []byte("0123456789"), PutOptions{})
	require.NoError(t, err)

	got, err := b.Get(ctx, "k", GetOptions{Range: &Range{Suffix: 100}})
	require.NoError(t, err)
	body, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(body))
}

func TestMultipartUploadLifecycle(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()

	uploadID, err := b.CreateMultipartUpload(ctx, "big.bin", PutOptions{})
	require.NoError(t, err)

	etag1, err := b.UploadPart(ctx, uploadID, 1, []byte("part-one-"))
	require.NoError(t, err)
	etag2, err := b.UploadPart(ctx, uploadID, 2, []byte("part-two"))
	require.NoError(t, err)

	obj, err := b.CompleteMultipartUpload(ctx, uploadID, []CompletedPart{
		{PartNumber: 2, ETag: etag2},
		{PartNumber: 1, ETag: etag1},
	})
	require.NoError(t, err)
	require.Equal(t, "big.bin", obj.Key)

	got, err := b.Get(ctx, "big.bin", GetOptions{})
	require.NoError(t, err)
	body, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	require.Equal(t, "part-one-part-two", string(body))
}

func TestMultipartCompleteRejectsEtagMismatch(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()

	uploadID, err := b.CreateMultipartUpload(ctx, "big.bin", PutOptions{})
	require.NoError(t, err)
	_, err = b.UploadPart(ctx, uploadID, 1, []byte("data"))
	require.NoError(t, err)

	_, err = b.CompleteMultipartUpload(ctx, uploadID, []CompletedPart{{PartNumber: 1, ETag: "wrong"}})
	require.Error(t, err)
}

func TestListWithDelimiter(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()

	for _, k := range []string{"a/1.txt", "a/2.txt", "b.txt"} {
		_, err := b.Put(ctx, k, []byte("x"), PutOptions{})
		require.NoError(t, err)
	}

	result, err := b.List(ctx, ListOptions{Delimiter: "/"})
	require.NoError(t, err)
	require.Len(t, result.Objects, 1)
	require.Equal(t, "b.txt", result.Objects[0].Key)
	require.Equal(t, []string{"a/"}, result.DelimitedPrefixes)
}

func TestKeyTooLongRejected(t *testing.T) {
	b := newTestBucket(t)
	longKey := make([]byte, 2000)
	for i := range longKey {
		longKey[i] = 'a'
	}
	_, err := b.Put(context.Background(), string(longKey), []byte("x"), PutOptions{})
	require.ErrorIs(t, err, ErrKeyTooLong)
}
