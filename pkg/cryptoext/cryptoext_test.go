package cryptoext

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTimingSafeEqual(t *testing.T) {
	require.True(t, TimingSafeEqual([]byte("secret"), []byte("secret")))
	require.False(t, TimingSafeEqual([]byte("secret"), []byte("secre1")))
	require.False(t, TimingSafeEqual([]byte("short"), []byte("shorter")))
}

func TestDigestStreamSHA256(t *testing.T) {
	ds, err := NewDigestStream("sha-256")
	require.NoError(t, err)
	_, err = ds.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = ds.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, ds.Close())

	want := sha256.Sum256([]byte("hello world"))
	require.Equal(t, want[:], ds.Digest())
}

func TestDigestStreamRejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewDigestStream("sha-3000")
	require.Error(t, err)
}

func TestDigestStreamWriteAfterCloseFails(t *testing.T) {
	ds, err := NewDigestStream("md5")
	require.NoError(t, err)
	require.NoError(t, ds.Close())
	_, err = ds.Write([]byte("x"))
	require.Error(t, err)
}
