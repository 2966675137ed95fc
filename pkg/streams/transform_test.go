package streams

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityTransformStreamPassesBytesThrough(t *testing.T) {
	ts := IdentityTransformStream()
	go func() {
		ts.Writable.Write([]byte("hello"))
		ts.Writable.Close()
	}()
	out, err := io.ReadAll(ts.Readable)
	require.NoError(t, err)
	require.Equal(t, "hello", string(out))
}

func TestFixedLengthStreamAcceptsExactLength(t *testing.T) {
	ts := FixedLengthStream(5)
	go func() {
		ts.Writable.Write([]byte("hello"))
		ts.Writable.Close()
	}()
	out, err := io.ReadAll(ts.Readable)
	require.NoError(t, err)
	require.Equal(t, "hello", string(out))
}

func TestFixedLengthStreamRejectsOverflow(t *testing.T) {
	ts := FixedLengthStream(3)
	_, err := ts.Writable.Write([]byte("hello"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLengthMismatch))
}

func TestFixedLengthStreamRejectsUnderflowOnClose(t *testing.T) {
	ts := FixedLengthStream(5)
	done := make(chan error, 1)
	go func() {
		_, werr := ts.Writable.Write([]byte("hi"))
		if werr != nil {
			done <- werr
			return
		}
		done <- ts.Writable.Close()
	}()

	_, rerr := io.ReadAll(ts.Readable)
	require.Error(t, rerr)
	require.True(t, errors.Is(rerr, ErrLengthMismatch))
	<-done
}
