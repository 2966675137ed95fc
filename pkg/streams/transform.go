package streams

import (
	"errors"
	"fmt"
	"io"
)

// ErrLengthMismatch is returned by a FixedLengthStream's Writable when the
// number of bytes written does not match the stream's declared length.
var ErrLengthMismatch = errors.New("streams: length mismatch")

// TransformStream pairs a Writable side that callers write into with a
// Readable side that observes exactly what was written, mirroring the
// Workers TransformStream object passed between a fetch handler and the
// response it returns.
type TransformStream struct {
	Readable io.ReadCloser
	Writable io.WriteCloser
}

// IdentityTransformStream returns a TransformStream whose Readable side
// yields precisely the bytes written to its Writable side, unmodified.
func IdentityTransformStream() *TransformStream {
	r, w := io.Pipe()
	return &TransformStream{Readable: r, Writable: w}
}

// FixedLengthStream returns a TransformStream that enforces exactly n
// bytes flow through it. Writing past n fails the write and aborts the
// Readable side with ErrLengthMismatch; closing the Writable side having
// written fewer than n bytes does the same.
func FixedLengthStream(n int64) *TransformStream {
	pr, pw := io.Pipe()
	return &TransformStream{
		Readable: pr,
		Writable: &fixedLengthWriter{pw: pw, want: n},
	}
}

type fixedLengthWriter struct {
	pw   *io.PipeWriter
	want int64
	sent int64
}

func (f *fixedLengthWriter) Write(p []byte) (int, error) {
	if f.sent+int64(len(p)) > f.want {
		err := fmt.Errorf("%w: wrote more than declared %d bytes", ErrLengthMismatch, f.want)
		f.pw.CloseWithError(err)
		return 0, err
	}
	n, err := f.pw.Write(p)
	f.sent += int64(n)
	return n, err
}

func (f *fixedLengthWriter) Close() error {
	if f.sent != f.want {
		err := fmt.Errorf("%w: wrote %d of declared %d bytes", ErrLengthMismatch, f.sent, f.want)
		f.pw.CloseWithError(err)
		return err
	}
	return f.pw.Close()
}
