package cryptoext

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"strings"
)

// DigestStream is a write sink that hashes everything written to it and
// exposes the final sum once Close is called, mirroring the Workers
// DigestStream object returned by crypto.subtle.digestStream.
type DigestStream struct {
	h      hash.Hash
	closed bool
	sum    []byte
}

// NewDigestStream returns a DigestStream for the named algorithm. Names
// are matched case-insensitively against "MD5", "SHA-1", "SHA-256",
// "SHA-384", and "SHA-512".
func NewDigestStream(algorithm string) (*DigestStream, error) {
	var h hash.Hash
	switch strings.ToUpper(algorithm) {
	case "MD5":
		h = md5.New()
	case "SHA-1", "SHA1":
		h = sha1.New()
	case "SHA-256", "SHA256":
		h = sha256.New()
	case "SHA-384", "SHA384":
		h = sha512.New384()
	case "SHA-512", "SHA512":
		h = sha512.New()
	default:
		return nil, fmt.Errorf("cryptoext: unsupported digest algorithm %q", algorithm)
	}
	return &DigestStream{h: h}, nil
}

// Write feeds p into the running digest. Returns an error once the
// stream has been closed.
func (d *DigestStream) Write(p []byte) (int, error) {
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	return d.h.Write(p)
}

// Close finalizes the digest. Safe to call multiple times.
func (d *DigestStream) Close() error {
	if !d.closed {
		d.sum = d.h.Sum(nil)
		d.closed = true
	}
	return nil
}

// Digest returns the finalized sum. Returns nil if the stream has not
// been closed yet.
func (d *DigestStream) Digest() []byte {
	return d.sum
}
