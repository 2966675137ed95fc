// Package cryptoext implements the Cloudflare Workers crypto extensions
// that sit outside Go's standard crypto package surface: constant-time
// buffer comparison and a streaming digest sink that yields its sum once
// the stream is closed.
package cryptoext
