// Package streams implements the subset of the WHATWG Streams primitives
// Cloudflare Workers exposes beyond the stdlib io.Reader/io.Writer pair:
// an identity TransformStream and a length-enforcing variant used to
// validate Content-Length-declared bodies as they're copied.
package streams
