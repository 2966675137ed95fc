// Package rewriter implements HTMLRewriter: a selector-driven, streaming
// HTML transform over golang.org/x/net/html's tokenizer, matching
// Cloudflare Workers' element/text/comment/document handler API.
package rewriter
