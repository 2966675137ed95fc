package tracing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// maxCapturedBody caps how much of a request/response body tracing will
// buffer for inspection, per spec.md's "128 KiB cap".
const maxCapturedBody = 128 * 1024

// InstrumentedTransport wraps an http.RoundTripper so every outgoing
// request starts a client span, captures bounded request/response
// bodies, and attaches headers as span attributes. Binary content types
// are summarized by size rather than captured verbatim.
type InstrumentedTransport struct {
	Tracer Tracer
	Base   http.RoundTripper
}

// NewInstrumentedTransport returns a transport that traces through
// tracer before delegating to base (http.DefaultTransport if nil).
func NewInstrumentedTransport(tracer Tracer, base http.RoundTripper) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{Tracer: tracer, Base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	attrs := map[string]string{
		"kind":   "fetch",
		"method": req.Method,
		"url":    req.URL.String(),
	}
	for k, v := range req.Header {
		attrs["request.header."+k] = strings.Join(v, ",")
	}

	if req.Body != nil {
		captured, rest, err := captureBody(req.Body, req.Header.Get("Content-Type"))
		if err == nil {
			attrs["request.body"] = captured
			req.Body = rest
		}
	}

	span := t.Tracer.StartSpan(context.Background(), attrs)

	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		span.End(err)
		return nil, err
	}

	if resp.Body != nil {
		captured, rest, bodyErr := captureBody(resp.Body, resp.Header.Get("Content-Type"))
		if bodyErr == nil {
			attrs["response.body"] = captured
			resp.Body = rest
		}
	}
	for k, v := range resp.Header {
		attrs["response.header."+k] = strings.Join(v, ",")
	}
	attrs["response.status"] = resp.Status

	span.End(nil)
	return resp, nil
}

// captureBody reads body in full, keeps at most maxCapturedBody bytes of
// it as the span summary, and returns a replacement ReadCloser so the real
// caller still sees the full stream.
func captureBody(body io.ReadCloser, contentType string) (summary string, rest io.ReadCloser, err error) {
	defer body.Close()

	full, err := io.ReadAll(body)
	if err != nil {
		return "", nil, err
	}
	rest = io.NopCloser(bytes.NewReader(full))

	if !isTextual(contentType) {
		return fmt.Sprintf("<binary %d bytes, content-type %s>", len(full), contentType), rest, nil
	}

	preview := full
	truncated := len(preview) > maxCapturedBody
	if truncated {
		preview = preview[:maxCapturedBody]
	}
	if truncated {
		return string(preview) + "...<truncated>", rest, nil
	}
	return string(preview), rest, nil
}

func isTextual(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return true
	}
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/json", "application/xml", "application/javascript", "application/x-www-form-urlencoded":
		return true
	}
	return false
}
