package dispatch

import (
	"fmt"
	"html"
	"net/http"
	"sort"
	"strings"

	"github.com/cuemby/bunflare/pkg/generation"
)

// secretKeySubstrings flags a var name as sensitive when it contains any of
// these, case-insensitive. There is no real secret/var distinction locally
// (spec.md's config schema doesn't separate them), so masking is a
// heuristic over the key name rather than a declared flag.
var secretKeySubstrings = []string{"key", "secret", "token", "password", "credential"}

func looksSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, substr := range secretKeySubstrings {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}

func maskedVars(gen *generation.Generation) map[string]string {
	masked := make(map[string]string, len(gen.Config.Vars))
	for k, v := range gen.Config.Vars {
		if looksSensitive(k) {
			masked[k] = "***"
			continue
		}
		masked[k] = v
	}
	return masked
}

func boundSlots(gen *generation.Generation) []string {
	slots := make([]string, 0, len(gen.Env))
	for name := range gen.Env {
		if strings.HasPrefix(name, "__") {
			continue // dispatch-internal plumbing, not a worker-visible binding
		}
		slots = append(slots, name)
	}
	sort.Strings(slots)
	return slots
}

// writeErrorPage renders the 500 response for a failed fetch invocation.
// There is no real JS call stack to parse locally, so parsed stack frames
// with source snippets are out of scope; the error's Go message, the
// request, masked vars, and the bound slot list are rendered instead.
func writeErrorPage(w http.ResponseWriter, r *http.Request, gen *generation.Generation, err error) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		writeErrorPageHTML(w, r, gen, err)
		return
	}
	writeErrorPagePlainText(w, r, gen, err)
}

func writeErrorPagePlainText(w http.ResponseWriter, r *http.Request, gen *generation.Generation, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)

	fmt.Fprintf(w, "Error: %s\n\n", err.Error())
	fmt.Fprintf(w, "%s %s\n", r.Method, r.URL.String())
	for key, values := range r.Header {
		fmt.Fprintf(w, "%s: %s\n", key, strings.Join(values, ", "))
	}

	fmt.Fprintf(w, "\nVars:\n")
	for k, v := range maskedVars(gen) {
		fmt.Fprintf(w, "  %s = %s\n", k, v)
	}

	fmt.Fprintf(w, "\nBindings:\n")
	for _, slot := range boundSlots(gen) {
		fmt.Fprintf(w, "  %s\n", slot)
	}
}

func writeErrorPageHTML(w http.ResponseWriter, r *http.Request, gen *generation.Generation, err error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)

	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><title>Worker threw an exception</title></head><body>")
	fmt.Fprintf(&b, "<h1>%s</h1>", html.EscapeString(err.Error()))

	fmt.Fprintf(&b, "<h2>Request</h2><p>%s %s</p><ul>",
		html.EscapeString(r.Method), html.EscapeString(r.URL.String()))
	for key, values := range r.Header {
		fmt.Fprintf(&b, "<li>%s: %s</li>", html.EscapeString(key), html.EscapeString(strings.Join(values, ", ")))
	}
	b.WriteString("</ul>")

	b.WriteString("<h2>Vars</h2><ul>")
	for k, v := range maskedVars(gen) {
		fmt.Fprintf(&b, "<li>%s = %s</li>", html.EscapeString(k), html.EscapeString(v))
	}
	b.WriteString("</ul>")

	b.WriteString("<h2>Bindings</h2><ul>")
	for _, slot := range boundSlots(gen) {
		fmt.Fprintf(&b, "<li>%s</li>", html.EscapeString(slot))
	}
	b.WriteString("</ul></body></html>")

	_, _ = w.Write([]byte(b.String()))
}
