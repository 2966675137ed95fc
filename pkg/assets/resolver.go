package assets

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/bunflare/pkg/log"
	"github.com/cuemby/bunflare/pkg/metrics"
)

// HTMLHandling selects how requests without a file extension are resolved
// against implicit index.html/*.html files and whether trailing slashes are
// normalized with a redirect.
type HTMLHandling string

const (
	HTMLNone               HTMLHandling = "none"
	HTMLAutoTrailingSlash  HTMLHandling = "auto-trailing-slash"
	HTMLForceTrailingSlash HTMLHandling = "force-trailing-slash"
	HTMLDropTrailingSlash  HTMLHandling = "drop-trailing-slash"
)

// NotFoundHandling selects the fallback behavior when no file resolves.
type NotFoundHandling string

const (
	NotFoundNone    NotFoundHandling = "none"
	NotFound404Page NotFoundHandling = "404-page"
	NotFoundSPA     NotFoundHandling = "single-page-application"
)

// Binding serves static files out of Root, honoring HTMLHandling and
// NotFoundHandling and the root's _headers rule file, if present.
type Binding struct {
	Root             string
	HTMLHandling     HTMLHandling
	NotFoundHandling NotFoundHandling
	slot             string

	rules []headerRule
}

// New returns a Binding rooted at root. A _headers file at the root is
// parsed eagerly; a malformed file is logged and ignored rather than
// failing binding construction.
func New(root, slot string, htmlHandling HTMLHandling, notFoundHandling NotFoundHandling) (*Binding, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("assets: resolve root %s: %w", root, err)
	}

	b := &Binding{Root: absRoot, HTMLHandling: htmlHandling, NotFoundHandling: notFoundHandling, slot: slot}

	headersPath := filepath.Join(absRoot, "_headers")
	if data, readErr := os.ReadFile(headersPath); readErr == nil {
		rules, parseErr := parseHeadersFile(data)
		if parseErr != nil {
			log.WithBinding("assets", slot).Warn().Err(parseErr).Msg("ignoring malformed _headers file")
		} else {
			b.rules = rules
		}
	}
	return b, nil
}

// ServeHTTP resolves r.URL.Path against Root and writes the response.
func (b *Binding) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	status := http.StatusOK
	defer func() {
		metrics.BindingOpsTotal.WithLabelValues("assets", b.slot, "fetch").Inc()
		metrics.BindingOpDuration.WithLabelValues("assets", b.slot, "fetch").Observe(timer.Duration().Seconds())
	}()

	clean, err := b.safeClean(r.URL.Path)
	if err != nil {
		status = http.StatusForbidden
		http.Error(w, "forbidden", status)
		return
	}

	resolvedPath, redirectTo, found := b.resolve(clean)
	if redirectTo != "" {
		status = http.StatusTemporaryRedirect
		http.Redirect(w, r, redirectTo, status)
		return
	}
	if !found {
		status = b.serveNotFound(w, r, clean)
		return
	}

	b.serveFile(w, r, resolvedPath)
}

// safeClean normalizes an incoming URL path and rejects any attempt to
// escape Root via ".." segments, in any encoding the net/http mux has
// already decoded for us.
func (b *Binding) safeClean(reqPath string) (string, error) {
	if strings.Contains(reqPath, "..") {
		return "", fmt.Errorf("assets: path traversal rejected: %q", reqPath)
	}
	clean := path.Clean("/" + reqPath)
	if strings.Contains(clean, "..") {
		return "", fmt.Errorf("assets: path traversal rejected: %q", reqPath)
	}
	// path.Clean drops a trailing slash; keep it, since resolve's
	// trailing-slash redirect modes depend on it.
	if strings.HasSuffix(reqPath, "/") && clean != "/" {
		clean += "/"
	}
	return clean, nil
}

// resolve maps a cleaned request path to a file on disk, returning either a
// resolved file path, a redirect target, or neither (not found).
func (b *Binding) resolve(clean string) (resolvedPath, redirectTo string, found bool) {
	exact := b.existingFile(clean)
	htmlCandidate := b.existingFile(clean + ".html")
	indexCandidate := b.existingFile(path.Join(clean, "index.html"))

	switch b.HTMLHandling {
	case HTMLNone:
		if exact != "" {
			return exact, "", true
		}
		return "", "", false

	case HTMLForceTrailingSlash:
		if strings.HasSuffix(clean, ".html") && clean != "/index.html" {
			return "", stripSuffix(clean, ".html"), false
		}
		if exact != "" {
			return exact, "", true
		}
		if indexCandidate != "" {
			if !strings.HasSuffix(clean, "/") {
				return "", clean + "/", false
			}
			return indexCandidate, "", true
		}
		if htmlCandidate != "" {
			return htmlCandidate, "", true
		}
		return "", "", false

	case HTMLDropTrailingSlash:
		if strings.HasSuffix(clean, "/index.html") {
			return "", stripSuffix(clean, "index.html"), false
		}
		if strings.HasSuffix(clean, ".html") {
			return "", stripSuffix(clean, ".html"), false
		}
		if strings.HasSuffix(clean, "/") && clean != "/" {
			withoutSlash := strings.TrimSuffix(clean, "/")
			if b.existingFile(withoutSlash+".html") != "" || b.existingFile(path.Join(withoutSlash, "index.html")) != "" {
				return "", withoutSlash, false
			}
		}
		if exact != "" {
			return exact, "", true
		}
		if htmlCandidate != "" {
			return htmlCandidate, "", true
		}
		if indexCandidate != "" {
			return indexCandidate, "", true
		}
		return "", "", false

	default: // HTMLAutoTrailingSlash
		if strings.HasSuffix(clean, "/index.html") {
			return "", stripSuffix(clean, "index.html"), false
		}
		if strings.HasSuffix(clean, ".html") && clean != "/index.html" {
			return "", stripSuffix(clean, ".html"), false
		}
		if exact != "" {
			return exact, "", true
		}
		if htmlCandidate != "" {
			return htmlCandidate, "", true
		}
		if indexCandidate != "" {
			if !strings.HasSuffix(clean, "/") {
				return "", clean + "/", false
			}
			return indexCandidate, "", true
		}
		return "", "", false
	}
}

// stripSuffix drops suffix from clean and collapses a resulting empty path
// to "/".
func stripSuffix(clean, suffix string) string {
	trimmed := strings.TrimSuffix(clean, suffix)
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

// existingFile returns the absolute on-disk path for the cleaned request
// path rel if it names a regular file inside Root, else "".
func (b *Binding) existingFile(rel string) string {
	full := filepath.Join(b.Root, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, b.Root) {
		return ""
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return ""
	}
	return full
}

func (b *Binding) serveFile(w http.ResponseWriter, r *http.Request, fullPath string) {
	info, err := os.Stat(fullPath)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	etag := etagFor(info)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if ct := mime.TypeByExtension(filepath.Ext(fullPath)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=0, must-revalidate")
	b.applyHeaderRules(w, "/"+filepath.ToSlash(mustRel(b.Root, fullPath)))

	http.ServeFile(w, r, fullPath)
}

func (b *Binding) serveNotFound(w http.ResponseWriter, r *http.Request, clean string) int {
	switch b.NotFoundHandling {
	case NotFound404Page:
		if page := b.nearest404(clean); page != "" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			data, _ := os.ReadFile(page)
			_, _ = w.Write(data)
			return http.StatusNotFound
		}
		http.Error(w, "not found", http.StatusNotFound)
		return http.StatusNotFound

	case NotFoundSPA:
		indexPath := filepath.Join(b.Root, "index.html")
		if _, err := os.Stat(indexPath); err == nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			http.ServeFile(w, r, indexPath)
			return http.StatusOK
		}
		http.Error(w, "not found", http.StatusNotFound)
		return http.StatusNotFound

	default:
		http.Error(w, "not found", http.StatusNotFound)
		return http.StatusNotFound
	}
}

// nearest404 walks upward from clean's directory looking for the closest
// 404.html, stopping at Root.
func (b *Binding) nearest404(clean string) string {
	dir := path.Dir(clean)
	for {
		candidate := filepath.Join(b.Root, filepath.FromSlash(dir), "404.html")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		if dir == "/" || dir == "." {
			break
		}
		dir = path.Dir(dir)
	}
	return ""
}

func etagFor(info os.FileInfo) string {
	mtime := strconv.FormatInt(info.ModTime().UnixNano(), 36)
	size := strconv.FormatInt(info.Size(), 36)
	return fmt.Sprintf("%q", mtime+"-"+size)
}

func mustRel(root, full string) string {
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return full
	}
	return rel
}
