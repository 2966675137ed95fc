package assets

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestServesExactFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "robots.txt", "disallow")
	b, err := New(root, "ASSETS", HTMLAutoTrailingSlash, NotFoundNone)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	b.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/robots.txt", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "disallow", w.Body.String())
}

func TestPathTraversalRejected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "ok.txt", "ok")
	b, err := New(root, "ASSETS", HTMLAutoTrailingSlash, NotFoundNone)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	b.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/../../etc/passwd", nil))
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAutoTrailingSlashRedirectsIndexHTML(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/index.html", "<h1>docs</h1>")
	b, err := New(root, "ASSETS", HTMLAutoTrailingSlash, NotFoundNone)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	b.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/docs", nil))
	require.Equal(t, http.StatusTemporaryRedirect, w.Code)
	require.Equal(t, "/docs/", w.Header().Get("Location"))

	w2 := httptest.NewRecorder()
	b.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/docs/", nil))
	require.Equal(t, http.StatusOK, w2.Code)
	require.Contains(t, w2.Body.String(), "docs")
}

func TestAutoTrailingSlashRedirectsDotHTML(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "about.html", "<h1>about</h1>")
	b, err := New(root, "ASSETS", HTMLAutoTrailingSlash, NotFoundNone)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	b.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/about.html", nil))
	require.Equal(t, http.StatusTemporaryRedirect, w.Code)
	require.Equal(t, "/about", w.Header().Get("Location"))

	w2 := httptest.NewRecorder()
	b.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/about", nil))
	require.Equal(t, http.StatusOK, w2.Code)
}

func TestNotFoundPageWalksUpward(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "404.html", "root not found")
	b, err := New(root, "ASSETS", HTMLNone, NotFound404Page)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	b.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/deep/missing", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "root not found", w.Body.String())
}

func TestSinglePageApplicationFallback(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "index.html", "app shell")
	b, err := New(root, "ASSETS", HTMLNone, NotFoundSPA)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	b.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/some/client/route", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "app shell", w.Body.String())
}

func TestETagConditionalRequest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "content")
	b, err := New(root, "ASSETS", HTMLNone, NotFoundNone)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	b.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/a.txt", nil))
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/a.txt", nil)
	req.Header.Set("If-None-Match", etag)
	w2 := httptest.NewRecorder()
	b.ServeHTTP(w2, req)
	require.Equal(t, http.StatusNotModified, w2.Code)
}

func TestHeadersFileAppliesMatchingRules(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "app.js", "console.log(1)")
	writeFile(t, root, "_headers", "/*.js\n  X-Custom: yes\n  Cache-Control: max-age=3600\n")
	b, err := New(root, "ASSETS", HTMLNone, NotFoundNone)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	b.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	require.Equal(t, "yes", w.Header().Get("X-Custom"))
}

func TestParseHeadersFileLimitsRuleCount(t *testing.T) {
	var sb []byte
	for i := 0; i < 101; i++ {
		sb = append(sb, []byte("/p"+string(rune('a'+i%26))+"\n  X-A: 1\n")...)
	}
	_, err := parseHeadersFile(sb)
	require.Error(t, err)
}
