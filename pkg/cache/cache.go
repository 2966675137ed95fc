package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/bunflare/pkg/metrics"
	"github.com/cuemby/bunflare/pkg/storage"
)

// DefaultName is the name of the cache reached via the global caches.default
// binding, as opposed to a named cache opened via caches.open(name).
const DefaultName = "default"

// Response is the cacheable shape of an HTTP response: status, headers, and
// a fully-buffered body.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Caches is the registry of named caches backed by one shared substrate.
// It mirrors the `caches` global: Default returns the implicit cache,
// Open returns (or creates) a named one.
type Caches struct {
	store *storage.Store

	mu     sync.Mutex
	caches map[string]*Cache
}

// New returns a cache registry over store.
func New(store *storage.Store) *Caches {
	return &Caches{store: store, caches: make(map[string]*Cache)}
}

// Default returns the default cache.
func (c *Caches) Default() *Cache {
	return c.Open(DefaultName)
}

// Open returns the named cache, creating its handle on first use.
func (c *Caches) Open(name string) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cache, ok := c.caches[name]; ok {
		return cache
	}
	cache := &Cache{store: c.store, name: name}
	c.caches[name] = cache
	return cache
}

// Cache is a single named cache.
type Cache struct {
	store *storage.Store
	name  string
}

func (c *Cache) observe(method string, err error) func() {
	timer := metrics.NewTimer()
	return func() {
		metrics.BindingOpsTotal.WithLabelValues("cache", c.name, method).Inc()
		metrics.BindingOpDuration.WithLabelValues("cache", c.name, method).Observe(timer.Duration().Seconds())
		if err != nil {
			metrics.BindingOpErrorsTotal.WithLabelValues("cache", c.name, method).Inc()
		}
	}
}

// Put stores resp under url. A Cache-Control: max-age=N header sets an
// absolute expiration; its absence means the entry never expires on its
// own (only an explicit Delete removes it). A response whose Cache-Control
// carries no-store or no-cache is not written.
func (c *Cache) Put(ctx context.Context, url string, resp *Response) (err error) {
	defer func() { err = c.finish("put", err) }()

	for _, directive := range strings.Split(resp.Header.Get("Cache-Control"), ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		if strings.HasPrefix(directive, "no-store") || strings.HasPrefix(directive, "no-cache") {
			return nil
		}
	}

	headerRaw, err := encodeHeader(resp.Header)
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", url, err)
	}

	var expiresAt any
	if maxAge, ok := maxAgeSeconds(resp.Header); ok {
		expiresAt = time.Now().Add(time.Duration(maxAge) * time.Second).UnixMilli()
	}

	_, err = c.store.DB().ExecContext(ctx,
		`INSERT INTO cache_entries (cache_name, url, status, headers, body, expires_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (cache_name, url) DO UPDATE SET status = excluded.status, headers = excluded.headers,
		 body = excluded.body, expires_at = excluded.expires_at`,
		c.name, url, resp.Status, headerRaw, resp.Body, expiresAt)
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", url, err)
	}
	return nil
}

// Match returns the cached response for url, or (nil, false, nil) if there
// is none or it has expired. An expired entry is removed as part of the
// lookup.
func (c *Cache) Match(ctx context.Context, url string) (resp *Response, ok bool, err error) {
	defer func() { err = c.finish("match", err) }()

	var status int
	var headerRaw, body []byte
	var expiresAt sql.NullInt64
	row := c.store.DB().QueryRowContext(ctx,
		`SELECT status, headers, body, expires_at FROM cache_entries WHERE cache_name = ? AND url = ?`,
		c.name, url)
	switch scanErr := row.Scan(&status, &headerRaw, &body, &expiresAt); {
	case scanErr == nil:
		// fall through
	case errors.Is(scanErr, sql.ErrNoRows):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("cache: match %s: %w", url, scanErr)
	}

	if expiresAt.Valid && expiresAt.Int64 <= time.Now().UnixMilli() {
		if _, delErr := c.store.DB().ExecContext(ctx,
			`DELETE FROM cache_entries WHERE cache_name = ? AND url = ?`, c.name, url); delErr != nil {
			return nil, false, fmt.Errorf("cache: match %s: evict expired: %w", url, delErr)
		}
		return nil, false, nil
	}

	header, err := decodeHeader(headerRaw)
	if err != nil {
		return nil, false, fmt.Errorf("cache: match %s: %w", url, err)
	}
	return &Response{Status: status, Header: header, Body: body}, true, nil
}

// Delete removes the cached entry for url, reporting whether one existed.
func (c *Cache) Delete(ctx context.Context, url string) (deleted bool, err error) {
	defer func() { err = c.finish("delete", err) }()

	result, err := c.store.DB().ExecContext(ctx,
		`DELETE FROM cache_entries WHERE cache_name = ? AND url = ?`, c.name, url)
	if err != nil {
		return false, fmt.Errorf("cache: delete %s: %w", url, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cache: delete %s: %w", url, err)
	}
	return n > 0, nil
}

func (c *Cache) finish(method string, err error) error {
	c.observe(method, err)()
	return err
}

func maxAgeSeconds(h http.Header) (int, bool) {
	cc := h.Get("Cache-Control")
	if cc == "" {
		return 0, false
	}
	for _, directive := range strings.Split(cc, ",") {
		directive = strings.TrimSpace(directive)
		if strings.HasPrefix(strings.ToLower(directive), "no-store") || strings.HasPrefix(strings.ToLower(directive), "no-cache") {
			return 0, false
		}
		if name, value, found := strings.Cut(directive, "="); found && strings.EqualFold(strings.TrimSpace(name), "max-age") {
			seconds, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return 0, false
			}
			return seconds, true
		}
	}
	return 0, false
}

func encodeHeader(h http.Header) ([]byte, error) {
	var buf strings.Builder
	for key, values := range h {
		for _, value := range values {
			buf.WriteString(key)
			buf.WriteByte('\x00')
			buf.WriteString(value)
			buf.WriteByte('\n')
		}
	}
	return []byte(buf.String()), nil
}

func decodeHeader(raw []byte) (http.Header, error) {
	h := make(http.Header)
	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "\x00")
		if !found {
			return nil, fmt.Errorf("malformed cached header line %q", line)
		}
		h.Add(key, value)
	}
	return h, nil
}
