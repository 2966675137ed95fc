// Package cache implements the Cache binding: named caches (plus a default)
// over the shared substrate's cache_entries table, keyed by URL with
// Cache-Control max-age driven expiry.
package cache
