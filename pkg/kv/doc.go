// Package kv implements the namespaced key/value binding: get, conditional
// metadata reads, put with optional TTL, delete, and cursor-paginated list,
// backed by the shared storage substrate's kv table.
package kv
