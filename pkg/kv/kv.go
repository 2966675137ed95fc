package kv

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/bunflare/pkg/log"
	"github.com/cuemby/bunflare/pkg/metrics"
	"github.com/cuemby/bunflare/pkg/storage"
)

// ValueType selects how a stored value is reported back to the caller.
type ValueType string

const (
	Text        ValueType = "text"
	JSON        ValueType = "json"
	ArrayBuffer ValueType = "arrayBuffer"
	Stream      ValueType = "stream"
)

// ErrNotFound is returned by operations that require an existing key.
var ErrNotFound = errors.New("kv: key not found")

// Entry is a single listed key with its metadata.
type Entry struct {
	Name       string
	Expiration *int64
	Metadata   []byte
}

// ListResult is the response shape for List.
type ListResult struct {
	Keys         []Entry
	ListComplete bool
	Cursor       string
}

// PutOptions configures an optional expiration and opaque metadata blob.
type PutOptions struct {
	Metadata      []byte
	ExpirationTTL time.Duration // relative to now; zero means no expiration
	Expiration    time.Time     // absolute; used if ExpirationTTL is zero and non-zero Time given
}

// ListOptions configures List's prefix filter, pagination, and ordering.
type ListOptions struct {
	Prefix  string
	Limit   int
	Cursor  string
	Reverse bool
}

// Namespace is a single KV binding, isolated by name from every other
// namespace sharing the same substrate.
type Namespace struct {
	store *storage.Store
	name  string
	slot  string
}

// New returns a KV binding backed by store, isolated under name. slot is the
// binding's configuration slot name, used only for metrics/log tagging.
func New(store *storage.Store, name, slot string) *Namespace {
	return &Namespace{store: store, name: name, slot: slot}
}

func (n *Namespace) observe(method string, err error) func() {
	timer := metrics.NewTimer()
	return func() {
		metrics.BindingOpsTotal.WithLabelValues("kv", n.slot, method).Inc()
		metrics.BindingOpDuration.WithLabelValues("kv", n.slot, method).Observe(timer.Duration().Seconds())
		if err != nil {
			metrics.BindingOpErrorsTotal.WithLabelValues("kv", n.slot, method).Inc()
		}
	}
}

// Get reads a key, converting the stored bytes per typ. Missing or expired
// keys return (nil, nil); expired rows are deleted as part of the read.
func (n *Namespace) Get(ctx context.Context, key string, typ ValueType) (any, error) {
	value, _, err := n.getRow(ctx, key)
	if err != nil || value == nil {
		return nil, err
	}
	return convert(value, typ)
}

// GetWithMetadata is Get plus the stored metadata blob.
func (n *Namespace) GetWithMetadata(ctx context.Context, key string, typ ValueType) (any, []byte, error) {
	value, metadata, err := n.getRow(ctx, key)
	if err != nil || value == nil {
		return nil, nil, err
	}
	converted, err := convert(value, typ)
	return converted, metadata, err
}

func (n *Namespace) getRow(ctx context.Context, key string) (value, metadata []byte, err error) {
	defer func() { err = n.finish("get", err) }()

	var expiresAt sql.NullInt64
	row := n.store.DB().QueryRowContext(ctx,
		`SELECT value, metadata, expires_at FROM kv WHERE namespace = ? AND key = ?`, n.name, key)
	if scanErr := row.Scan(&value, &metadata, &expiresAt); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("kv: get %s: %w", key, scanErr)
	}

	if expiresAt.Valid && expiresAt.Int64 <= time.Now().UnixMilli() {
		if _, delErr := n.store.DB().ExecContext(ctx,
			`DELETE FROM kv WHERE namespace = ? AND key = ?`, n.name, key); delErr != nil {
			log.WithBinding("kv", n.slot).Warn().Err(delErr).Str("key", key).Msg("failed to ghost expired key")
		}
		return nil, nil, nil
	}
	return value, metadata, nil
}

func (n *Namespace) finish(method string, err error) error {
	n.observe(method, err)()
	return err
}

// Put stores a value under key, optionally tagged with metadata and an
// expiration. A zero opts stores the value with no expiration.
func (n *Namespace) Put(ctx context.Context, key string, value []byte, opts PutOptions) (err error) {
	defer func() { err = n.finish("put", err) }()

	var expiresAt any
	switch {
	case opts.ExpirationTTL > 0:
		expiresAt = time.Now().Add(opts.ExpirationTTL).UnixMilli()
	case !opts.Expiration.IsZero():
		expiresAt = opts.Expiration.UnixMilli()
	}

	_, err = n.store.DB().ExecContext(ctx,
		`INSERT INTO kv (namespace, key, value, metadata, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, metadata = excluded.metadata, expires_at = excluded.expires_at`,
		n.name, key, value, opts.Metadata, expiresAt)
	if err != nil {
		return fmt.Errorf("kv: put %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (n *Namespace) Delete(ctx context.Context, key string) (err error) {
	defer func() { err = n.finish("delete", err) }()
	_, err = n.store.DB().ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, n.name, key)
	if err != nil {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return nil
}

// List returns keys matching Prefix, paginated by an opaque offset cursor.
// Expired keys are filtered out and removed as encountered.
func (n *Namespace) List(ctx context.Context, opts ListOptions) (result ListResult, err error) {
	defer func() { err = n.finish("list", err) }()

	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	offset := decodeCursor(opts.Cursor)

	order := "ASC"
	if opts.Reverse {
		order = "DESC"
	}

	rows, queryErr := n.store.DB().QueryContext(ctx,
		fmt.Sprintf(`SELECT key, metadata, expires_at FROM kv
		 WHERE namespace = ? AND key LIKE ? ESCAPE '\'
		 ORDER BY key %s LIMIT ? OFFSET ?`, order),
		n.name, likePrefix(opts.Prefix), limit, offset)
	if queryErr != nil {
		return ListResult{}, fmt.Errorf("kv: list: %w", queryErr)
	}
	defer rows.Close()

	now := time.Now().UnixMilli()
	var expiredKeys []string
	for rows.Next() {
		var key string
		var metadata []byte
		var expiresAt sql.NullInt64
		if scanErr := rows.Scan(&key, &metadata, &expiresAt); scanErr != nil {
			return ListResult{}, fmt.Errorf("kv: list scan: %w", scanErr)
		}

		if expiresAt.Valid && expiresAt.Int64 <= now {
			expiredKeys = append(expiredKeys, key)
			continue
		}

		entry := Entry{Name: key, Metadata: metadata}
		if expiresAt.Valid {
			ms := expiresAt.Int64
			entry.Expiration = &ms
		}
		result.Keys = append(result.Keys, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return ListResult{}, fmt.Errorf("kv: list rows: %w", rowsErr)
	}

	for _, key := range expiredKeys {
		if _, delErr := n.store.DB().ExecContext(ctx,
			`DELETE FROM kv WHERE namespace = ? AND key = ?`, n.name, key); delErr != nil {
			log.WithBinding("kv", n.slot).Warn().Err(delErr).Str("key", key).Msg("failed to ghost expired key during list")
		}
	}

	result.ListComplete = len(result.Keys) < limit
	if !result.ListComplete {
		result.Cursor = encodeCursor(offset + len(result.Keys))
	}
	return result, nil
}

func convert(value []byte, typ ValueType) (any, error) {
	switch typ {
	case JSON:
		return value, nil // caller unmarshals; raw bytes are valid JSON text
	case ArrayBuffer, Stream:
		return value, nil
	case Text, "":
		return string(value), nil
	default:
		return nil, fmt.Errorf("kv: unknown value type %q", typ)
	}
}

func likePrefix(prefix string) string {
	escaped := ""
	for _, r := range prefix {
		switch r {
		case '%', '_', '\\':
			escaped += `\` + string(r)
		default:
			escaped += string(r)
		}
	}
	return escaped + "%"
}

func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0
	}
	offset, err := strconv.Atoi(string(decoded))
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}
