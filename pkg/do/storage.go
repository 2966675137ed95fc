package do

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cuemby/bunflare/pkg/storage"
)

// Storage is a Durable Object instance's key/value storage, backed by the
// shared substrate's do_storage table scoped to (class, id). Values are
// JSON-encoded on write and decoded into the caller's target on read.
type Storage struct {
	store *storage.Store
	class string
	id    string
}

func newStorage(store *storage.Store, class, id string) *Storage {
	return &Storage{store: store, class: class, id: id}
}

// Get reads a single key into out, reporting whether the key existed.
func (s *Storage) Get(ctx context.Context, key string, out any) (found bool, err error) {
	var raw []byte
	row := s.store.DB().QueryRowContext(ctx,
		`SELECT value FROM do_storage WHERE class = ? AND id = ? AND key = ?`, s.class, s.id, key)
	if scanErr := row.Scan(&raw); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("do: storage get %s: %w", key, scanErr)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return true, fmt.Errorf("do: storage get %s: %w", key, err)
		}
	}
	return true, nil
}

// GetMany reads multiple keys, returning only the ones found.
func (s *Storage) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		var raw []byte
		row := s.store.DB().QueryRowContext(ctx,
			`SELECT value FROM do_storage WHERE class = ? AND id = ? AND key = ?`, s.class, s.id, key)
		if scanErr := row.Scan(&raw); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				continue
			}
			return nil, fmt.Errorf("do: storage get %s: %w", key, scanErr)
		}
		result[key] = raw
	}
	return result, nil
}

// Put stores a single key/value pair.
func (s *Storage) Put(ctx context.Context, key string, value any) error {
	return s.PutMany(ctx, map[string]any{key: value})
}

// PutMany stores multiple entries atomically in a single transaction.
func (s *Storage) PutMany(ctx context.Context, entries map[string]any) error {
	tx, err := s.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("do: storage put: %w", err)
	}
	defer tx.Rollback()

	for key, value := range entries {
		raw, marshalErr := json.Marshal(value)
		if marshalErr != nil {
			return fmt.Errorf("do: storage put %s: %w", key, marshalErr)
		}
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO do_storage (class, id, key, value) VALUES (?, ?, ?, ?)
			 ON CONFLICT (class, id, key) DO UPDATE SET value = excluded.value`,
			s.class, s.id, key, raw); execErr != nil {
			return fmt.Errorf("do: storage put %s: %w", key, execErr)
		}
	}
	return tx.Commit()
}

// Delete removes a single key, reporting whether it existed.
func (s *Storage) Delete(ctx context.Context, key string) (bool, error) {
	result, err := s.store.DB().ExecContext(ctx,
		`DELETE FROM do_storage WHERE class = ? AND id = ? AND key = ?`, s.class, s.id, key)
	if err != nil {
		return false, fmt.Errorf("do: storage delete %s: %w", key, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// DeleteMany removes multiple keys, returning the count actually removed.
func (s *Storage) DeleteMany(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for _, key := range keys {
		ok, err := s.Delete(ctx, key)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// DeleteAll removes every key belonging to this instance.
func (s *Storage) DeleteAll(ctx context.Context) error {
	_, err := s.store.DB().ExecContext(ctx, `DELETE FROM do_storage WHERE class = ? AND id = ?`, s.class, s.id)
	if err != nil {
		return fmt.Errorf("do: storage deleteAll: %w", err)
	}
	return nil
}

// ListOptions configures List's range and ordering.
type ListOptions struct {
	Prefix  string
	Start   string
	End     string
	Limit   int
	Reverse bool
}

// List returns the matching keys and their values as a map. The query
// filters by Prefix, Start (inclusive) and End (exclusive), orders by key
// (descending when Reverse) and applies Limit in that order; the returned
// map itself carries no order.
func (s *Storage) List(ctx context.Context, opts ListOptions) (map[string][]byte, error) {
	query := `SELECT key, value FROM do_storage WHERE class = ? AND id = ?`
	args := []any{s.class, s.id}

	if opts.Prefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, likeEscape(opts.Prefix)+"%")
	}
	if opts.Start != "" {
		query += ` AND key >= ?`
		args = append(args, opts.Start)
	}
	if opts.End != "" {
		query += ` AND key < ?`
		args = append(args, opts.End)
	}

	order := "ASC"
	if opts.Reverse {
		order = "DESC"
	}
	query += fmt.Sprintf(` ORDER BY key %s`, order)
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("do: storage list: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if scanErr := rows.Scan(&key, &value); scanErr != nil {
			return nil, fmt.Errorf("do: storage list scan: %w", scanErr)
		}
		result[key] = value
	}
	return result, rows.Err()
}

// Transaction runs cb with s itself. No SQL transaction is opened: each
// write cb makes is applied as it happens and is not rolled back when cb
// returns an error. cb's error is returned unchanged.
func (s *Storage) Transaction(ctx context.Context, cb func(ctx context.Context, tx *Storage) error) error {
	// The substrate's single shared connection already serializes writers,
	// so a nested "transaction" here just runs cb against the same handle;
	// its error still determines whether callers treat the batch as applied.
	return cb(ctx, s)
}

func likeEscape(prefix string) string {
	escaped := ""
	for _, r := range prefix {
		switch r {
		case '%', '_', '\\':
			escaped += `\` + string(r)
		default:
			escaped += string(r)
		}
	}
	return escaped
}
