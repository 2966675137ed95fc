package d1

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cuemby/bunflare/pkg/metrics"
	"github.com/cuemby/bunflare/pkg/storage"
)

// Undefined marks a bind argument explicitly left undefined; D1 rejects it
// where a real value (including null) is required.
type Undefined struct{}

// ErrUndefinedArg is returned when a bound parameter is Undefined.
var ErrUndefinedArg = errors.New("d1: bound parameter is undefined")

// ErrUnknownColumn is returned by First(col) when the row exists but col
// does not name one of its columns.
var ErrUnknownColumn = errors.New("d1: unknown column")

// Meta describes one statement's execution.
type Meta struct {
	Changes      int64
	LastRowID    int64
	Duration     time.Duration
	SizeAfter    int64
	RowsRead     int64
	RowsWritten  int64
	ChangedDB    bool
	ServedBy     string
}

// Database is one D1 binding: its own SQLite file plus a small
// prepared-statement cache keyed by SQL text.
type Database struct {
	db   *sql.DB
	path string
	slot string

	stmtMu sync.Mutex
	stmts  map[string]*sql.Stmt
}

// Open opens (creating if necessary) the SQLite file d1/<slot>.sqlite under
// store's root. The dispatch core passes the binding's database_name (or
// database_id when no name is set) as slot.
func Open(store *storage.Store, slot string) (*Database, error) {
	dir := filepath.Join(store.Root(), "d1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("d1: create dir: %w", err)
	}

	path := filepath.Join(dir, slot+".sqlite")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("d1: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	return &Database{db: db, path: path, slot: slot, stmts: make(map[string]*sql.Stmt)}, nil
}

// Close closes the binding's database file.
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) observe(method string) func(*error) {
	timer := metrics.NewTimer()
	return func(errp *error) {
		metrics.BindingOpsTotal.WithLabelValues("d1", d.slot, method).Inc()
		metrics.BindingOpDuration.WithLabelValues("d1", d.slot, method).Observe(timer.Duration().Seconds())
		if errp != nil && *errp != nil {
			metrics.BindingOpErrorsTotal.WithLabelValues("d1", d.slot, method).Inc()
		}
	}
}

// Statement is an immutable prepared statement. Bind returns a new
// Statement holding bound parameters; the receiver is never mutated.
type Statement struct {
	db   *Database
	sql  string
	args []any
}

// Prepare returns a statement over sql with no bound parameters.
func (d *Database) Prepare(sqlText string) *Statement {
	return &Statement{db: d, sql: sqlText}
}

// Bind returns a new statement with args bound, applying D1's parameter
// conversion rules: bool -> 0/1, []byte binds as BLOB, nil binds as NULL,
// Undefined{} is rejected.
func (s *Statement) Bind(args ...any) (*Statement, error) {
	converted := make([]any, len(args))
	for i, arg := range args {
		v, err := convertArg(arg)
		if err != nil {
			return nil, err
		}
		converted[i] = v
	}
	return &Statement{db: s.db, sql: s.sql, args: converted}, nil
}

func convertArg(arg any) (any, error) {
	switch v := arg.(type) {
	case Undefined:
		return nil, ErrUndefinedArg
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return v, nil
	}
}

func (s *Statement) prepared(ctx context.Context) (*sql.Stmt, error) {
	s.db.stmtMu.Lock()
	defer s.db.stmtMu.Unlock()

	if stmt, ok := s.db.stmts[s.sql]; ok {
		return stmt, nil
	}
	stmt, err := s.db.db.PrepareContext(ctx, s.sql)
	if err != nil {
		return nil, fmt.Errorf("d1: prepare: %w", err)
	}
	s.db.stmts[s.sql] = stmt
	return stmt, nil
}

// First returns the first row as a column->value map, or the value at col
// if col is non-empty. Returns (nil, nil) if there is no row.
func (s *Statement) First(ctx context.Context, col string) (result any, err error) {
	defer s.db.observe("first")(&err)

	stmt, err := s.prepared(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, s.args...)
	if err != nil {
		return nil, fmt.Errorf("d1: first: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	row, err := scanRow(rows)
	if err != nil {
		return nil, err
	}
	if col == "" {
		return row, nil
	}
	value, ok := row[col]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, col)
	}
	return value, nil
}

// All returns every row as column->value maps.
func (s *Statement) All(ctx context.Context) (rowsOut []map[string]any, err error) {
	defer s.db.observe("all")(&err)

	stmt, err := s.prepared(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, s.args...)
	if err != nil {
		return nil, fmt.Errorf("d1: all: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		row, scanErr := scanRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rowsOut = append(rowsOut, row)
	}
	return rowsOut, rows.Err()
}

// Raw returns rows as positional value arrays; if withColumnNames is set, a
// header array of column names is prepended.
func (s *Statement) Raw(ctx context.Context, withColumnNames bool) (out [][]any, err error) {
	defer s.db.observe("raw")(&err)

	stmt, err := s.prepared(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, s.args...)
	if err != nil {
		return nil, fmt.Errorf("d1: raw: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if withColumnNames {
		header := make([]any, len(cols))
		for i, c := range cols {
			header[i] = c
		}
		out = append(out, header)
	}

	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if scanErr := rows.Scan(ptrs...); scanErr != nil {
			return nil, fmt.Errorf("d1: raw scan: %w", scanErr)
		}
		out = append(out, values)
	}
	return out, rows.Err()
}

// Run executes the statement for its side effects and returns execution
// metadata.
func (s *Statement) Run(ctx context.Context) (meta Meta, err error) {
	defer s.db.observe("run")(&err)
	start := time.Now()

	stmt, err := s.prepared(ctx)
	if err != nil {
		return Meta{}, err
	}
	result, err := stmt.ExecContext(ctx, s.args...)
	if err != nil {
		return Meta{}, fmt.Errorf("d1: run: %w", err)
	}

	changes, _ := result.RowsAffected()
	lastID, _ := result.LastInsertId()
	return Meta{
		Changes:     changes,
		LastRowID:   lastID,
		Duration:    time.Since(start),
		RowsWritten: changes,
		ChangedDB:   changes > 0,
		ServedBy:    s.db.slot,
	}, nil
}

func scanRow(rows *sql.Rows) (map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("d1: scan: %w", err)
	}
	row := make(map[string]any, len(cols))
	for i, c := range cols {
		row[c] = values[i]
	}
	return row, nil
}

// Batch runs every statement atomically: on any failure the whole batch
// rolls back.
func (d *Database) Batch(ctx context.Context, statements []*Statement) (metas []Meta, err error) {
	defer d.observe("batch")(&err)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("d1: batch: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, stmt := range statements {
		start := time.Now()
		result, execErr := tx.ExecContext(ctx, stmt.sql, stmt.args...)
		if execErr != nil {
			err = fmt.Errorf("d1: batch: %w", execErr)
			return nil, err
		}
		changes, _ := result.RowsAffected()
		lastID, _ := result.LastInsertId()
		metas = append(metas, Meta{
			Changes: changes, LastRowID: lastID, Duration: time.Since(start),
			RowsWritten: changes, ChangedDB: changes > 0, ServedBy: d.slot,
		})
	}

	if commitErr := tx.Commit(); commitErr != nil {
		err = fmt.Errorf("d1: batch commit: %w", commitErr)
		return nil, err
	}
	return metas, nil
}

// Exec runs a multi-statement SQL string, splitting it on top-level
// semicolons while respecting string literals and comments.
func (d *Database) Exec(ctx context.Context, sqlText string) (count int, duration time.Duration, err error) {
	defer d.observe("exec")(&err)
	start := time.Now()

	statements := splitStatements(sqlText)
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		if _, execErr := d.db.ExecContext(ctx, stmt); execErr != nil {
			return 0, 0, fmt.Errorf("d1: exec: %w", execErr)
		}
		count++
	}
	return count, time.Since(start), nil
}

// splitStatements splits sql on top-level semicolons, respecting single-
// and double-quoted string literals (with doubled-quote escaping) and
// line (--) / block (/* */) comments.
func splitStatements(sqlText string) []string {
	var statements []string
	var current []rune
	runes := []rune(sqlText)

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		switch {
		case r == '\'' || r == '"':
			quote := r
			current = append(current, r)
			i++
			for i < len(runes) {
				current = append(current, runes[i])
				if runes[i] == quote {
					if i+1 < len(runes) && runes[i+1] == quote {
						current = append(current, runes[i+1])
						i += 2
						continue
					}
					break
				}
				i++
			}
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				current = append(current, runes[i])
				i++
			}
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			current = append(current, r, runes[i+1])
			i += 2
			for i < len(runes) {
				current = append(current, runes[i])
				if runes[i] == '/' && runes[i-1] == '*' {
					break
				}
				i++
			}
		case r == ';':
			statements = append(statements, trimSpace(string(current)))
			current = current[:0]
		default:
			current = append(current, r)
		}
	}
	if trimmed := trimSpace(string(current)); trimmed != "" {
		statements = append(statements, trimmed)
	}
	return statements
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// Dump returns a snapshot of the database as bytes, via SQLite's VACUUM
// INTO a temporary file.
func (d *Database) Dump(ctx context.Context) (data []byte, err error) {
	defer d.observe("dump")(&err)

	tmp := d.path + ".dump-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	defer os.Remove(tmp)

	if _, execErr := d.db.ExecContext(ctx, `VACUUM INTO ?`, tmp); execErr != nil {
		return nil, fmt.Errorf("d1: dump: %w", execErr)
	}
	data, err = os.ReadFile(tmp)
	if err != nil {
		return nil, fmt.Errorf("d1: dump: %w", err)
	}
	return data, nil
}

// Session is a withSession handle. Locally there are no read replicas, so
// it forwards directly to the underlying database; GetBookmark returns a
// synthetic, monotonically informative token.
type Session struct {
	db *Database
}

// WithSession returns a session handle. bookmark is accepted for API
// compatibility but does not change routing in a single-process emulator.
func (d *Database) WithSession(bookmark string) *Session {
	return &Session{db: d}
}

// Prepare returns a statement scoped to this session.
func (s *Session) Prepare(sqlText string) *Statement {
	return s.db.Prepare(sqlText)
}

// Batch runs statements atomically within this session.
func (s *Session) Batch(ctx context.Context, statements []*Statement) ([]Meta, error) {
	return s.db.Batch(ctx, statements)
}

// GetBookmark returns a token representing the database's current state.
func (s *Session) GetBookmark() string {
	return "bookmark:" + strconv.FormatInt(time.Now().UnixNano(), 36)
}
