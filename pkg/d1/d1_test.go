package d1

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/bunflare/pkg/storage"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	db, err := Open(s, "MY_DB")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.db.Exec(`CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT, age INTEGER)`)
	require.NoError(t, err)
	return db
}

func TestPrepareBindRunFirst(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	insert, err := db.Prepare(`INSERT INTO people (name, age) VALUES (?, ?)`).Bind("ada", 36)
	require.NoError(t, err)
	meta, err := insert.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), meta.Changes)

	query, err := db.Prepare(`SELECT name FROM people WHERE age = ?`).Bind(36)
	require.NoError(t, err)
	name, err := query.First(ctx, "name")
	require.NoError(t, err)
	require.Equal(t, "ada", name)
}

func TestFirstUnknownColumnErrors(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	_, err := db.Prepare(`INSERT INTO people (name) VALUES ('x')`).Bind()
	require.NoError(t, err)
	insert, _ := db.Prepare(`INSERT INTO people (name) VALUES ('x')`).Bind()
	_, err = insert.Run(ctx)
	require.NoError(t, err)

	stmt, _ := db.Prepare(`SELECT name FROM people LIMIT 1`).Bind()
	_, err = stmt.First(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownColumn)
}

func TestBindUndefinedRejected(t *testing.T) {
	db := newTestDatabase(t)
	_, err := db.Prepare(`INSERT INTO people (name) VALUES (?)`).Bind(Undefined{})
	require.ErrorIs(t, err, ErrUndefinedArg)
}

func TestBatchRollsBackOnFailure(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	good, _ := db.Prepare(`INSERT INTO people (name) VALUES ('ok')`).Bind()
	bad := db.Prepare(`INSERT INTO nonexistent_table (name) VALUES ('bad')`)

	_, err := db.Batch(ctx, []*Statement{good, bad})
	require.Error(t, err)

	count, err := db.Prepare(`SELECT count(*) AS c FROM people`).Bind()
	require.NoError(t, err)
	row, err := count.First(ctx, "c")
	require.NoError(t, err)
	require.EqualValues(t, 0, row)
}

func TestExecSplitsRespectingStringLiterals(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	sql := `INSERT INTO people (name) VALUES ('a;b'); INSERT INTO people (name) VALUES ('c');`
	count, _, err := db.Exec(ctx, sql)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	rows, err := db.Prepare(`SELECT name FROM people ORDER BY id`).Bind()
	require.NoError(t, err)
	all, err := rows.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a;b", all[0]["name"])
}

func TestDumpReturnsNonEmptySnapshot(t *testing.T) {
	db := newTestDatabase(t)
	data, err := db.Dump(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, data)
}
