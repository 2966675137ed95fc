package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesSchema(t *testing.T) {
	root := t.TempDir()

	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	require.FileExists(t, filepath.Join(root, "data.sqlite"))

	_, err = s.DB().Exec(`INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)`, "ns", "k", []byte("v"))
	require.NoError(t, err)

	var value []byte
	err = s.DB().QueryRow(`SELECT value FROM kv WHERE namespace = ? AND key = ?`, "ns", "k").Scan(&value)
	require.NoError(t, err)
	require.Equal(t, "v", string(value))
}

func TestOpenTwiceIsIdempotent(t *testing.T) {
	root := t.TempDir()

	s1, err := Open(root)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(root)
	require.NoError(t, err)
	defer s2.Close()

	var count int
	err = s2.DB().QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'kv'`).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestDOStorageIsolatesInstances(t *testing.T) {
	root := t.TempDir()

	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	dbA, err := s.DOStorage("Counter", "aaa")
	require.NoError(t, err)
	dbB, err := s.DOStorage("Counter", "bbb")
	require.NoError(t, err)
	require.NotSame(t, dbA, dbB)

	dbAgain, err := s.DOStorage("Counter", "aaa")
	require.NoError(t, err)
	require.Same(t, dbA, dbAgain)

	require.FileExists(t, filepath.Join(root, "do-sql", "Counter", "aaa.db"))
	require.FileExists(t, filepath.Join(root, "do-sql", "Counter", "bbb.db"))
}
