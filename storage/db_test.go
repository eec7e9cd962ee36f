package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testDatabase(t *testing.T, db Database) {
	t.Helper()

	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put([]byte("a/1"), []byte("one")))
	require.NoError(t, db.Put([]byte("a/3"), []byte("three")))
	require.NoError(t, db.Put([]byte("a/2"), []byte("two")))
	require.NoError(t, db.Put([]byte("b/1"), []byte("other")))

	got, err := db.Get([]byte("a/2"))
	require.NoError(t, err)
	require.Equal(t, []byte("two"), got)

	// Overwrites replace in place.
	require.NoError(t, db.Put([]byte("a/2"), []byte("TWO")))
	got, err = db.Get([]byte("a/2"))
	require.NoError(t, err)
	require.Equal(t, []byte("TWO"), got)

	// Prefix iteration walks keys in ascending order and stays inside the
	// prefix.
	var keys []string
	require.NoError(t, db.IteratePrefix([]byte("a/"), func(key, value []byte) bool {
		keys = append(keys, string(key))
		return true
	}))
	require.Equal(t, []string{"a/1", "a/2", "a/3"}, keys)

	// The callback can stop the scan early.
	keys = nil
	require.NoError(t, db.IteratePrefix([]byte("a/"), func(key, value []byte) bool {
		keys = append(keys, string(key))
		return false
	}))
	require.Equal(t, []string{"a/1"}, keys)

	require.NoError(t, db.Close())
}

func TestMemDB(t *testing.T) {
	testDatabase(t, NewMemDB())
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	testDatabase(t, db)
}

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	db, err := NewLevelDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	db, err = NewLevelDB(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}
