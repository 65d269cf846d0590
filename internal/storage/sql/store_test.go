package sql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timecapsule/backend/internal/storage"
	"timecapsule/backend/internal/storage/storagetest"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("sqlite", ":memory:", 1, 1, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newSQLiteStore(t)
	})
}

func TestSQLStore_UnsupportedDriver(t *testing.T) {
	_, err := NewStore("oracle", "dsn", 1, 1, 0)
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{driverName: "postgres"}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	my := &Store{driverName: "mysql"}
	assert.Equal(t, "SELECT * FROM t WHERE a = ?", my.rebind("SELECT * FROM t WHERE a = ?"))
}
