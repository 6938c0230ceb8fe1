package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinysos/pkg/storage"
	"github.com/nicktill/tinysos/pkg/storage/storagetest"
)

func TestSQLiteStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		store, err := Open(context.Background(), Config{
			Dialect: SQLite,
			DSN:     filepath.Join(t.TempDir(), "tinysos.db"),
		})
		require.NoError(t, err)
		return store
	})
}

// Runs only when a disposable postgres database is provided.
func TestPostgresStore_Contract(t *testing.T) {
	dsn := os.Getenv("TINYSOS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TINYSOS_TEST_POSTGRES_DSN not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.Store {
		ctx := context.Background()
		store, err := Open(ctx, Config{Dialect: Postgres, DSN: dsn})
		require.NoError(t, err)
		require.NoError(t, store.truncate(ctx))
		return store
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tinysos.db")
	ctx := context.Background()

	store, err := Open(ctx, Config{Dialect: SQLite, DSN: path})
	require.NoError(t, err)
	storagetest.Fixture(t, store)
	require.NoError(t, store.Close())

	store, err = Open(ctx, Config{Dialect: SQLite, DSN: path})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		ds, err := tx.GetDataset(ctx, "d2")
		require.NoError(t, err)
		require.Equal(t, []string{"d1"}, ds.ReferenceValues)
		return nil
	}))
}

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT id FROM t WHERE a = ? AND b IN (?, ?)"
	require.Equal(t, q, SQLite.rebind(q))
	require.Equal(t, "SELECT id FROM t WHERE a = $1 AND b IN ($2, $3)", Postgres.rebind(q))
}

func TestDialectByName(t *testing.T) {
	d, err := DialectByName("postgresql")
	require.NoError(t, err)
	require.Equal(t, Postgres.Name, d.Name)

	_, err = DialectByName("oracle")
	require.Error(t, err)
}

func TestChunks(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	require.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunks(ids, 2))
	require.Empty(t, chunks(nil, 2))
}
