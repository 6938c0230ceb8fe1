package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinysos/pkg/model"
	"github.com/nicktill/tinysos/pkg/storage"
	"github.com/nicktill/tinysos/pkg/storage/storagetest"
)

func TestMemoryStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return New()
	})
}

func TestMemoryStorage_UpdateIsolatesCallerCopies(t *testing.T) {
	store := New()
	ctx := context.Background()

	ds := model.Dataset{ID: "d1", ReferenceValues: []string{"d2"}}
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		return tx.PutDataset(ctx, ds)
	}))
	ds.ReferenceValues[0] = "mutated"

	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		got, err := tx.GetDataset(ctx, "d1")
		require.NoError(t, err)
		require.Equal(t, []string{"d2"}, got.ReferenceValues)
		return nil
	}))
}

func TestMemoryStorage_CancelledContext(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.Update(ctx, func(tx storage.Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}
