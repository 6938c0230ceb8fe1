package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinysos/pkg/model"
	"github.com/nicktill/tinysos/pkg/storage"
	"github.com/nicktill/tinysos/pkg/storage/storagetest"
)

func newInMemory(t *testing.T) *Storage {
	t.Helper()
	store, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	return store
}

func TestBadgerStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newInMemory(t)
	})
}

func TestBadgerStorage_OpenOnDiskWithLimits(t *testing.T) {
	store, err := New(Config{Path: t.TempDir(), MaxMemoryMB: 48, MaxRetries: 3})
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	storagetest.Fixture(t, store)
}

func TestBadgerStorage_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Write to first instance
	{
		store, err := New(Config{Path: dir})
		if err != nil {
			t.Fatalf("Failed to create storage: %v", err)
		}
		storagetest.Fixture(t, store)
		store.Close()
	}

	// Read from second instance (reopens same directory)
	store, err := New(Config{Path: dir})
	if err != nil {
		t.Fatalf("Failed to reopen storage: %v", err)
	}
	defer store.Close()

	err = store.View(ctx, func(tx storage.Tx) error {
		obs, err := tx.QueryObservations(ctx, storage.ObservationFilter{DatasetIDs: []string{"d1"}})
		if err != nil {
			return err
		}
		if len(obs) != 3 {
			t.Errorf("Expected 3 persisted observations, got %d", len(obs))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

// A transaction that locked a dataset and then lost the race to a
// concurrent writer must be replayed, never committed on a stale read.
func TestBadgerStorage_ConflictReplays(t *testing.T) {
	store := newInMemory(t)
	defer store.Close()
	storagetest.Fixture(t, store)
	ctx := context.Background()

	attempts := 0
	err := store.Update(ctx, func(tx storage.Tx) error {
		attempts++
		if err := tx.LockDataset(ctx, "d1"); err != nil {
			return err
		}
		ds, err := tx.GetDataset(ctx, "d1")
		if err != nil {
			return err
		}
		if attempts == 1 {
			// Concurrent writer commits between our read and our commit.
			require.NoError(t, store.Update(ctx, func(other storage.Tx) error {
				d, err := other.GetDataset(ctx, "d1")
				if err != nil {
					return err
				}
				d.Published = false
				return other.PutDataset(ctx, d)
			}))
		}
		ds.FeatureID = "f-updated"
		return tx.PutDataset(ctx, ds)
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)

	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		ds, err := tx.GetDataset(ctx, "d1")
		require.NoError(t, err)
		require.Equal(t, "f-updated", ds.FeatureID)
		require.False(t, ds.Published, "the replay must start from the other writer's state")
		return nil
	}))
}

func TestBadgerStorage_PutObservationReindexes(t *testing.T) {
	store := newInMemory(t)
	defer store.Close()
	ctx := context.Background()

	o := storagetest.Obs("o1", "d1", "", storagetest.Base, 1)
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.PutDataset(ctx, model.Dataset{ID: "d1"}); err != nil {
			return err
		}
		return tx.PutObservation(ctx, o)
	}))

	o.Identifier = "urn:renamed"
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		return tx.PutObservation(ctx, o)
	}))

	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		old, err := tx.QueryObservations(ctx, storage.ObservationFilter{Identifiers: []string{"urn:o1"}})
		require.NoError(t, err)
		require.Empty(t, old)

		renamed, err := tx.QueryObservations(ctx, storage.ObservationFilter{Identifiers: []string{"urn:renamed"}})
		require.NoError(t, err)
		require.Len(t, renamed, 1)
		return nil
	}))
}
