// Package storagetest holds the contract every storage.Store backend must
// satisfy. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinysos/pkg/model"
	"github.com/nicktill/tinysos/pkg/storage"
)

// Opener returns a fresh, empty store. The store is closed by the suite.
type Opener func(t *testing.T) storage.Store

// Base is the reference timestamp used by fixtures.
var Base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Run executes the full contract against stores produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store storage.Store)
	}{
		{"RoundTrip", testRoundTrip},
		{"NotFound", testNotFound},
		{"QueryDatasets", testQueryDatasets},
		{"QueryObservations", testQueryObservations},
		{"BulkMarkDeleted", testBulkMarkDeleted},
		{"MarkObservationsDeleted", testMarkObservationsDeleted},
		{"QueryExtrema", testQueryExtrema},
		{"ChildObservationDatasets", testChildObservationDatasets},
		{"DeleteRows", testDeleteRows},
		{"DeleteProcedureDetaches", testDeleteProcedureDetaches},
		{"Rollback", testRollback},
		{"ReadOwnWrites", testReadOwnWrites},
		{"ViewIsReadOnly", testViewIsReadOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := open(t)
			defer store.Close()
			tt.fn(t, store)
		})
	}
}

// Fixture is a small deterministic data set: two procedures (p1 parent of
// p2), one offering, datasets d1 (p1, quantity) and d2 (p2, text), and a
// composite observation o1 in d1 with component o4 in d2.
func Fixture(t *testing.T, store storage.Store) {
	t.Helper()
	ctx := context.Background()
	err := store.Update(ctx, func(tx storage.Tx) error {
		steps := []error{
			tx.PutProcedure(ctx, model.Procedure{ID: "p1", Children: []string{"p2"}}),
			tx.PutProcedure(ctx, model.Procedure{ID: "p2"}),
			tx.PutOffering(ctx, model.Offering{ID: "off1", Name: "Offering 1"}),
			tx.PutDataset(ctx, model.Dataset{
				ID: "d1", ProcedureID: "p1", OfferingID: "off1",
				ObservedPropertyID: "temp", FeatureID: "f1",
				ValueType: model.ValueQuantity, Published: true,
			}),
			tx.PutDataset(ctx, model.Dataset{
				ID: "d2", ProcedureID: "p2", OfferingID: "off1",
				ObservedPropertyID: "note", FeatureID: "f1",
				ValueType: model.ValueText, Published: true,
				ReferenceValues: []string{"d1"},
			}),
			tx.PutObservation(ctx, Obs("o1", "d1", "", Base, 1)),
			tx.PutObservation(ctx, Obs("o2", "d1", "", Base.Add(time.Hour), 2)),
			tx.PutObservation(ctx, Obs("o3", "d1", "", Base.Add(2*time.Hour), 3)),
			tx.PutObservation(ctx, model.Observation{
				ID: "o4", DatasetID: "d2", ParentID: "o1", Identifier: "urn:o4",
				PhenomenonTime: Base, ResultTime: Base, TextValue: "component",
			}),
		}
		return errors.Join(steps...)
	})
	require.NoError(t, err)
}

// Obs builds a numeric observation whose identifier is "urn:"+id.
func Obs(id, dataset, parent string, ts time.Time, v float64) model.Observation {
	return model.Observation{
		ID: id, DatasetID: dataset, ParentID: parent, Identifier: "urn:" + id,
		PhenomenonTime: ts, ResultTime: ts, NumericValue: &v,
	}
}

func view(t *testing.T, store storage.Store, fn func(ctx context.Context, tx storage.Tx)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func ids(obs []model.Observation) []string {
	out := make([]string, len(obs))
	for i, o := range obs {
		out[i] = o.ID
	}
	return out
}

func datasetIDs(ds []model.Dataset) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

func testRoundTrip(t *testing.T, store storage.Store) {
	Fixture(t, store)
	view(t, store, func(ctx context.Context, tx storage.Tx) {
		p, err := tx.GetProcedure(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, []string{"p2"}, p.Children)

		off, err := tx.GetOffering(ctx, "off1")
		require.NoError(t, err)
		require.Equal(t, "Offering 1", off.Name)

		ds, err := tx.GetDataset(ctx, "d2")
		require.NoError(t, err)
		require.Equal(t, "p2", ds.ProcedureID)
		require.Equal(t, model.ValueText, ds.ValueType)
		require.Equal(t, []string{"d1"}, ds.ReferenceValues)
		require.True(t, ds.Published)
		require.False(t, ds.HasExtrema())

		o, err := tx.GetObservation(ctx, "o2")
		require.NoError(t, err)
		require.Equal(t, "d1", o.DatasetID)
		require.Equal(t, "urn:o2", o.Identifier)
		require.True(t, o.PhenomenonTime.Equal(Base.Add(time.Hour)))
		require.NotNil(t, o.NumericValue)
		require.Equal(t, 2.0, *o.NumericValue)

		o4, err := tx.GetObservation(ctx, "o4")
		require.NoError(t, err)
		require.Equal(t, "o1", o4.ParentID)
		require.Nil(t, o4.NumericValue)
		require.Equal(t, "component", o4.TextValue)
	})

	// Extrema fields survive a write/read cycle.
	ctx := context.Background()
	first, last := Base, Base.Add(time.Hour)
	v1, v2 := 1.0, 2.0
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		ds, err := tx.GetDataset(ctx, "d1")
		if err != nil {
			return err
		}
		ds.FirstValueAt, ds.LastValueAt = &first, &last
		ds.FirstObservationID, ds.LastObservationID = "o1", "o2"
		ds.FirstNumericValue, ds.LastNumericValue = &v1, &v2
		return tx.PutDataset(ctx, ds)
	}))
	view(t, store, func(ctx context.Context, tx storage.Tx) {
		ds, err := tx.GetDataset(ctx, "d1")
		require.NoError(t, err)
		require.True(t, ds.HasExtrema())
		require.True(t, ds.FirstValueAt.Equal(first))
		require.True(t, ds.LastValueAt.Equal(last))
		require.Equal(t, "o2", ds.LastObservationID)
		require.Equal(t, 2.0, *ds.LastNumericValue)
	})
}

func testNotFound(t *testing.T, store storage.Store) {
	view(t, store, func(ctx context.Context, tx storage.Tx) {
		_, err := tx.GetDataset(ctx, "missing")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tx.GetObservation(ctx, "missing")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tx.GetProcedure(ctx, "missing")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tx.GetOffering(ctx, "missing")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
	ctx := context.Background()
	err := store.Update(ctx, func(tx storage.Tx) error {
		return tx.LockDataset(ctx, "missing")
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testQueryDatasets(t *testing.T, store storage.Store) {
	Fixture(t, store)
	view(t, store, func(ctx context.Context, tx storage.Tx) {
		all, err := tx.QueryDatasets(ctx, storage.DatasetFilter{})
		require.NoError(t, err)
		require.Equal(t, []string{"d1", "d2"}, datasetIDs(all))

		byProc, err := tx.QueryDatasets(ctx, storage.DatasetFilter{Procedures: []string{"p2"}})
		require.NoError(t, err)
		require.Equal(t, []string{"d2"}, datasetIDs(byProc))

		combined, err := tx.QueryDatasets(ctx, storage.DatasetFilter{
			Offerings:          []string{"off1"},
			ObservedProperties: []string{"temp", "humidity"},
			Features:           []string{"f1"},
		})
		require.NoError(t, err)
		require.Equal(t, []string{"d1"}, datasetIDs(combined))

		refs, err := tx.QueryDatasets(ctx, storage.DatasetFilter{ReferencesTo: "d1"})
		require.NoError(t, err)
		require.Equal(t, []string{"d2"}, datasetIDs(refs))

		none, err := tx.QueryDatasets(ctx, storage.DatasetFilter{Offerings: []string{"nope"}})
		require.NoError(t, err)
		require.Empty(t, none)
	})
}

func testQueryObservations(t *testing.T, store storage.Store) {
	Fixture(t, store)
	view(t, store, func(ctx context.Context, tx storage.Tx) {
		d1, err := tx.QueryObservations(ctx, storage.ObservationFilter{DatasetIDs: []string{"d1"}})
		require.NoError(t, err)
		require.Equal(t, []string{"o1", "o2", "o3"}, ids(d1))

		// Same phenomenon time orders by id.
		atBase, err := tx.QueryObservations(ctx, storage.ObservationFilter{DatasetIDs: []string{"d1", "d2"}})
		require.NoError(t, err)
		require.Equal(t, []string{"o1", "o4", "o2", "o3"}, ids(atBase))

		children, err := tx.QueryObservations(ctx, storage.ObservationFilter{ParentIDs: []string{"o1"}})
		require.NoError(t, err)
		require.Equal(t, []string{"o4"}, ids(children))

		byIdent, err := tx.QueryObservations(ctx, storage.ObservationFilter{Identifiers: []string{"urn:o3", "urn:zz"}})
		require.NoError(t, err)
		require.Equal(t, []string{"o3"}, ids(byIdent))

		byID, err := tx.QueryObservations(ctx, storage.ObservationFilter{IDs: []string{"o2", "o4"}})
		require.NoError(t, err)
		require.Equal(t, []string{"o4", "o2"}, ids(byID))

		deleted, err := tx.QueryObservations(ctx, storage.ObservationFilter{Deleted: storage.Bool(true)})
		require.NoError(t, err)
		require.Empty(t, deleted)
	})
}

func testBulkMarkDeleted(t *testing.T, store storage.Store) {
	Fixture(t, store)
	ctx := context.Background()
	end := Base.Add(time.Hour)
	pred := &storage.Predicate{Times: []storage.TimeRange{{
		Start: &Base, StartInclusive: true, End: &end, EndInclusive: true,
	}}}

	var first, second int64
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		var err error
		if first, err = tx.BulkMarkDeleted(ctx, "d1", pred); err != nil {
			return err
		}
		second, err = tx.BulkMarkDeleted(ctx, "d1", pred)
		return err
	}))
	require.Equal(t, int64(2), first)
	require.Equal(t, int64(0), second)

	view(t, store, func(ctx context.Context, tx storage.Tx) {
		deleted, err := tx.QueryObservations(ctx, storage.ObservationFilter{Deleted: storage.Bool(true)})
		require.NoError(t, err)
		require.Equal(t, []string{"o1", "o2"}, ids(deleted))
	})

	var all int64
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		var err error
		all, err = tx.BulkMarkDeleted(ctx, "d1", &storage.Predicate{Identifiers: []string{"urn:o3"}})
		return err
	}))
	require.Equal(t, int64(1), all)
}

func testMarkObservationsDeleted(t *testing.T, store storage.Store) {
	Fixture(t, store)
	ctx := context.Background()
	var n int64
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		var err error
		n, err = tx.MarkObservationsDeleted(ctx, []string{"o2", "o4", "missing"})
		return err
	}))
	require.Equal(t, int64(2), n)

	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		var err error
		n, err = tx.MarkObservationsDeleted(ctx, []string{"o2"})
		return err
	}))
	require.Equal(t, int64(0), n)
}

func testQueryExtrema(t *testing.T, store storage.Store) {
	Fixture(t, store)
	view(t, store, func(ctx context.Context, tx storage.Tx) {
		ext, ok, err := tx.QueryExtrema(ctx, "d1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "o1", ext.MinObsRef)
		require.Equal(t, "o3", ext.MaxObsRef)
		require.True(t, ext.MinTime.Equal(Base))
		require.True(t, ext.MaxTime.Equal(Base.Add(2*time.Hour)))
	})

	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		_, err := tx.MarkObservationsDeleted(ctx, []string{"o1", "o3"})
		return err
	}))
	view(t, store, func(ctx context.Context, tx storage.Tx) {
		ext, ok, err := tx.QueryExtrema(ctx, "d1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "o2", ext.MinObsRef)
		require.Equal(t, "o2", ext.MaxObsRef)

		_, ok, err = tx.QueryExtrema(ctx, "unknown")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func testChildObservationDatasets(t *testing.T, store storage.Store) {
	Fixture(t, store)
	view(t, store, func(ctx context.Context, tx storage.Tx) {
		children, err := tx.ChildObservationDatasets(ctx, []string{"d1"})
		require.NoError(t, err)
		require.Equal(t, []string{"d2"}, children)

		none, err := tx.ChildObservationDatasets(ctx, []string{"d2"})
		require.NoError(t, err)
		require.Empty(t, none)
	})
}

func testDeleteRows(t *testing.T, store storage.Store) {
	Fixture(t, store)
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.DeleteObservationRows(ctx, []string{"o4"}); err != nil {
			return err
		}
		if err := tx.DeleteDatasetRow(ctx, "d2"); err != nil {
			return err
		}
		if err := tx.DeleteOfferingRow(ctx, "off1"); err != nil {
			return err
		}
		// Deleting missing rows is not an error.
		if err := tx.DeleteDatasetRow(ctx, "d2"); err != nil {
			return err
		}
		return tx.DeleteObservationRows(ctx, []string{"o4", "missing"})
	}))
	view(t, store, func(ctx context.Context, tx storage.Tx) {
		_, err := tx.GetObservation(ctx, "o4")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tx.GetDataset(ctx, "d2")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tx.GetOffering(ctx, "off1")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tx.GetDataset(ctx, "d1")
		require.NoError(t, err)
	})
}

func testDeleteProcedureDetaches(t *testing.T, store storage.Store) {
	Fixture(t, store)
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		return tx.DeleteProcedureRow(ctx, "p2")
	}))
	view(t, store, func(ctx context.Context, tx storage.Tx) {
		_, err := tx.GetProcedure(ctx, "p2")
		require.ErrorIs(t, err, storage.ErrNotFound)
		p1, err := tx.GetProcedure(ctx, "p1")
		require.NoError(t, err)
		require.Empty(t, p1.Children)
	})
}

func testRollback(t *testing.T, store storage.Store) {
	Fixture(t, store)
	ctx := context.Background()
	boom := errors.New("boom")
	err := store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.DeleteObservationRows(ctx, []string{"o1", "o2"}); err != nil {
			return err
		}
		if _, err := tx.BulkMarkDeleted(ctx, "d1", nil); err != nil {
			return err
		}
		if err := tx.DeleteDatasetRow(ctx, "d2"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	view(t, store, func(ctx context.Context, tx storage.Tx) {
		obs, err := tx.QueryObservations(ctx, storage.ObservationFilter{DatasetIDs: []string{"d1"}, Deleted: storage.Bool(false)})
		require.NoError(t, err)
		require.Equal(t, []string{"o1", "o2", "o3"}, ids(obs))
		_, err = tx.GetDataset(ctx, "d2")
		require.NoError(t, err)
	})
}

func testReadOwnWrites(t *testing.T, store storage.Store) {
	Fixture(t, store)
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.BulkMarkDeleted(ctx, "d1", nil); err != nil {
			return err
		}
		_, ok, err := tx.QueryExtrema(ctx, "d1")
		require.NoError(t, err)
		require.False(t, ok, "extrema must see marks made earlier in the same transaction")

		if err := tx.DeleteObservationRows(ctx, []string{"o4"}); err != nil {
			return err
		}
		children, err := tx.ChildObservationDatasets(ctx, []string{"d1"})
		require.NoError(t, err)
		require.Empty(t, children)
		return nil
	}))
}

func testViewIsReadOnly(t *testing.T, store storage.Store) {
	Fixture(t, store)
	ctx := context.Background()
	err := store.View(ctx, func(tx storage.Tx) error {
		return tx.DeleteDatasetRow(ctx, "d1")
	})
	require.ErrorIs(t, err, storage.ErrReadOnly)
}
