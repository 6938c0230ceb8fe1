package deletion

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinysos/pkg/model"
	"github.com/nicktill/tinysos/pkg/storage"
	"github.com/nicktill/tinysos/pkg/storage/memory"
	"github.com/nicktill/tinysos/pkg/storage/storagetest"
	"github.com/nicktill/tinysos/pkg/temporal"
)

var (
	t1 = storagetest.Base
	t2 = storagetest.Base.Add(time.Hour)
	t3 = storagetest.Base.Add(2 * time.Hour)

	fixedNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

type published struct {
	reports []Report
}

func (p *published) Publish(r Report) { p.reports = append(p.reports, r) }

type world struct {
	t       *testing.T
	store   storage.Store
	svc     *Service
	metrics *Metrics
	events  *published
}

func newWorld(t *testing.T, store storage.Store, retain Retention) *world {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	w := &world{t: t, store: store, metrics: NewMetrics(), events: &published{}}
	svc, err := NewService(zaptest.NewLogger(t), store, temporal.PhenomenonTime{},
		Config{Retention: retain, Now: func() time.Time { return fixedNow }},
		w.metrics, w.events)
	require.NoError(t, err)
	w.svc = svc
	return w
}

// put stores records and refreshes the extrema of every dataset.
func (w *world) put(records ...any) {
	w.t.Helper()
	ctx := context.Background()
	err := w.store.Update(ctx, func(tx storage.Tx) error {
		for _, r := range records {
			var err error
			switch r := r.(type) {
			case model.Procedure:
				err = tx.PutProcedure(ctx, r)
			case model.Offering:
				err = tx.PutOffering(ctx, r)
			case model.Dataset:
				err = tx.PutDataset(ctx, r)
			case model.Observation:
				err = tx.PutObservation(ctx, r)
			default:
				err = fmt.Errorf("unsupported record %T", r)
			}
			if err != nil {
				return err
			}
		}
		datasets, err := tx.QueryDatasets(ctx, storage.DatasetFilter{})
		if err != nil {
			return err
		}
		_, err = NewExtremaRecalculator(tx).Recompute(ctx, datasetIDs(datasets))
		return err
	})
	require.NoError(w.t, err)
}

func (w *world) view(fn func(ctx context.Context, tx storage.Tx)) {
	w.t.Helper()
	ctx := context.Background()
	require.NoError(w.t, w.store.View(ctx, func(tx storage.Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func (w *world) dataset(id string) (model.Dataset, bool) {
	w.t.Helper()
	var (
		ds    model.Dataset
		found bool
	)
	w.view(func(ctx context.Context, tx storage.Tx) {
		var err error
		ds, err = tx.GetDataset(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		require.NoError(w.t, err)
		found = true
	})
	return ds, found
}

func (w *world) observation(id string) (model.Observation, bool) {
	w.t.Helper()
	var (
		o     model.Observation
		found bool
	)
	w.view(func(ctx context.Context, tx storage.Tx) {
		var err error
		o, err = tx.GetObservation(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		require.NoError(w.t, err)
		found = true
	})
	return o, found
}

func (w *world) procedure(id string) (model.Procedure, bool) {
	w.t.Helper()
	var (
		p     model.Procedure
		found bool
	)
	w.view(func(ctx context.Context, tx storage.Tx) {
		var err error
		p, err = tx.GetProcedure(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		require.NoError(w.t, err)
		found = true
	})
	return p, found
}

func (w *world) hasOffering(id string) bool {
	w.t.Helper()
	found := false
	w.view(func(ctx context.Context, tx storage.Tx) {
		_, err := tx.GetOffering(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		require.NoError(w.t, err)
		found = true
	})
	return found
}

// checkInvariants asserts the dataset and hierarchy invariants that must
// hold after every completed operation.
func (w *world) checkInvariants(hard bool) {
	w.t.Helper()
	w.view(func(ctx context.Context, tx storage.Tx) {
		datasets, err := tx.QueryDatasets(ctx, storage.DatasetFilter{})
		require.NoError(w.t, err)
		observations, err := tx.QueryObservations(ctx, storage.ObservationFilter{})
		require.NoError(w.t, err)

		byID := make(map[string]model.Observation, len(observations))
		active := make(map[string]int)
		rows := make(map[string]int)
		for _, o := range observations {
			byID[o.ID] = o
			rows[o.DatasetID]++
			if !o.Deleted {
				active[o.DatasetID]++
			}
		}

		for _, ds := range datasets {
			if ds.FirstValueAt == nil || ds.LastValueAt == nil {
				require.Nil(w.t, ds.FirstValueAt, ds.ID)
				require.Nil(w.t, ds.LastValueAt, ds.ID)
				require.Zero(w.t, active[ds.ID], "dataset %s has active observations but no extrema", ds.ID)
			} else {
				require.False(w.t, ds.LastValueAt.Before(*ds.FirstValueAt), ds.ID)
				require.NotZero(w.t, active[ds.ID], "dataset %s has extrema but no active observation", ds.ID)
			}
			if hard && rows[ds.ID] == 0 {
				referenced := false
				for _, other := range datasets {
					if other.ID != ds.ID && other.References(ds.ID) {
						referenced = true
					}
				}
				require.True(w.t, referenced, "dataset %s has no observation rows", ds.ID)
			}
		}

		for _, o := range observations {
			if o.Deleted || o.ParentID == "" {
				continue
			}
			if parent, ok := byID[o.ParentID]; ok {
				require.False(w.t, parent.Deleted, "active %s has deleted parent %s", o.ID, parent.ID)
			}
		}
	})
}

func obs(id, dataset string, ts time.Time, v float64) model.Observation {
	return storagetest.Obs(id, dataset, "", ts, v)
}

func child(id, dataset, parent string, ts time.Time) model.Observation {
	return model.Observation{
		ID: id, DatasetID: dataset, ParentID: parent, Identifier: "urn:" + id,
		PhenomenonTime: ts, ResultTime: ts, TextValue: "component of " + parent,
	}
}

func dataset(id, procedure, offering string) model.Dataset {
	return model.Dataset{
		ID: id, ProcedureID: procedure, OfferingID: offering,
		ObservedPropertyID: "temperature", FeatureID: "station-" + id,
		ValueType: model.ValueQuantity, Published: true,
	}
}

// recorder logs the row deletions reaching the repository in call order.
type recorder struct {
	storage.Repository
	calls []string
}

func (r *recorder) DeleteObservationRows(ctx context.Context, ids []string) error {
	for _, id := range ids {
		r.calls = append(r.calls, "observation:"+id)
	}
	return r.Repository.DeleteObservationRows(ctx, ids)
}

func (r *recorder) DeleteDatasetRow(ctx context.Context, id string) error {
	r.calls = append(r.calls, "dataset:"+id)
	return r.Repository.DeleteDatasetRow(ctx, id)
}

func (r *recorder) DeleteProcedureRow(ctx context.Context, id string) error {
	r.calls = append(r.calls, "procedure:"+id)
	return r.Repository.DeleteProcedureRow(ctx, id)
}

func (r *recorder) index(call string) int {
	for i, c := range r.calls {
		if c == call {
			return i
		}
	}
	return -1
}

// runRecorded runs fn on an engine whose repository records deletions.
func (w *world) runRecorded(fn func(ctx context.Context, e *Engine) error) *recorder {
	w.t.Helper()
	var rec *recorder
	ctx := context.Background()
	err := w.store.Update(ctx, func(tx storage.Tx) error {
		rec = &recorder{Repository: tx}
		e := NewEngine(zaptest.NewLogger(w.t), rec, nil, NewExtremaRecalculator(rec), NewLifecycleCascader(rec, Retention{}))
		return fn(ctx, e)
	})
	require.NoError(w.t, err)
	return rec
}

// failingStore fails the named repository call inside every transaction.
type failingStore struct {
	storage.Store
	failOn string
}

var errInjected = errors.New("injected failure")

func (s failingStore) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.Store.Update(ctx, func(tx storage.Tx) error {
		return fn(failingTx{Tx: tx, failOn: s.failOn})
	})
}

type failingTx struct {
	storage.Tx
	failOn string
}

func (f failingTx) DeleteProcedureRow(ctx context.Context, id string) error {
	if f.failOn == "DeleteProcedureRow" {
		return errInjected
	}
	return f.Tx.DeleteProcedureRow(ctx, id)
}

func (f failingTx) DeleteOfferingRow(ctx context.Context, id string) error {
	if f.failOn == "DeleteOfferingRow" {
		return errInjected
	}
	return f.Tx.DeleteOfferingRow(ctx, id)
}

func (f failingTx) PutDataset(ctx context.Context, ds model.Dataset) error {
	if f.failOn == "PutDataset" {
		return errInjected
	}
	return f.Tx.PutDataset(ctx, ds)
}
