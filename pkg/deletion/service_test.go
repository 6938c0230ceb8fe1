package deletion

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinysos/pkg/model"
	"github.com/nicktill/tinysos/pkg/storage"
	"github.com/nicktill/tinysos/pkg/storage/badger"
	"github.com/nicktill/tinysos/pkg/storage/memory"
	"github.com/nicktill/tinysos/pkg/storage/sqlstore"
)

func TestNewService_Error(t *testing.T) {
	_, err := NewService(nil, memory.New(), nil, Config{}, nil, nil)
	require.True(t, Error.Has(err), err)
	require.Contains(t, err.Error(), "log is nil")

	_, err = NewService(zaptest.NewLogger(t), nil, nil, Config{}, nil, nil)
	require.True(t, Error.Has(err), err)
	require.Contains(t, err.Error(), "store is nil")
}

func TestService_PublishesAfterCommit(t *testing.T) {
	w := newWorld(t, nil, Retention{})
	w.put(model.Procedure{ID: "p"}, model.Offering{ID: "off"}, dataset("d", "p", "off"), obs("o", "d", t1, 1))

	report, err := w.svc.DeleteObservation(context.Background(), ObservationRequest{Identifiers: []string{"urn:o"}, Mode: ModeHard})
	require.NoError(t, err)
	require.Len(t, w.events.reports, 1)
	require.Equal(t, report, w.events.reports[0])

	_, err = w.svc.DeleteDataset(context.Background(), "d")
	require.Equal(t, KindNotFound, KindOf(err))
	require.Len(t, w.events.reports, 1)

	require.Equal(t, 1.0, testutil.ToFloat64(w.metrics.operations.WithLabelValues("delete_observations", "hard", "none")))
	require.Equal(t, 1.0, testutil.ToFloat64(w.metrics.operations.WithLabelValues("delete_dataset", "hard", "not_found")))
	require.Equal(t, 1.0, testutil.ToFloat64(w.metrics.observations.WithLabelValues("removed")))
	require.Equal(t, 1.0, testutil.ToFloat64(w.metrics.rows.WithLabelValues("offering")))
}

func TestService_MetricsRegister(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics()
	require.NoError(t, reg.Register(m))
	m.observe(OpPurge, ModeHard, Report{RemovedObservations: 2}, nil, 0)

	count, err := testutil.GatherAndCount(reg, "tinysos_deletion_observations_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestService_RollbackOnFailure(t *testing.T) {
	for _, failOn := range []string{"DeleteOfferingRow", "DeleteProcedureRow", "PutDataset"} {
		t.Run(failOn, func(t *testing.T) {
			base := memory.New()
			seed := newWorld(t, base, Retention{})
			seed.put(model.Procedure{ID: "p"}, model.Offering{ID: "off"}, dataset("d", "p", "off"), obs("o", "d", t1, 1))
			before, _ := seed.dataset("d")

			w := newWorld(t, failingStore{Store: base, failOn: failOn}, Retention{})
			_, err := w.svc.DeleteObservation(context.Background(), ObservationRequest{Identifiers: []string{"urn:o"}, Mode: ModeHard})
			require.ErrorIs(t, err, errInjected)
			require.Equal(t, KindPersistence, KindOf(err))
			require.True(t, PersistenceError.Has(err))
			require.Empty(t, w.events.reports)

			o, ok := seed.observation("o")
			require.True(t, ok)
			require.False(t, o.Deleted)
			after, ok := seed.dataset("d")
			require.True(t, ok)
			require.Equal(t, before, after)
			require.True(t, seed.hasOffering("off"))
			_, ok = seed.procedure("p")
			require.True(t, ok)
		})
	}
}

func TestService_Backends(t *testing.T) {
	backends := map[string]func(t *testing.T) storage.Store{
		"memory": func(t *testing.T) storage.Store { return memory.New() },
		"badger": func(t *testing.T) storage.Store {
			store, err := badger.New(badger.Config{InMemory: true})
			require.NoError(t, err)
			return store
		},
		"sqlite": func(t *testing.T) storage.Store {
			store, err := sqlstore.Open(context.Background(), sqlstore.Config{
				Dialect: sqlstore.SQLite,
				DSN:     filepath.Join(t.TempDir(), "tinysos.db"),
			})
			require.NoError(t, err)
			return store
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			defer func() { require.NoError(t, store.Close()) }()

			w := newWorld(t, store, Retention{})
			w.put(
				model.Procedure{ID: "root", Children: []string{"c"}},
				model.Procedure{ID: "c"},
				model.Offering{ID: "off"},
				dataset("d-root", "root", "off"),
				dataset("d-c", "c", "off"),
				obs("r1", "d-root", t1, 1),
				obs("r2", "d-root", t2, 2),
				obs("r3", "d-root", t3, 3),
				child("c1", "d-c", "r1", t1),
			)
			ctx := context.Background()

			report, err := w.svc.DeleteObservation(ctx, ObservationRequest{
				Selector: &Selector{Procedures: []string{"root"}, Identifiers: []string{"urn:r1"}},
				Mode:     ModeSoft,
			})
			require.NoError(t, err)
			require.EqualValues(t, 2, report.MarkedObservations)
			ds, ok := w.dataset("d-root")
			require.True(t, ok)
			require.Equal(t, "r2", ds.FirstObservationID)
			w.checkInvariants(false)

			report, err = w.svc.DeleteSensor(ctx, "root", true)
			require.NoError(t, err)
			require.EqualValues(t, 4, report.RemovedObservations)
			require.ElementsMatch(t, []string{"root", "c"}, report.RemovedProcedures)
			require.False(t, w.hasOffering("off"))
			w.checkInvariants(true)
		})
	}
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindNone, KindOf(nil))
	require.Equal(t, KindSelectorResolution, KindOf(SelectorResolutionError.New("x")))
	require.Equal(t, KindNotFound, KindOf(NotFoundError.New("x")))
	require.Equal(t, KindConsistencyViolation, KindOf(ConsistencyViolation.New("x")))
	require.Equal(t, KindPersistence, KindOf(PersistenceError.New("x")))
	require.Equal(t, KindPersistence, KindOf(errInjected))

	wrapped := persist(NotFoundError.New("x"))
	require.Equal(t, KindNotFound, KindOf(wrapped))
	require.False(t, PersistenceError.Has(wrapped))
	require.True(t, PersistenceError.Has(persist(errInjected)))
	require.Equal(t, "consistency_violation", KindConsistencyViolation.String())
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeSoft, "soft": ModeSoft, "hard": ModeHard} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseMode("erase")
	require.Equal(t, KindSelectorResolution, KindOf(err))
}
