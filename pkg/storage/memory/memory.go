package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nicktill/tinysos/pkg/model"
	"github.com/nicktill/tinysos/pkg/storage"
)

// Storage keeps every record in memory. Data is lost on restart.
// Useful for testing and development.
//
// Update works on a private copy of the state which replaces the live state
// only when fn returns nil, so a failed transaction leaves nothing behind.
// Writers are serialized by a single mutex.
type Storage struct {
	mu    sync.RWMutex
	state state
}

type state struct {
	procedures   map[string]model.Procedure
	offerings    map[string]model.Offering
	datasets     map[string]model.Dataset
	observations map[string]model.Observation
}

func newState() state {
	return state{
		procedures:   make(map[string]model.Procedure),
		offerings:    make(map[string]model.Offering),
		datasets:     make(map[string]model.Dataset),
		observations: make(map[string]model.Observation),
	}
}

func (s state) clone() state {
	cp := newState()
	for k, v := range s.procedures {
		cp.procedures[k] = cloneProcedure(v)
	}
	for k, v := range s.offerings {
		cp.offerings[k] = v
	}
	for k, v := range s.datasets {
		cp.datasets[k] = cloneDataset(v)
	}
	for k, v := range s.observations {
		cp.observations[k] = v
	}
	return cp
}

func cloneProcedure(p model.Procedure) model.Procedure {
	p.Children = append([]string(nil), p.Children...)
	return p
}

func cloneDataset(d model.Dataset) model.Dataset {
	d.ReferenceValues = append([]string(nil), d.ReferenceValues...)
	return d
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{state: newState()}
}

// Update runs fn against a copy of the state and installs it on success.
func (s *Storage) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&tx{state: &working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

// View runs fn against the live state; writes are rejected.
func (s *Storage) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{state: &s.state, readOnly: true})
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

type tx struct {
	state    *state
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	return nil
}

func (t *tx) GetDataset(_ context.Context, id string) (model.Dataset, error) {
	ds, ok := t.state.datasets[id]
	if !ok {
		return model.Dataset{}, fmt.Errorf("dataset %s: %w", id, storage.ErrNotFound)
	}
	return cloneDataset(ds), nil
}

func (t *tx) QueryDatasets(_ context.Context, filter storage.DatasetFilter) ([]model.Dataset, error) {
	var out []model.Dataset
	for _, ds := range t.state.datasets {
		if filter.Matches(ds) {
			out = append(out, cloneDataset(ds))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) PutDataset(_ context.Context, ds model.Dataset) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.datasets[ds.ID] = cloneDataset(ds)
	return nil
}

func (t *tx) ChildObservationDatasets(_ context.Context, datasetIDs []string) ([]string, error) {
	parents := make(map[string]bool, len(datasetIDs))
	for _, id := range datasetIDs {
		parents[id] = true
	}
	seen := make(map[string]bool)
	for _, o := range t.state.observations {
		if o.ParentID == "" {
			continue
		}
		parent, ok := t.state.observations[o.ParentID]
		if ok && parents[parent.DatasetID] {
			seen[o.DatasetID] = true
		}
	}
	return sortedKeys(seen), nil
}

func (t *tx) LockDataset(_ context.Context, id string) error {
	if _, ok := t.state.datasets[id]; !ok {
		return fmt.Errorf("dataset %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (t *tx) GetObservation(_ context.Context, id string) (model.Observation, error) {
	o, ok := t.state.observations[id]
	if !ok {
		return model.Observation{}, fmt.Errorf("observation %s: %w", id, storage.ErrNotFound)
	}
	return o, nil
}

func (t *tx) QueryObservations(_ context.Context, filter storage.ObservationFilter) ([]model.Observation, error) {
	var out []model.Observation
	for _, o := range t.state.observations {
		if filter.Matches(o) {
			out = append(out, o)
		}
	}
	sortObservations(out)
	return out, nil
}

func (t *tx) BulkMarkDeleted(_ context.Context, datasetID string, pred *storage.Predicate) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var n int64
	for id, o := range t.state.observations {
		if o.DatasetID != datasetID || o.Deleted || !pred.Matches(o) {
			continue
		}
		o.Deleted = true
		t.state.observations[id] = o
		n++
	}
	return n, nil
}

func (t *tx) MarkObservationsDeleted(_ context.Context, ids []string) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		o, ok := t.state.observations[id]
		if !ok || o.Deleted {
			continue
		}
		o.Deleted = true
		t.state.observations[id] = o
		n++
	}
	return n, nil
}

func (t *tx) DeleteObservationRows(_ context.Context, ids []string) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, id := range ids {
		delete(t.state.observations, id)
	}
	return nil
}

func (t *tx) QueryExtrema(_ context.Context, datasetID string) (storage.Extrema, bool, error) {
	var (
		ext   storage.Extrema
		found bool
	)
	for _, o := range t.state.observations {
		if o.DatasetID != datasetID || o.Deleted {
			continue
		}
		ts := o.PhenomenonTime
		if !found {
			ext = storage.Extrema{MinTime: ts, MinObsRef: o.ID, MaxTime: ts, MaxObsRef: o.ID}
			found = true
			continue
		}
		if ts.Before(ext.MinTime) || (ts.Equal(ext.MinTime) && o.ID < ext.MinObsRef) {
			ext.MinTime, ext.MinObsRef = ts, o.ID
		}
		if ts.After(ext.MaxTime) || (ts.Equal(ext.MaxTime) && o.ID > ext.MaxObsRef) {
			ext.MaxTime, ext.MaxObsRef = ts, o.ID
		}
	}
	return ext, found, nil
}

func (t *tx) GetProcedure(_ context.Context, id string) (model.Procedure, error) {
	p, ok := t.state.procedures[id]
	if !ok {
		return model.Procedure{}, fmt.Errorf("procedure %s: %w", id, storage.ErrNotFound)
	}
	return cloneProcedure(p), nil
}

func (t *tx) GetOffering(_ context.Context, id string) (model.Offering, error) {
	o, ok := t.state.offerings[id]
	if !ok {
		return model.Offering{}, fmt.Errorf("offering %s: %w", id, storage.ErrNotFound)
	}
	return o, nil
}

func (t *tx) DeleteDatasetRow(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.state.datasets, id)
	return nil
}

func (t *tx) DeleteOfferingRow(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.state.offerings, id)
	return nil
}

func (t *tx) DeleteProcedureRow(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.state.procedures, id)
	for pid, p := range t.state.procedures {
		kept := p.Children[:0]
		changed := false
		for _, child := range p.Children {
			if child == id {
				changed = true
				continue
			}
			kept = append(kept, child)
		}
		if changed {
			p.Children = kept
			t.state.procedures[pid] = p
		}
	}
	return nil
}

func (t *tx) PutProcedure(_ context.Context, p model.Procedure) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.procedures[p.ID] = cloneProcedure(p)
	return nil
}

func (t *tx) PutOffering(_ context.Context, o model.Offering) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.offerings[o.ID] = o
	return nil
}

func (t *tx) PutObservation(_ context.Context, o model.Observation) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.observations[o.ID] = o
	return nil
}

// sortObservations orders by phenomenon time, then id.
func sortObservations(obs []model.Observation) {
	sort.Slice(obs, func(i, j int) bool {
		if !obs[i].PhenomenonTime.Equal(obs[j].PhenomenonTime) {
			return obs[i].PhenomenonTime.Before(obs[j].PhenomenonTime)
		}
		return obs[i].ID < obs[j].ID
	})
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
