package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/tinysos/pkg/model"
	"github.com/nicktill/tinysos/pkg/storage"
)

// Key layout. Records are JSON values; index keys carry no value.
//
//	proc/<id>                     procedure
//	off/<id>                      offering
//	ds/<id>                       dataset
//	obs/<id>                      observation
//	dsobs/<dataset>/<obs>         observations of a dataset
//	child/<parent>/<obs>          components of a composite observation
//	ident/<identifier>/<obs>      observations by business identifier
const (
	prefixProcedure   = "proc/"
	prefixOffering    = "off/"
	prefixDataset     = "ds/"
	prefixObservation = "obs/"
	prefixDatasetObs  = "dsobs/"
	prefixChild       = "child/"
	prefixIdentifier  = "ident/"
)

// DefaultMaxRetries bounds how often a conflicting transaction is replayed.
const DefaultMaxRetries = 5

// Storage implements storage.Store using BadgerDB (LSM tree).
//
// Every Update is one badger transaction. Badger detects conflicts on the
// keys a transaction read, so two deletions that both read and rewrite the
// same dataset row cannot both commit against a stale snapshot: the later
// one fails with ErrConflict and is replayed from the start.
type Storage struct {
	db         *badger.DB
	maxRetries int
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	MaxMemoryMB int64

	// MaxRetries caps conflict replays per Update (0 = DefaultMaxRetries)
	MaxRetries int
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Conservative memory limits: 16 MB memtable unless told otherwise.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Storage{db: db, maxRetries: maxRetries}, nil
}

// Update runs fn in a read-write transaction, replaying it on conflict.
func (s *Storage) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			return fn(&tx{txn: txn})
		})
		if errors.Is(err, badger.ErrConflict) && attempt < s.maxRetries {
			continue
		}
		if errors.Is(err, badger.ErrTxnTooBig) {
			return fmt.Errorf("transaction too large, split the request: %w", err)
		}
		return err
	}
}

// View runs fn in a read-only transaction.
func (s *Storage) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&tx{txn: txn, readOnly: true})
	})
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// This reclaims disk space from deleted/updated values.
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

type tx struct {
	txn      *badger.Txn
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	return nil
}

func (t *tx) get(key string, v any) error {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func (t *tx) put(key string, v any) error {
	if err := t.writable(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return t.setKey(key, data)
}

func (t *tx) setKey(key string, value []byte) error {
	if err := t.txn.Set([]byte(key), value); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (t *tx) deleteKey(key string) error {
	if err := t.txn.Delete([]byte(key)); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// scanSuffixes returns the key remainders after prefix. The iterator is
// closed before returning: read-write badger transactions allow only one
// open iterator and callers write right after scanning.
func (t *tx) scanSuffixes(prefix string) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)

	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		out = append(out, strings.TrimPrefix(string(it.Item().Key()), prefix))
	}
	return out
}

// scanValues decodes every record under prefix.
func (t *tx) scanValues(prefix string, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchSize = 100
	opts.Prefix = []byte(prefix)

	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) GetDataset(_ context.Context, id string) (model.Dataset, error) {
	var ds model.Dataset
	err := t.get(prefixDataset+id, &ds)
	return ds, err
}

func (t *tx) QueryDatasets(_ context.Context, filter storage.DatasetFilter) ([]model.Dataset, error) {
	var out []model.Dataset
	err := t.scanValues(prefixDataset, func(val []byte) error {
		var ds model.Dataset
		if err := json.Unmarshal(val, &ds); err != nil {
			return fmt.Errorf("failed to decode dataset: %w", err)
		}
		if filter.Matches(ds) {
			out = append(out, ds)
		}
		return nil
	})
	return out, err
}

func (t *tx) PutDataset(_ context.Context, ds model.Dataset) error {
	return t.put(prefixDataset+ds.ID, ds)
}

func (t *tx) ChildObservationDatasets(ctx context.Context, datasetIDs []string) ([]string, error) {
	var parents []string
	for _, id := range datasetIDs {
		parents = append(parents, t.scanSuffixes(prefixDatasetObs+id+"/")...)
	}
	var childIDs []string
	for _, parent := range parents {
		childIDs = append(childIDs, t.scanSuffixes(prefixChild+parent+"/")...)
	}
	seen := make(map[string]bool)
	for _, id := range childIDs {
		o, err := t.GetObservation(ctx, id)
		if err != nil {
			return nil, err
		}
		seen[o.DatasetID] = true
	}
	return sortedKeys(seen), nil
}

func (t *tx) LockDataset(_ context.Context, id string) error {
	// Reading the row puts it in this transaction's conflict set.
	_, err := t.txn.Get([]byte(prefixDataset + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("dataset %s: %w", id, storage.ErrNotFound)
	}
	return err
}

func (t *tx) GetObservation(_ context.Context, id string) (model.Observation, error) {
	var o model.Observation
	err := t.get(prefixObservation+id, &o)
	return o, err
}

func (t *tx) QueryObservations(ctx context.Context, filter storage.ObservationFilter) ([]model.Observation, error) {
	candidates, all := t.candidateIDs(filter)
	var out []model.Observation
	if all {
		err := t.scanValues(prefixObservation, func(val []byte) error {
			var o model.Observation
			if err := json.Unmarshal(val, &o); err != nil {
				return fmt.Errorf("failed to decode observation: %w", err)
			}
			if filter.Matches(o) {
				out = append(out, o)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		for _, id := range candidates {
			o, err := t.GetObservation(ctx, id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if filter.Matches(o) {
				out = append(out, o)
			}
		}
	}
	sortObservations(out)
	return out, nil
}

// candidateIDs narrows a filter to ids via the most selective index.
// all is true when no index applies and every observation must be scanned.
func (t *tx) candidateIDs(filter storage.ObservationFilter) (ids []string, all bool) {
	switch {
	case len(filter.IDs) > 0:
		return dedupe(filter.IDs), false
	case len(filter.DatasetIDs) > 0:
		for _, id := range filter.DatasetIDs {
			ids = append(ids, t.scanSuffixes(prefixDatasetObs+id+"/")...)
		}
	case len(filter.ParentIDs) > 0:
		for _, id := range filter.ParentIDs {
			ids = append(ids, t.scanSuffixes(prefixChild+id+"/")...)
		}
	case len(filter.Identifiers) > 0:
		for _, ident := range filter.Identifiers {
			ids = append(ids, t.scanSuffixes(prefixIdentifier+ident+"/")...)
		}
	default:
		return nil, true
	}
	return dedupe(ids), false
}

func (t *tx) BulkMarkDeleted(ctx context.Context, datasetID string, pred *storage.Predicate) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range t.scanSuffixes(prefixDatasetObs + datasetID + "/") {
		o, err := t.GetObservation(ctx, id)
		if err != nil {
			return n, err
		}
		if o.Deleted || !pred.Matches(o) {
			continue
		}
		o.Deleted = true
		if err := t.put(prefixObservation+o.ID, o); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (t *tx) MarkObservationsDeleted(ctx context.Context, ids []string) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range dedupe(ids) {
		o, err := t.GetObservation(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if o.Deleted {
			continue
		}
		o.Deleted = true
		if err := t.put(prefixObservation+o.ID, o); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (t *tx) DeleteObservationRows(ctx context.Context, ids []string) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, id := range ids {
		o, err := t.GetObservation(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		for _, key := range indexKeys(o) {
			if err := t.deleteKey(key); err != nil {
				return err
			}
		}
		if err := t.deleteKey(prefixObservation + id); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) QueryExtrema(ctx context.Context, datasetID string) (storage.Extrema, bool, error) {
	obs, err := t.QueryObservations(ctx, storage.ObservationFilter{
		DatasetIDs: []string{datasetID},
		Deleted:    storage.Bool(false),
	})
	if err != nil || len(obs) == 0 {
		return storage.Extrema{}, false, err
	}
	first, last := obs[0], obs[len(obs)-1]
	return storage.Extrema{
		MinTime: first.PhenomenonTime, MinObsRef: first.ID,
		MaxTime: last.PhenomenonTime, MaxObsRef: last.ID,
	}, true, nil
}

func (t *tx) GetProcedure(_ context.Context, id string) (model.Procedure, error) {
	var p model.Procedure
	err := t.get(prefixProcedure+id, &p)
	return p, err
}

func (t *tx) GetOffering(_ context.Context, id string) (model.Offering, error) {
	var o model.Offering
	err := t.get(prefixOffering+id, &o)
	return o, err
}

func (t *tx) DeleteDatasetRow(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.deleteKey(prefixDataset + id)
}

func (t *tx) DeleteOfferingRow(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.deleteKey(prefixOffering + id)
}

func (t *tx) DeleteProcedureRow(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if err := t.deleteKey(prefixProcedure + id); err != nil {
		return err
	}
	var parents []model.Procedure
	err := t.scanValues(prefixProcedure, func(val []byte) error {
		var p model.Procedure
		if err := json.Unmarshal(val, &p); err != nil {
			return fmt.Errorf("failed to decode procedure: %w", err)
		}
		for _, child := range p.Children {
			if child == id {
				parents = append(parents, p)
				break
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range parents {
		p.Children = without(p.Children, id)
		if err := t.put(prefixProcedure+p.ID, p); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) PutProcedure(_ context.Context, p model.Procedure) error {
	return t.put(prefixProcedure+p.ID, p)
}

func (t *tx) PutOffering(_ context.Context, o model.Offering) error {
	return t.put(prefixOffering+o.ID, o)
}

func (t *tx) PutObservation(ctx context.Context, o model.Observation) error {
	if err := t.writable(); err != nil {
		return err
	}
	if old, err := t.GetObservation(ctx, o.ID); err == nil {
		for _, key := range indexKeys(old) {
			if err := t.deleteKey(key); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := t.put(prefixObservation+o.ID, o); err != nil {
		return err
	}
	for _, key := range indexKeys(o) {
		if err := t.setKey(key, nil); err != nil {
			return err
		}
	}
	return nil
}

func indexKeys(o model.Observation) []string {
	keys := []string{prefixDatasetObs + o.DatasetID + "/" + o.ID}
	if o.ParentID != "" {
		keys = append(keys, prefixChild+o.ParentID+"/"+o.ID)
	}
	if o.Identifier != "" {
		keys = append(keys, prefixIdentifier+o.Identifier+"/"+o.ID)
	}
	return keys
}

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

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func without(values []string, drop string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}
