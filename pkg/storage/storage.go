package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/tinysos/pkg/model"
)

// ErrNotFound is returned by getters when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrReadOnly is returned by mutating calls made inside View.
var ErrReadOnly = errors.New("read-only transaction")

// Store supplies the ambient transaction for every operation.
// Implementations: memory (testing), badger (default), sqlstore (sqlite, postgres)
type Store interface {
	// Update runs fn inside one read-write transaction. Reads made through tx
	// observe tx's own uncommitted writes. A non-nil error from fn rolls back
	// every write made by fn.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn inside a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Close cleanly shuts down the store
	Close() error
}

// Tx is the repository bound to one transaction plus the insert path.
type Tx interface {
	Repository

	PutOffering(ctx context.Context, o model.Offering) error
	PutObservation(ctx context.Context, o model.Observation) error
}

// Repository is the query/mutate surface the deletion core consumes.
type Repository interface {
	GetDataset(ctx context.Context, id string) (model.Dataset, error)
	QueryDatasets(ctx context.Context, filter DatasetFilter) ([]model.Dataset, error)
	PutDataset(ctx context.Context, ds model.Dataset) error

	// ChildObservationDatasets returns the ids of datasets holding
	// observations whose parent lives in one of datasetIDs.
	ChildObservationDatasets(ctx context.Context, datasetIDs []string) ([]string, error)

	// LockDataset takes the row-level lock on a dataset for the remainder of
	// the transaction.
	LockDataset(ctx context.Context, id string) error

	GetObservation(ctx context.Context, id string) (model.Observation, error)
	QueryObservations(ctx context.Context, filter ObservationFilter) ([]model.Observation, error)

	// BulkMarkDeleted flags the active observations of a dataset matching
	// pred (all of them when pred is nil) and returns how many changed.
	BulkMarkDeleted(ctx context.Context, datasetID string, pred *Predicate) (int64, error)
	// MarkObservationsDeleted flags the given active observations.
	MarkObservationsDeleted(ctx context.Context, ids []string) (int64, error)
	DeleteObservationRows(ctx context.Context, ids []string) error

	// QueryExtrema returns the earliest and latest active observation of a
	// dataset. ok is false when the dataset has no active observation.
	QueryExtrema(ctx context.Context, datasetID string) (ext Extrema, ok bool, err error)

	GetProcedure(ctx context.Context, id string) (model.Procedure, error)
	PutProcedure(ctx context.Context, p model.Procedure) error
	GetOffering(ctx context.Context, id string) (model.Offering, error)

	DeleteDatasetRow(ctx context.Context, id string) error
	DeleteOfferingRow(ctx context.Context, id string) error
	// DeleteProcedureRow removes the procedure and detaches it from the
	// children list of any parent procedure.
	DeleteProcedureRow(ctx context.Context, id string) error
}

// Extrema is the result of a min/max phenomenon time scan.
type Extrema struct {
	MinTime   time.Time
	MinObsRef string
	MaxTime   time.Time
	MaxObsRef string
}

// DatasetFilter selects datasets. Empty fields do not constrain; set fields
// are combined with AND, values within a field with OR.
type DatasetFilter struct {
	IDs                []string
	Procedures         []string
	Offerings          []string
	ObservedProperties []string
	Features           []string

	// ReferencesTo keeps only datasets listing this id in ReferenceValues.
	ReferencesTo string
}

// Matches reports whether ds satisfies the filter.
func (f DatasetFilter) Matches(ds model.Dataset) bool {
	if !matchesAny(f.IDs, ds.ID) ||
		!matchesAny(f.Procedures, ds.ProcedureID) ||
		!matchesAny(f.Offerings, ds.OfferingID) ||
		!matchesAny(f.ObservedProperties, ds.ObservedPropertyID) ||
		!matchesAny(f.Features, ds.FeatureID) {
		return false
	}
	if f.ReferencesTo != "" && !ds.References(f.ReferencesTo) {
		return false
	}
	return true
}

// ObservationFilter selects observations, same combination rules as DatasetFilter.
type ObservationFilter struct {
	IDs         []string
	DatasetIDs  []string
	ParentIDs   []string
	Identifiers []string

	// Deleted constrains the soft-delete flag when set.
	Deleted *bool
}

// Matches reports whether o satisfies the filter.
func (f ObservationFilter) Matches(o model.Observation) bool {
	if !matchesAny(f.IDs, o.ID) ||
		!matchesAny(f.DatasetIDs, o.DatasetID) ||
		!matchesAny(f.Identifiers, o.Identifier) {
		return false
	}
	if len(f.ParentIDs) > 0 && (o.ParentID == "" || !matchesAny(f.ParentIDs, o.ParentID)) {
		return false
	}
	if f.Deleted != nil && o.Deleted != *f.Deleted {
		return false
	}
	return true
}

// Bool returns a pointer to b, for ObservationFilter.Deleted.
func Bool(b bool) *bool { return &b }

func matchesAny(values []string, v string) bool {
	if len(values) == 0 {
		return true
	}
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
