package deletion

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/tinysos/pkg/model"
	"github.com/nicktill/tinysos/pkg/storage"
)

// ExtremaRecalculator maintains the cached first/last fields of datasets.
type ExtremaRecalculator struct {
	repo storage.Repository
}

// NewExtremaRecalculator returns a recalculator working on repo.
func NewExtremaRecalculator(repo storage.Repository) *ExtremaRecalculator {
	return &ExtremaRecalculator{repo: repo}
}

// Recompute refreshes the extrema of every dataset in datasetIDs from its
// active observations and returns the ids of the datasets that have none
// left. Unknown ids are skipped. Datasets whose extrema are already current
// are not rewritten, so a repeated call changes nothing.
func (r *ExtremaRecalculator) Recompute(ctx context.Context, datasetIDs []string) (empty []string, err error) {
	for _, id := range datasetIDs {
		if err := r.repo.LockDataset(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, persist(err)
		}
		ds, err := r.repo.GetDataset(ctx, id)
		if err != nil {
			return nil, persist(err)
		}

		next, err := r.derive(ctx, ds)
		if err != nil {
			return nil, err
		}
		if !next.HasExtrema() {
			empty = append(empty, id)
		}
		if sameExtrema(ds, next) {
			continue
		}
		if err := r.repo.PutDataset(ctx, next); err != nil {
			return nil, persist(err)
		}
	}
	return empty, nil
}

func (r *ExtremaRecalculator) derive(ctx context.Context, ds model.Dataset) (model.Dataset, error) {
	ext, ok, err := r.repo.QueryExtrema(ctx, ds.ID)
	if err != nil {
		return ds, persist(err)
	}
	ds.ClearExtrema()
	if !ok {
		return ds, nil
	}

	first, last := ext.MinTime, ext.MaxTime
	ds.FirstValueAt = &first
	ds.LastValueAt = &last
	ds.FirstObservationID = ext.MinObsRef
	ds.LastObservationID = ext.MaxObsRef
	if !ds.ValueType.Numeric() {
		return ds, nil
	}

	if ds.FirstNumericValue, err = r.numericValue(ctx, ext.MinObsRef); err != nil {
		return ds, err
	}
	if ds.LastNumericValue, err = r.numericValue(ctx, ext.MaxObsRef); err != nil {
		return ds, err
	}
	return ds, nil
}

func (r *ExtremaRecalculator) numericValue(ctx context.Context, observationID string) (*float64, error) {
	o, err := r.repo.GetObservation(ctx, observationID)
	if err != nil {
		return nil, persist(err)
	}
	if o.NumericValue == nil {
		return nil, nil
	}
	v := *o.NumericValue
	return &v, nil
}

func sameExtrema(a, b model.Dataset) bool {
	return sameTime(a.FirstValueAt, b.FirstValueAt) &&
		sameTime(a.LastValueAt, b.LastValueAt) &&
		a.FirstObservationID == b.FirstObservationID &&
		a.LastObservationID == b.LastObservationID &&
		sameFloat(a.FirstNumericValue, b.FirstNumericValue) &&
		sameFloat(a.LastNumericValue, b.LastNumericValue)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
