// Package ingest stores new observations, creating procedures, offerings
// and datasets on first use.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/nicktill/tinysos/pkg/config"
	"github.com/nicktill/tinysos/pkg/deletion"
	"github.com/nicktill/tinysos/pkg/model"
	"github.com/nicktill/tinysos/pkg/storage"
)

// Error is the class of rejected insert requests.
var Error = errs.Class("ingest")

// ObservationInput is one observation to insert. ID is generated when empty.
type ObservationInput struct {
	ID               string          `json:"id,omitempty"`
	Procedure        string          `json:"procedure"`
	ParentProcedure  string          `json:"parent_procedure,omitempty"`
	Offering         string          `json:"offering"`
	ObservedProperty string          `json:"observed_property"`
	Feature          string          `json:"feature"`
	ValueType        model.ValueType `json:"value_type,omitempty"`

	Identifier     string     `json:"identifier,omitempty"`
	Parent         string     `json:"parent,omitempty"`
	PhenomenonTime time.Time  `json:"phenomenon_time"`
	ResultTime     *time.Time `json:"result_time,omitempty"`
	NumericValue   *float64   `json:"numeric_value,omitempty"`
	TextValue      string     `json:"text_value,omitempty"`
}

func (in ObservationInput) valueType() model.ValueType {
	if in.ValueType == "" {
		return model.ValueQuantity
	}
	return in.ValueType
}

// Result describes a committed insert.
type Result struct {
	IDs      []string `json:"ids"`
	Datasets []string `json:"datasets"`
}

// Inserter writes observations in one transaction per batch.
type Inserter struct {
	log   *zap.Logger
	store storage.Store
}

// NewInserter creates an inserter.
func NewInserter(log *zap.Logger, store storage.Store) *Inserter {
	return &Inserter{log: log, store: store}
}

// Insert stores the batch and refreshes the extrema of every touched
// dataset. A dataset hidden by an earlier deletion is published again.
func (ins *Inserter) Insert(ctx context.Context, inputs []ObservationInput) (Result, error) {
	if len(inputs) == 0 {
		return Result{IDs: []string{}, Datasets: []string{}}, nil
	}
	if len(inputs) > config.MaxInsertBatch {
		return Result{}, Error.Wrap(ErrTooManyObservations)
	}
	for i, in := range inputs {
		if err := ValidateObservation(in); err != nil {
			return Result{}, Error.New("observation %d: %v", i, err)
		}
	}

	var result Result
	err := ins.store.Update(ctx, func(tx storage.Tx) error {
		result = Result{}
		b := batch{tx: tx, datasets: make(map[string]model.Dataset), inserted: make(map[string]bool)}
		for _, in := range inputs {
			id, err := b.insert(ctx, in)
			if err != nil {
				return err
			}
			result.IDs = append(result.IDs, id)
		}
		result.Datasets = b.order

		_, err := deletion.NewExtremaRecalculator(tx).Recompute(ctx, b.order)
		return err
	})
	if err != nil {
		if Error.Has(err) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("insert observations: %w", err)
	}

	ins.log.Debug("inserted observations", zap.Int("count", len(result.IDs)), zap.Strings("datasets", result.Datasets))
	return result, nil
}

// batch caches what one transaction already ensured.
type batch struct {
	tx       storage.Tx
	datasets map[string]model.Dataset
	order    []string
	inserted map[string]bool
}

func (b *batch) insert(ctx context.Context, in ObservationInput) (string, error) {
	if err := b.ensureProcedure(ctx, in.Procedure, in.ParentProcedure); err != nil {
		return "", err
	}
	if err := b.ensureOffering(ctx, in.Offering); err != nil {
		return "", err
	}
	ds, err := b.ensureDataset(ctx, in)
	if err != nil {
		return "", err
	}

	if in.Parent != "" && !b.inserted[in.Parent] {
		parent, err := b.tx.GetObservation(ctx, in.Parent)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", Error.New("parent observation %s does not exist", in.Parent)
			}
			return "", err
		}
		if parent.Deleted {
			return "", Error.New("parent observation %s is deleted", in.Parent)
		}
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	resultTime := in.PhenomenonTime
	if in.ResultTime != nil {
		resultTime = *in.ResultTime
	}
	o := model.Observation{
		ID:             id,
		DatasetID:      ds.ID,
		ParentID:       in.Parent,
		Identifier:     in.Identifier,
		PhenomenonTime: in.PhenomenonTime.UTC(),
		ResultTime:     resultTime.UTC(),
		NumericValue:   in.NumericValue,
		TextValue:      in.TextValue,
	}
	if err := b.tx.PutObservation(ctx, o); err != nil {
		return "", err
	}
	b.inserted[id] = true
	return id, nil
}

func (b *batch) ensureProcedure(ctx context.Context, id, parent string) error {
	p, err := b.tx.GetProcedure(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		p = model.Procedure{ID: id}
	case err != nil:
		return err
	case !p.Deleted:
		return b.attach(ctx, parent, id)
	}
	p.Deleted = false
	p.ValidEnd = nil
	if err := b.tx.PutProcedure(ctx, p); err != nil {
		return err
	}
	return b.attach(ctx, parent, id)
}

func (b *batch) attach(ctx context.Context, parentID, childID string) error {
	if parentID == "" {
		return nil
	}
	if parentID == childID {
		return Error.New("procedure %s cannot be its own parent", childID)
	}
	parent, err := b.tx.GetProcedure(ctx, parentID)
	if errors.Is(err, storage.ErrNotFound) {
		parent = model.Procedure{ID: parentID}
	} else if err != nil {
		return err
	}
	for _, c := range parent.Children {
		if c == childID {
			return nil
		}
	}
	parent.Children = append(parent.Children, childID)
	return b.tx.PutProcedure(ctx, parent)
}

func (b *batch) ensureOffering(ctx context.Context, id string) error {
	o, err := b.tx.GetOffering(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return b.tx.PutOffering(ctx, model.Offering{ID: id, Name: id})
	case err != nil:
		return err
	case o.Deleted:
		o.Deleted = false
		return b.tx.PutOffering(ctx, o)
	}
	return nil
}

func (b *batch) ensureDataset(ctx context.Context, in ObservationInput) (model.Dataset, error) {
	id := model.DatasetID(in.Procedure, in.Offering, in.ObservedProperty, in.Feature)
	if ds, ok := b.datasets[id]; ok {
		return ds, nil
	}

	ds, err := b.tx.GetDataset(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		ds = model.Dataset{
			ID:                 id,
			ProcedureID:        in.Procedure,
			OfferingID:         in.Offering,
			ObservedPropertyID: in.ObservedProperty,
			FeatureID:          in.Feature,
			ValueType:          in.valueType(),
			Published:          true,
		}
	case err != nil:
		return ds, err
	case ds.ValueType != in.valueType():
		return ds, Error.New("dataset %s holds %s values, got %s", id, ds.ValueType, in.valueType())
	case ds.Published && !ds.Deleted:
		b.remember(ds)
		return ds, nil
	default:
		ds.Published = true
		ds.Deleted = false
	}

	if err := b.tx.PutDataset(ctx, ds); err != nil {
		return ds, err
	}
	b.remember(ds)
	return ds, nil
}

func (b *batch) remember(ds model.Dataset) {
	b.datasets[ds.ID] = ds
	b.order = append(b.order, ds.ID)
}
