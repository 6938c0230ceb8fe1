package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/tinysos/pkg/model"
	"github.com/nicktill/tinysos/pkg/storage"
)

const datasetColumns = `id, procedure_id, offering_id, observed_property_id, feature_id, value_type,
	deleted, published, first_value_at, last_value_at, first_observation_id, last_observation_id,
	first_numeric_value, last_numeric_value`

const observationColumns = `id, dataset_id, parent_id, identifier, phenomenon_time, result_time,
	numeric_value, text_value, deleted`

type scanner interface {
	Scan(dest ...any) error
}

func scanDataset(row scanner) (model.Dataset, error) {
	var (
		ds                    model.Dataset
		valueType             string
		deleted, published    int
		firstAt, lastAt       sql.NullInt64
		firstValue, lastValue sql.NullFloat64
	)
	err := row.Scan(&ds.ID, &ds.ProcedureID, &ds.OfferingID, &ds.ObservedPropertyID, &ds.FeatureID, &valueType,
		&deleted, &published, &firstAt, &lastAt, &ds.FirstObservationID, &ds.LastObservationID,
		&firstValue, &lastValue)
	if err != nil {
		return ds, err
	}
	ds.ValueType = model.ValueType(valueType)
	ds.Deleted = deleted != 0
	ds.Published = published != 0
	ds.FirstValueAt = fromNanos(firstAt)
	ds.LastValueAt = fromNanos(lastAt)
	ds.FirstNumericValue = fromFloat(firstValue)
	ds.LastNumericValue = fromFloat(lastValue)
	return ds, nil
}

func scanObservation(row scanner) (model.Observation, error) {
	var (
		o                  model.Observation
		phenomenon, result int64
		value              sql.NullFloat64
		deleted            int
	)
	err := row.Scan(&o.ID, &o.DatasetID, &o.ParentID, &o.Identifier, &phenomenon, &result,
		&value, &o.TextValue, &deleted)
	if err != nil {
		return o, err
	}
	o.PhenomenonTime = time.Unix(0, phenomenon).UTC()
	o.ResultTime = time.Unix(0, result).UTC()
	o.NumericValue = fromFloat(value)
	o.Deleted = deleted != 0
	return o, nil
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(0, v.Int64).UTC()
	return &ts
}

func toNanos(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return ts.UnixNano()
}

func fromFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func toFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", kind, id, err)
}

func (t *tx) GetDataset(ctx context.Context, id string) (model.Dataset, error) {
	ds, err := scanDataset(t.queryRow(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = ?`, id))
	if err != nil {
		return model.Dataset{}, notFound("dataset", id, err)
	}
	if err := t.loadReferences(ctx, []*model.Dataset{&ds}); err != nil {
		return model.Dataset{}, err
	}
	return ds, nil
}

func (t *tx) QueryDatasets(ctx context.Context, filter storage.DatasetFilter) ([]model.Dataset, error) {
	var w where
	w.in("id", filter.IDs)
	w.in("procedure_id", filter.Procedures)
	w.in("offering_id", filter.Offerings)
	w.in("observed_property_id", filter.ObservedProperties)
	w.in("feature_id", filter.Features)
	if filter.ReferencesTo != "" {
		w.add("id IN (SELECT dataset_id FROM dataset_references WHERE reference_id = ?)", filter.ReferencesTo)
	}

	rows, err := t.query(ctx, `SELECT `+datasetColumns+` FROM datasets`+w.String()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, err
	}
	var out []model.Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	ptrs := make([]*model.Dataset, len(out))
	for i := range out {
		ptrs[i] = &out[i]
	}
	if err := t.loadReferences(ctx, ptrs); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tx) loadReferences(ctx context.Context, datasets []*model.Dataset) error {
	if len(datasets) == 0 {
		return nil
	}
	byID := make(map[string]*model.Dataset, len(datasets))
	ids := make([]string, 0, len(datasets))
	for _, ds := range datasets {
		byID[ds.ID] = ds
		ids = append(ids, ds.ID)
	}
	for _, chunk := range chunks(ids, chunkSize) {
		rows, err := t.query(ctx, `SELECT dataset_id, reference_id FROM dataset_references
			WHERE dataset_id IN (`+placeholders(len(chunk))+`) ORDER BY dataset_id, position`, stringArgs(chunk)...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var datasetID, ref string
			if err := rows.Scan(&datasetID, &ref); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan reference: %w", err)
			}
			ds := byID[datasetID]
			ds.ReferenceValues = append(ds.ReferenceValues, ref)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) PutDataset(ctx context.Context, ds model.Dataset) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.exec(ctx, `INSERT INTO datasets (`+datasetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			procedure_id = excluded.procedure_id,
			offering_id = excluded.offering_id,
			observed_property_id = excluded.observed_property_id,
			feature_id = excluded.feature_id,
			value_type = excluded.value_type,
			deleted = excluded.deleted,
			published = excluded.published,
			first_value_at = excluded.first_value_at,
			last_value_at = excluded.last_value_at,
			first_observation_id = excluded.first_observation_id,
			last_observation_id = excluded.last_observation_id,
			first_numeric_value = excluded.first_numeric_value,
			last_numeric_value = excluded.last_numeric_value`,
		ds.ID, ds.ProcedureID, ds.OfferingID, ds.ObservedPropertyID, ds.FeatureID, string(ds.ValueType),
		boolInt(ds.Deleted), boolInt(ds.Published), toNanos(ds.FirstValueAt), toNanos(ds.LastValueAt),
		ds.FirstObservationID, ds.LastObservationID, toFloat(ds.FirstNumericValue), toFloat(ds.LastNumericValue))
	if err != nil {
		return err
	}
	if _, err := t.exec(ctx, `DELETE FROM dataset_references WHERE dataset_id = ?`, ds.ID); err != nil {
		return err
	}
	for i, ref := range ds.ReferenceValues {
		if _, err := t.exec(ctx, `INSERT INTO dataset_references (dataset_id, reference_id, position) VALUES (?, ?, ?)`,
			ds.ID, ref, i); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) ChildObservationDatasets(ctx context.Context, datasetIDs []string) ([]string, error) {
	if len(datasetIDs) == 0 {
		return nil, nil
	}
	rows, err := t.query(ctx, `SELECT DISTINCT c.dataset_id FROM observations c
		JOIN observations p ON c.parent_id = p.id
		WHERE p.dataset_id IN (`+placeholders(len(datasetIDs))+`)
		ORDER BY c.dataset_id`, stringArgs(datasetIDs)...)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *tx) LockDataset(ctx context.Context, id string) error {
	var got string
	err := t.queryRow(ctx, `SELECT id FROM datasets WHERE id = ?`+t.dialect.lockClause, id).Scan(&got)
	if err != nil {
		return notFound("dataset", id, err)
	}
	return nil
}

func (t *tx) GetObservation(ctx context.Context, id string) (model.Observation, error) {
	o, err := scanObservation(t.queryRow(ctx, `SELECT `+observationColumns+` FROM observations WHERE id = ?`, id))
	if err != nil {
		return model.Observation{}, notFound("observation", id, err)
	}
	return o, nil
}

func (t *tx) QueryObservations(ctx context.Context, filter storage.ObservationFilter) ([]model.Observation, error) {
	var w where
	w.in("id", filter.IDs)
	w.in("dataset_id", filter.DatasetIDs)
	w.in("identifier", filter.Identifiers)
	if len(filter.ParentIDs) > 0 {
		w.add("parent_id <> ''")
		w.in("parent_id", filter.ParentIDs)
	}
	if filter.Deleted != nil {
		w.add("deleted = ?", boolInt(*filter.Deleted))
	}

	rows, err := t.query(ctx, `SELECT `+observationColumns+` FROM observations`+w.String()+
		` ORDER BY phenomenon_time, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *tx) BulkMarkDeleted(ctx context.Context, datasetID string, pred *storage.Predicate) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var w where
	w.add("dataset_id = ?", datasetID)
	w.add("deleted = 0")
	if pred != nil {
		for _, r := range pred.Times {
			if r.Start != nil {
				op := ">"
				if r.StartInclusive {
					op = ">="
				}
				w.add("phenomenon_time "+op+" ?", r.Start.UnixNano())
			}
			if r.End != nil {
				op := "<"
				if r.EndInclusive {
					op = "<="
				}
				w.add("phenomenon_time "+op+" ?", r.End.UnixNano())
			}
		}
		w.in("identifier", pred.Identifiers)
	}
	res, err := t.exec(ctx, `UPDATE observations SET deleted = 1`+w.String(), w.args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *tx) MarkObservationsDeleted(ctx context.Context, ids []string) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var total int64
	for _, chunk := range chunks(ids, chunkSize) {
		res, err := t.exec(ctx, `UPDATE observations SET deleted = 1
			WHERE deleted = 0 AND id IN (`+placeholders(len(chunk))+`)`, stringArgs(chunk)...)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (t *tx) DeleteObservationRows(ctx context.Context, ids []string) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, chunk := range chunks(ids, chunkSize) {
		if _, err := t.exec(ctx, `DELETE FROM observations WHERE id IN (`+placeholders(len(chunk))+`)`,
			stringArgs(chunk)...); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) QueryExtrema(ctx context.Context, datasetID string) (storage.Extrema, bool, error) {
	var (
		ext      storage.Extrema
		minNs, maxNs int64
	)
	err := t.queryRow(ctx, `SELECT id, phenomenon_time FROM observations
		WHERE dataset_id = ? AND deleted = 0
		ORDER BY phenomenon_time ASC, id ASC LIMIT 1`, datasetID).Scan(&ext.MinObsRef, &minNs)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Extrema{}, false, nil
	}
	if err != nil {
		return storage.Extrema{}, false, fmt.Errorf("query first observation: %w", err)
	}
	err = t.queryRow(ctx, `SELECT id, phenomenon_time FROM observations
		WHERE dataset_id = ? AND deleted = 0
		ORDER BY phenomenon_time DESC, id DESC LIMIT 1`, datasetID).Scan(&ext.MaxObsRef, &maxNs)
	if err != nil {
		return storage.Extrema{}, false, fmt.Errorf("query last observation: %w", err)
	}
	ext.MinTime = time.Unix(0, minNs).UTC()
	ext.MaxTime = time.Unix(0, maxNs).UTC()
	return ext, true, nil
}

func (t *tx) GetProcedure(ctx context.Context, id string) (model.Procedure, error) {
	var (
		p        model.Procedure
		deleted  int
		validEnd sql.NullInt64
	)
	err := t.queryRow(ctx, `SELECT id, deleted, valid_end FROM procedures WHERE id = ?`, id).
		Scan(&p.ID, &deleted, &validEnd)
	if err != nil {
		return model.Procedure{}, notFound("procedure", id, err)
	}
	p.Deleted = deleted != 0
	p.ValidEnd = fromNanos(validEnd)

	rows, err := t.query(ctx, `SELECT child_id FROM procedure_children WHERE parent_id = ? ORDER BY position`, id)
	if err != nil {
		return model.Procedure{}, err
	}
	if p.Children, err = scanStrings(rows); err != nil {
		return model.Procedure{}, fmt.Errorf("scan children: %w", err)
	}
	return p, nil
}

func (t *tx) GetOffering(ctx context.Context, id string) (model.Offering, error) {
	var (
		o       model.Offering
		deleted int
	)
	err := t.queryRow(ctx, `SELECT id, name, deleted FROM offerings WHERE id = ?`, id).Scan(&o.ID, &o.Name, &deleted)
	if err != nil {
		return model.Offering{}, notFound("offering", id, err)
	}
	o.Deleted = deleted != 0
	return o, nil
}

func (t *tx) DeleteDatasetRow(ctx context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.exec(ctx, `DELETE FROM dataset_references WHERE dataset_id = ?`, id); err != nil {
		return err
	}
	_, err := t.exec(ctx, `DELETE FROM datasets WHERE id = ?`, id)
	return err
}

func (t *tx) DeleteOfferingRow(ctx context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.exec(ctx, `DELETE FROM offerings WHERE id = ?`, id)
	return err
}

func (t *tx) DeleteProcedureRow(ctx context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.exec(ctx, `DELETE FROM procedure_children WHERE parent_id = ? OR child_id = ?`, id, id); err != nil {
		return err
	}
	_, err := t.exec(ctx, `DELETE FROM procedures WHERE id = ?`, id)
	return err
}

func (t *tx) PutProcedure(ctx context.Context, p model.Procedure) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.exec(ctx, `INSERT INTO procedures (id, deleted, valid_end) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET deleted = excluded.deleted, valid_end = excluded.valid_end`,
		p.ID, boolInt(p.Deleted), toNanos(p.ValidEnd))
	if err != nil {
		return err
	}
	if _, err := t.exec(ctx, `DELETE FROM procedure_children WHERE parent_id = ?`, p.ID); err != nil {
		return err
	}
	for i, child := range p.Children {
		if _, err := t.exec(ctx, `INSERT INTO procedure_children (parent_id, child_id, position) VALUES (?, ?, ?)`,
			p.ID, child, i); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) PutOffering(ctx context.Context, o model.Offering) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.exec(ctx, `INSERT INTO offerings (id, name, deleted) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, deleted = excluded.deleted`,
		o.ID, o.Name, boolInt(o.Deleted))
	return err
}

func (t *tx) PutObservation(ctx context.Context, o model.Observation) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.exec(ctx, `INSERT INTO observations (`+observationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			dataset_id = excluded.dataset_id,
			parent_id = excluded.parent_id,
			identifier = excluded.identifier,
			phenomenon_time = excluded.phenomenon_time,
			result_time = excluded.result_time,
			numeric_value = excluded.numeric_value,
			text_value = excluded.text_value,
			deleted = excluded.deleted`,
		o.ID, o.DatasetID, o.ParentID, o.Identifier, o.PhenomenonTime.UnixNano(), o.ResultTime.UnixNano(),
		toFloat(o.NumericValue), o.TextValue, boolInt(o.Deleted))
	return err
}
