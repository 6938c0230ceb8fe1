package deletion

import (
	"context"
	"errors"
	"strings"

	"github.com/nicktill/tinysos/pkg/storage"
)

// Retention keeps offering or procedure rows alive after their last
// dataset is removed.
type Retention struct {
	Offerings  bool
	Procedures bool
}

// CascadeResult lists the rows removed by the lifecycle cascade.
type CascadeResult struct {
	RemovedDatasets   []string
	RemovedOfferings  []string
	RemovedProcedures []string
}

func (c *CascadeResult) merge(other CascadeResult) {
	c.RemovedDatasets = append(c.RemovedDatasets, other.RemovedDatasets...)
	c.RemovedOfferings = append(c.RemovedOfferings, other.RemovedOfferings...)
	c.RemovedProcedures = append(c.RemovedProcedures, other.RemovedProcedures...)
}

// LifecycleCascader removes emptied datasets and then their own offering
// and procedure when nothing else refers to them. It never looks past a
// dataset's direct owners.
type LifecycleCascader struct {
	repo   storage.Repository
	retain Retention
}

// NewLifecycleCascader returns a cascader working on repo.
func NewLifecycleCascader(repo storage.Repository, retain Retention) *LifecycleCascader {
	return &LifecycleCascader{repo: repo, retain: retain}
}

// AfterDatasetsEmptied removes every dataset in datasetIDs that has no
// observation rows left. A dataset still listed in another dataset's
// reference values fails with ConsistencyViolation.
func (c *LifecycleCascader) AfterDatasetsEmptied(ctx context.Context, datasetIDs []string) (CascadeResult, error) {
	return c.afterEmptied(ctx, datasetIDs, true)
}

// afterEmptied keeps referenced datasets in place instead of failing when
// strict is false.
func (c *LifecycleCascader) afterEmptied(ctx context.Context, datasetIDs []string, strict bool) (CascadeResult, error) {
	var result CascadeResult
	for _, id := range datasetIDs {
		ds, err := c.repo.GetDataset(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return result, persist(err)
		}

		rows, err := c.repo.QueryObservations(ctx, storage.ObservationFilter{DatasetIDs: []string{id}})
		if err != nil {
			return result, persist(err)
		}
		if len(rows) > 0 {
			continue
		}

		referencers, err := c.referencers(ctx, id, nil)
		if err != nil {
			return result, err
		}
		if len(referencers) > 0 {
			if !strict {
				continue
			}
			return result, ConsistencyViolation.New("dataset %s is referenced by %s", id, strings.Join(referencers, ", "))
		}

		if err := c.repo.DeleteDatasetRow(ctx, id); err != nil {
			return result, persist(err)
		}
		result.RemovedDatasets = append(result.RemovedDatasets, id)

		owners, err := c.ReleaseOwners(ctx, ds.OfferingID, ds.ProcedureID)
		if err != nil {
			return result, err
		}
		result.merge(owners)
	}
	return result, nil
}

// ReleaseOwners removes the offering and then the procedure when no
// remaining dataset refers to them, honouring the retention settings.
func (c *LifecycleCascader) ReleaseOwners(ctx context.Context, offeringID, procedureID string) (CascadeResult, error) {
	var result CascadeResult
	if offeringID != "" && !c.retain.Offerings {
		removed, err := c.releaseOffering(ctx, offeringID)
		if err != nil {
			return result, err
		}
		if removed {
			result.RemovedOfferings = append(result.RemovedOfferings, offeringID)
		}
	}
	if procedureID != "" && !c.retain.Procedures {
		removed, err := c.releaseProcedure(ctx, procedureID)
		if err != nil {
			return result, err
		}
		if removed {
			result.RemovedProcedures = append(result.RemovedProcedures, procedureID)
		}
	}
	return result, nil
}

func (c *LifecycleCascader) releaseOffering(ctx context.Context, id string) (bool, error) {
	if _, err := c.repo.GetOffering(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, persist(err)
	}
	users, err := c.repo.QueryDatasets(ctx, storage.DatasetFilter{Offerings: []string{id}})
	if err != nil {
		return false, persist(err)
	}
	if len(users) > 0 {
		return false, nil
	}
	if err := c.repo.DeleteOfferingRow(ctx, id); err != nil {
		return false, persist(err)
	}
	return true, nil
}

func (c *LifecycleCascader) releaseProcedure(ctx context.Context, id string) (bool, error) {
	if _, err := c.repo.GetProcedure(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, persist(err)
	}
	users, err := c.repo.QueryDatasets(ctx, storage.DatasetFilter{Procedures: []string{id}})
	if err != nil {
		return false, persist(err)
	}
	if len(users) > 0 {
		return false, nil
	}
	if err := c.repo.DeleteProcedureRow(ctx, id); err != nil {
		return false, persist(err)
	}
	return true, nil
}

// referencers lists the datasets other than id, and outside ignore, whose
// reference values contain id.
func (c *LifecycleCascader) referencers(ctx context.Context, id string, ignore *idSet) ([]string, error) {
	datasets, err := c.repo.QueryDatasets(ctx, storage.DatasetFilter{ReferencesTo: id})
	if err != nil {
		return nil, persist(err)
	}
	var out []string
	for _, ds := range datasets {
		if ds.ID == id || (ignore != nil && ignore.has(ds.ID)) {
			continue
		}
		out = append(out, ds.ID)
	}
	return out, nil
}
