package deletion

import (
	"context"
	"errors"

	"github.com/nicktill/tinysos/pkg/storage"
	"github.com/nicktill/tinysos/pkg/temporal"
)

// Selector identifies the observations to delete. Dataset fields narrow
// the datasets in scope; Identifiers and TemporalFilters narrow the
// observations inside them.
type Selector struct {
	Procedures         []string          `json:"procedures,omitempty"`
	ObservedProperties []string          `json:"observed_properties,omitempty"`
	Features           []string          `json:"features,omitempty"`
	Offerings          []string          `json:"offerings,omitempty"`
	Identifiers        []string          `json:"identifiers,omitempty"`
	TemporalFilters    []temporal.Filter `json:"temporal_filters,omitempty"`

	// Strict fails with SelectorResolutionError when a procedure, offering,
	// observed property or feature is not known.
	Strict bool `json:"strict,omitempty"`
}

// IsEmpty reports whether the selector has no criteria at all.
func (s Selector) IsEmpty() bool {
	return len(s.Procedures) == 0 &&
		len(s.ObservedProperties) == 0 &&
		len(s.Features) == 0 &&
		len(s.Offerings) == 0 &&
		len(s.Identifiers) == 0 &&
		len(s.TemporalFilters) == 0
}

func (s Selector) datasetFilter() storage.DatasetFilter {
	return storage.DatasetFilter{
		Procedures:         s.Procedures,
		Offerings:          s.Offerings,
		ObservedProperties: s.ObservedProperties,
		Features:           s.Features,
	}
}

// resolve checks that every named entity exists.
func resolve(ctx context.Context, repo storage.Repository, s Selector) error {
	for _, id := range s.Procedures {
		if _, err := repo.GetProcedure(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return SelectorResolutionError.New("unknown procedure %q", id)
			}
			return persist(err)
		}
	}
	for _, id := range s.Offerings {
		if _, err := repo.GetOffering(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return SelectorResolutionError.New("unknown offering %q", id)
			}
			return persist(err)
		}
	}
	// Properties and features only exist through the datasets using them.
	for _, id := range s.ObservedProperties {
		if err := requireDatasets(ctx, repo, storage.DatasetFilter{ObservedProperties: []string{id}}, "observed property", id); err != nil {
			return err
		}
	}
	for _, id := range s.Features {
		if err := requireDatasets(ctx, repo, storage.DatasetFilter{Features: []string{id}}, "feature", id); err != nil {
			return err
		}
	}
	return nil
}

func requireDatasets(ctx context.Context, repo storage.Repository, filter storage.DatasetFilter, what, id string) error {
	datasets, err := repo.QueryDatasets(ctx, filter)
	if err != nil {
		return persist(err)
	}
	if len(datasets) == 0 {
		return SelectorResolutionError.New("unknown %s %q", what, id)
	}
	return nil
}
