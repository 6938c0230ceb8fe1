package storage

import (
	"time"

	"github.com/nicktill/tinysos/pkg/model"
)

// TimeRange bounds a phenomenon time. A nil bound is open.
type TimeRange struct {
	Start          *time.Time
	StartInclusive bool
	End            *time.Time
	EndInclusive   bool
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if r.Start != nil {
		if r.StartInclusive && t.Before(*r.Start) {
			return false
		}
		if !r.StartInclusive && !t.After(*r.Start) {
			return false
		}
	}
	if r.End != nil {
		if r.EndInclusive && t.After(*r.End) {
			return false
		}
		if !r.EndInclusive && !t.Before(*r.End) {
			return false
		}
	}
	return true
}

// Predicate scopes a bulk mark to a subset of a dataset's observations.
// All time ranges must contain the phenomenon time (conjunction), and when
// Identifiers is set the observation identifier must be one of them.
type Predicate struct {
	Times       []TimeRange
	Identifiers []string
}

// Matches reports whether o satisfies the predicate. A nil predicate matches everything.
func (p *Predicate) Matches(o model.Observation) bool {
	if p == nil {
		return true
	}
	for _, r := range p.Times {
		if !r.Contains(o.PhenomenonTime) {
			return false
		}
	}
	return matchesAny(p.Identifiers, o.Identifier)
}
