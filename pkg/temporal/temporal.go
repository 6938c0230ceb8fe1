// Package temporal turns abstract temporal filters over the phenomenon time
// into time ranges the storage layer can evaluate.
package temporal

import (
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/tinysos/pkg/storage"
)

// Operator is a temporal comparison.
type Operator string

const (
	During Operator = "during"
	Equals Operator = "equals"
	Before Operator = "before"
	After  Operator = "after"
)

// ErrInvalidFilter is returned for filters that cannot be translated.
var ErrInvalidFilter = errors.New("invalid temporal filter")

// Filter compares the phenomenon time with an instant (End == nil) or a
// period [Begin, End].
type Filter struct {
	Operator Operator   `json:"operator"`
	Begin    time.Time  `json:"begin"`
	End      *time.Time `json:"end,omitempty"`
}

// Instant builds a filter against a single point in time.
func Instant(op Operator, t time.Time) Filter {
	return Filter{Operator: op, Begin: t}
}

// Period builds a filter against the period [begin, end].
func Period(op Operator, begin, end time.Time) Filter {
	return Filter{Operator: op, Begin: begin, End: &end}
}

// IsInstant reports whether the filter time is a single instant.
func (f Filter) IsInstant() bool {
	return f.End == nil
}

func (f Filter) String() string {
	if f.IsInstant() {
		return fmt.Sprintf("%s %s", f.Operator, f.Begin.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("%s %s/%s", f.Operator, f.Begin.Format(time.RFC3339Nano), f.End.Format(time.RFC3339Nano))
}

// Translator converts a filter into a storage predicate range.
type Translator interface {
	Translate(f Filter) (storage.TimeRange, error)
}

// PhenomenonTime is the default Translator.
type PhenomenonTime struct{}

var _ Translator = PhenomenonTime{}

// Translate implements Translator.
//
//	during  period   begin <= t <= end
//	equals  instant  t == instant
//	equals  period   t == begin, only when begin == end
//	before  instant  t < instant, period t < begin
//	after   instant  t > instant, period t > end
func (PhenomenonTime) Translate(f Filter) (storage.TimeRange, error) {
	if f.Begin.IsZero() {
		return storage.TimeRange{}, fmt.Errorf("%w: %s without a time", ErrInvalidFilter, f.Operator)
	}
	if !f.IsInstant() && f.End.Before(f.Begin) {
		return storage.TimeRange{}, fmt.Errorf("%w: period ends before it begins", ErrInvalidFilter)
	}

	begin := f.Begin
	switch f.Operator {
	case During:
		if f.IsInstant() {
			return storage.TimeRange{}, fmt.Errorf("%w: during requires a period", ErrInvalidFilter)
		}
		end := *f.End
		return storage.TimeRange{Start: &begin, StartInclusive: true, End: &end, EndInclusive: true}, nil

	case Equals:
		if !f.IsInstant() && !f.End.Equal(f.Begin) {
			return storage.TimeRange{}, fmt.Errorf("%w: equals requires an instant or an empty period", ErrInvalidFilter)
		}
		return storage.TimeRange{Start: &begin, StartInclusive: true, End: &begin, EndInclusive: true}, nil

	case Before:
		return storage.TimeRange{End: &begin}, nil

	case After:
		bound := begin
		if !f.IsInstant() {
			bound = *f.End
		}
		return storage.TimeRange{Start: &bound}, nil
	}
	return storage.TimeRange{}, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, f.Operator)
}

// TranslateAll translates every filter. The resulting ranges are combined
// with AND by storage.Predicate.
func TranslateAll(tr Translator, filters []Filter) ([]storage.TimeRange, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	out := make([]storage.TimeRange, 0, len(filters))
	for _, f := range filters {
		r, err := tr.Translate(f)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
