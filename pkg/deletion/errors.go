package deletion

import (
	"github.com/zeebo/errs"
)

// Error classes returned by the engine. Every error leaving the package
// belongs to exactly one of them.
var (
	// Error is the class of service construction failures.
	Error = errs.Class("deletion")

	// SelectorResolutionError is an invalid selector or temporal filter.
	SelectorResolutionError = errs.Class("selector resolution")
	// NotFoundError is returned when a required entity does not exist.
	NotFoundError = errs.Class("not found")
	// ConsistencyViolation aborts removal of a dataset that another
	// dataset still lists in its reference values.
	ConsistencyViolation = errs.Class("consistency violation")
	// PersistenceError wraps repository failures.
	PersistenceError = errs.Class("persistence")
)

// Kind enumerates the error classes so callers can switch on them.
type Kind int

const (
	KindNone Kind = iota
	KindSelectorResolution
	KindNotFound
	KindConsistencyViolation
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindSelectorResolution:
		return "selector_resolution"
	case KindNotFound:
		return "not_found"
	case KindConsistencyViolation:
		return "consistency_violation"
	}
	return "persistence"
}

// KindOf classifies err. Unclassified errors count as persistence failures.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case SelectorResolutionError.Has(err):
		return KindSelectorResolution
	case NotFoundError.Has(err):
		return KindNotFound
	case ConsistencyViolation.Has(err):
		return KindConsistencyViolation
	}
	return KindPersistence
}

func classified(err error) bool {
	return SelectorResolutionError.Has(err) ||
		NotFoundError.Has(err) ||
		ConsistencyViolation.Has(err) ||
		PersistenceError.Has(err)
}

// persist wraps a repository error in PersistenceError unless it already
// carries a class.
func persist(err error) error {
	if err == nil || classified(err) {
		return err
	}
	return PersistenceError.Wrap(err)
}
