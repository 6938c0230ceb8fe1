package ingest

import (
	"fmt"

	"github.com/nicktill/tinysos/pkg/config"
	"github.com/nicktill/tinysos/pkg/model"
)

// Validation limits
const (
	MaxIDLength        = 256
	MaxTextValueLength = 4096
)

var (
	// ErrTooManyObservations is returned when a request exceeds the batch limit
	ErrTooManyObservations = fmt.Errorf("too many observations in request (max %d)", config.MaxInsertBatch)

	// ErrMissingCoordinate is returned when a dataset coordinate is empty
	ErrMissingCoordinate = fmt.Errorf("procedure, offering, observed property and feature are required")

	// ErrIDTooLong is returned when an id or identifier is too long
	ErrIDTooLong = fmt.Errorf("id too long (max %d chars)", MaxIDLength)

	// ErrMissingTime is returned when the phenomenon time is not set
	ErrMissingTime = fmt.Errorf("phenomenon time is required")

	// ErrUnknownValueType is returned for value types outside the model
	ErrUnknownValueType = fmt.Errorf("unknown value type")

	// ErrMissingValue is returned when a numeric dataset gets no numeric value
	ErrMissingValue = fmt.Errorf("numeric value required")

	// ErrTextTooLong is returned when a text value is too long
	ErrTextTooLong = fmt.Errorf("text value too long (max %d chars)", MaxTextValueLength)
)

// ValidateObservation checks one input before it reaches storage.
func ValidateObservation(in ObservationInput) error {
	if in.Procedure == "" || in.Offering == "" || in.ObservedProperty == "" || in.Feature == "" {
		return ErrMissingCoordinate
	}
	for _, id := range []string{in.ID, in.Procedure, in.ParentProcedure, in.Offering, in.ObservedProperty, in.Feature, in.Identifier, in.Parent} {
		if len(id) > MaxIDLength {
			return fmt.Errorf("%w: %q", ErrIDTooLong, id[:32])
		}
	}
	if in.PhenomenonTime.IsZero() {
		return ErrMissingTime
	}

	switch in.valueType() {
	case model.ValueQuantity, model.ValueCount:
		if in.NumericValue == nil {
			return fmt.Errorf("%w for %s", ErrMissingValue, in.valueType())
		}
	case model.ValueBoolean, model.ValueText, model.ValueCategory:
	default:
		return fmt.Errorf("%w %q", ErrUnknownValueType, in.ValueType)
	}
	if len(in.TextValue) > MaxTextValueLength {
		return ErrTextTooLong
	}
	return nil
}
