// Package model defines the records of the sensor observation store:
// procedures (sensors), offerings, datasets (one time series each) and
// observations.
package model

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ValueType describes what an observation's result holds.
type ValueType string

const (
	ValueQuantity ValueType = "quantity"
	ValueCount    ValueType = "count"
	ValueBoolean  ValueType = "boolean"
	ValueText     ValueType = "text"
	ValueCategory ValueType = "category"
)

// Numeric reports whether datasets of this type cache first/last numeric values.
func (v ValueType) Numeric() bool {
	return v == ValueQuantity || v == ValueCount
}

// Procedure is a sensor. Children hold the ids of component procedures,
// the hierarchy is stored as id lists, never as object graphs.
type Procedure struct {
	ID       string     `json:"id"`
	Children []string   `json:"children,omitempty"`
	Deleted  bool       `json:"deleted,omitempty"`
	ValidEnd *time.Time `json:"valid_end,omitempty"`
}

// Offering groups datasets.
type Offering struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Dataset is one logical time series: procedure x offering x property x feature.
//
// FirstValueAt, LastValueAt and the observation refs are the cached extrema.
// They are maintained by the deletion package and must never be edited
// directly by callers.
type Dataset struct {
	ID                 string    `json:"id"`
	ProcedureID        string    `json:"procedure"`
	OfferingID         string    `json:"offering"`
	ObservedPropertyID string    `json:"observed_property"`
	FeatureID          string    `json:"feature"`
	ValueType          ValueType `json:"value_type"`
	Deleted            bool      `json:"deleted,omitempty"`
	Published          bool      `json:"published"`

	FirstValueAt       *time.Time `json:"first_value_at,omitempty"`
	LastValueAt        *time.Time `json:"last_value_at,omitempty"`
	FirstObservationID string     `json:"first_observation,omitempty"`
	LastObservationID  string     `json:"last_observation,omitempty"`
	FirstNumericValue  *float64   `json:"first_numeric_value,omitempty"`
	LastNumericValue   *float64   `json:"last_numeric_value,omitempty"`

	// ReferenceValues lists the datasets this dataset summarizes.
	ReferenceValues []string `json:"reference_values,omitempty"`
}

// HasExtrema reports whether the cached first/last timestamps are set.
func (d Dataset) HasExtrema() bool {
	return d.FirstValueAt != nil && d.LastValueAt != nil
}

// ClearExtrema unsets all cached first/last fields.
func (d *Dataset) ClearExtrema() {
	d.FirstValueAt = nil
	d.LastValueAt = nil
	d.FirstObservationID = ""
	d.LastObservationID = ""
	d.FirstNumericValue = nil
	d.LastNumericValue = nil
}

// References reports whether id is among the dataset's reference values.
func (d Dataset) References(id string) bool {
	for _, ref := range d.ReferenceValues {
		if ref == id {
			return true
		}
	}
	return false
}

// Observation is one measurement. ParentID is set when the observation is a
// component of a composite observation.
type Observation struct {
	ID             string    `json:"id"`
	DatasetID      string    `json:"dataset"`
	ParentID       string    `json:"parent,omitempty"`
	Identifier     string    `json:"identifier,omitempty"`
	PhenomenonTime time.Time `json:"phenomenon_time"`
	ResultTime     time.Time `json:"result_time"`
	NumericValue   *float64  `json:"numeric_value,omitempty"`
	TextValue      string    `json:"text_value,omitempty"`
	Deleted        bool      `json:"deleted,omitempty"`
}

// State returns the lifecycle state of a stored observation.
func (o Observation) State() ObservationState {
	if o.Deleted {
		return StateSoftDeleted
	}
	return StateActive
}

// ObservationState is a node of the observation lifecycle. PhysicallyRemoved
// is terminal and only ever observed as the absence of a row.
type ObservationState int

const (
	StateActive ObservationState = iota
	StateSoftDeleted
	StatePhysicallyRemoved
)

func (s ObservationState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSoftDeleted:
		return "soft_deleted"
	case StatePhysicallyRemoved:
		return "physically_removed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s ObservationState) CanTransition(next ObservationState) bool {
	switch s {
	case StateActive:
		return next == StateSoftDeleted || next == StatePhysicallyRemoved
	case StateSoftDeleted:
		return next == StatePhysicallyRemoved
	}
	return false
}

// DatasetID derives the deterministic id of the dataset identified by the
// four coordinates of a time series.
func DatasetID(procedure, offering, property, feature string) string {
	h := xxhash.New()
	for _, part := range []string{procedure, offering, property, feature} {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("ds-%016x", h.Sum64())
}
