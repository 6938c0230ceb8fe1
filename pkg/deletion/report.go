package deletion

import (
	"fmt"
	"sort"
)

// Mode selects logical flagging or physical row removal.
type Mode string

const (
	ModeSoft Mode = "soft"
	ModeHard Mode = "hard"
)

// ParseMode parses a mode name. The empty string means soft.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSoft:
		return ModeSoft, nil
	case ModeHard:
		return ModeHard, nil
	}
	return "", SelectorResolutionError.New("unknown deletion mode %q", s)
}

// Operation names the entry point that produced a report.
type Operation string

const (
	OpDeleteObservations Operation = "delete_observations"
	OpDeleteDataset      Operation = "delete_dataset"
	OpDeleteSensor       Operation = "delete_sensor"
	OpPurge              Operation = "purge"
)

// Report summarizes one committed deletion.
type Report struct {
	Operation Operation `json:"operation"`
	Mode      Mode      `json:"mode"`

	MarkedObservations  int64 `json:"marked_observations"`
	RemovedObservations int64 `json:"removed_observations"`

	ModifiedDatasets  []string `json:"modified_datasets"`
	RemovedDatasets   []string `json:"removed_datasets,omitempty"`
	RemovedOfferings  []string `json:"removed_offerings,omitempty"`
	RemovedProcedures []string `json:"removed_procedures,omitempty"`
}

func (r Report) String() string {
	return fmt.Sprintf("%s(%s): marked=%d removed=%d datasets=%d",
		r.Operation, r.Mode, r.MarkedObservations, r.RemovedObservations, len(r.ModifiedDatasets))
}

func (r *Report) addCascade(c CascadeResult) {
	r.RemovedDatasets = append(r.RemovedDatasets, c.RemovedDatasets...)
	r.RemovedOfferings = append(r.RemovedOfferings, c.RemovedOfferings...)
	r.RemovedProcedures = append(r.RemovedProcedures, c.RemovedProcedures...)
}

// idSet is an insertion-ordered set of ids.
type idSet struct {
	seen  map[string]struct{}
	order []string
}

func newIDSet(ids ...string) *idSet {
	s := &idSet{seen: make(map[string]struct{})}
	s.add(ids...)
	return s
}

func (s *idSet) add(ids ...string) {
	for _, id := range ids {
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		s.order = append(s.order, id)
	}
}

func (s *idSet) has(id string) bool {
	_, ok := s.seen[id]
	return ok
}

func (s *idSet) len() int { return len(s.order) }

func (s *idSet) list() []string {
	return append([]string(nil), s.order...)
}

// sorted returns the ids in lexical order, the order locks are taken in.
func (s *idSet) sorted() []string {
	out := s.list()
	sort.Strings(out)
	return out
}

// normalize drops duplicate ids and replaces a nil ModifiedDatasets with an
// empty list.
func (r *Report) normalize() {
	r.ModifiedDatasets = dedupe(r.ModifiedDatasets)
	if r.ModifiedDatasets == nil {
		r.ModifiedDatasets = []string{}
	}
	r.RemovedDatasets = dedupe(r.RemovedDatasets)
	r.RemovedOfferings = dedupe(r.RemovedOfferings)
	r.RemovedProcedures = dedupe(r.RemovedProcedures)
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return ids
	}
	return newIDSet(ids...).list()
}
