package deletion

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinysos/pkg/storage"
	"github.com/nicktill/tinysos/pkg/temporal"
)

// Publisher receives the report of every committed deletion.
type Publisher interface {
	Publish(report Report)
}

// Config contains configurable values for the deletion service.
type Config struct {
	Retention Retention

	// Now overrides the clock used for procedure end of validity.
	Now func() time.Time
}

// ObservationRequest is a DeleteObservation call. Exactly one of Selector
// and Identifiers is set.
type ObservationRequest struct {
	Selector    *Selector `json:"selector,omitempty"`
	Identifiers []string  `json:"identifiers,omitempty"`
	Mode        Mode      `json:"mode"`

	// RequireExistence fails identifier deletions that resolve nothing.
	RequireExistence bool `json:"require_existence,omitempty"`
}

// Service runs each deletion in its own store transaction.
type Service struct {
	log        *zap.Logger
	store      storage.Store
	translator temporal.Translator
	config     Config
	metrics    *Metrics
	publisher  Publisher
}

// NewService creates a deletion service. metrics and publisher may be nil.
func NewService(log *zap.Logger, store storage.Store, translator temporal.Translator, config Config, metrics *Metrics, publisher Publisher) (*Service, error) {
	switch {
	case log == nil:
		return nil, Error.New("log is nil")
	case store == nil:
		return nil, Error.New("store is nil")
	}
	if translator == nil {
		translator = temporal.PhenomenonTime{}
	}
	return &Service{
		log:        log,
		store:      store,
		translator: translator,
		config:     config,
		metrics:    metrics,
		publisher:  publisher,
	}, nil
}

func (s *Service) engine(tx storage.Repository) *Engine {
	e := NewEngine(s.log.Named("engine"), tx, s.translator,
		NewExtremaRecalculator(tx),
		NewLifecycleCascader(tx, s.config.Retention))
	if s.config.Now != nil {
		e.now = s.config.Now
	}
	return e
}

// DeleteObservation deletes by selector or by identifiers.
func (s *Service) DeleteObservation(ctx context.Context, req ObservationRequest) (Report, error) {
	mode := req.Mode
	if mode == "" {
		mode = ModeSoft
	}
	if req.Selector != nil && len(req.Identifiers) > 0 {
		return s.reject(OpDeleteObservations, mode, SelectorResolutionError.New("selector and identifiers are mutually exclusive"))
	}
	if req.Selector == nil && len(req.Identifiers) == 0 && !req.RequireExistence {
		return s.reject(OpDeleteObservations, mode, SelectorResolutionError.New("no selector or identifiers"))
	}
	return s.run(ctx, OpDeleteObservations, mode, func(e *Engine) (Report, error) {
		if req.Selector != nil {
			return e.DeleteBySelector(ctx, *req.Selector, mode)
		}
		return e.DeleteByIdentifier(ctx, req.Identifiers, req.RequireExistence, mode)
	})
}

// DeleteDataset removes one dataset and the datasets it references.
func (s *Service) DeleteDataset(ctx context.Context, id string) (Report, error) {
	return s.run(ctx, OpDeleteDataset, ModeHard, func(e *Engine) (Report, error) {
		return e.DeleteDataset(ctx, id)
	})
}

// DeleteSensor deletes a procedure tree, physically or by flagging.
func (s *Service) DeleteSensor(ctx context.Context, procedureID string, physical bool) (Report, error) {
	mode := ModeSoft
	if physical {
		mode = ModeHard
	}
	return s.run(ctx, OpDeleteSensor, mode, func(e *Engine) (Report, error) {
		return e.DeleteSensor(ctx, procedureID, physical)
	})
}

// Purge physically removes soft-deleted data, from all datasets when ids
// is empty.
func (s *Service) Purge(ctx context.Context, ids []string) (Report, error) {
	return s.run(ctx, OpPurge, ModeHard, func(e *Engine) (Report, error) {
		return e.Purge(ctx, ids)
	})
}

func (s *Service) run(ctx context.Context, op Operation, mode Mode, fn func(e *Engine) (Report, error)) (Report, error) {
	start := time.Now()
	var report Report
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		// Update may replay fn after a conflict, keep only the last run.
		r, err := fn(s.engine(tx))
		if err != nil {
			return err
		}
		report = r
		return nil
	})
	err = persist(err)
	s.metrics.observe(op, mode, report, err, time.Since(start))

	if err != nil {
		s.log.Warn("deletion aborted",
			zap.String("operation", string(op)),
			zap.String("mode", string(mode)),
			zap.Stringer("kind", KindOf(err)),
			zap.Error(err))
		return Report{Operation: op, Mode: mode}, err
	}

	s.log.Info("deletion committed",
		zap.String("operation", string(op)),
		zap.String("mode", string(mode)),
		zap.Int64("marked", report.MarkedObservations),
		zap.Int64("removed", report.RemovedObservations),
		zap.Int("datasets", len(report.ModifiedDatasets)),
		zap.Int("removed_datasets", len(report.RemovedDatasets)))
	if s.publisher != nil {
		s.publisher.Publish(report)
	}
	return report, nil
}

func (s *Service) reject(op Operation, mode Mode, err error) (Report, error) {
	s.metrics.observe(op, mode, Report{}, err, 0)
	s.log.Warn("deletion rejected", zap.String("operation", string(op)), zap.Error(err))
	return Report{Operation: op, Mode: mode}, err
}
