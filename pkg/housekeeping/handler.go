// Package housekeeping exposes the deletion service and dataset listings
// over HTTP.
package housekeeping

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinysos/pkg/config"
	"github.com/nicktill/tinysos/pkg/deletion"
	"github.com/nicktill/tinysos/pkg/httpx"
	"github.com/nicktill/tinysos/pkg/model"
	"github.com/nicktill/tinysos/pkg/storage"
)

// Handler serves the deletion and dataset endpoints.
type Handler struct {
	svc   *deletion.Service
	store storage.Store
	log   *zap.Logger
}

// NewHandler creates a housekeeping handler.
func NewHandler(log *zap.Logger, svc *deletion.Service, store storage.Store) *Handler {
	return &Handler{svc: svc, store: store, log: log}
}

// Register mounts the endpoints on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v1/observations/delete", h.HandleDeleteObservations).Methods("POST")
	r.HandleFunc("/v1/datasets", h.HandleListDatasets).Methods("GET")
	r.HandleFunc("/v1/datasets/{id}", h.HandleGetDataset).Methods("GET")
	r.HandleFunc("/v1/datasets/{id}", h.HandleDeleteDataset).Methods("DELETE")
	r.HandleFunc("/v1/sensors/{id}", h.HandleDeleteSensor).Methods("DELETE")
	r.HandleFunc("/v1/admin/purge", h.HandlePurge).Methods("POST")
}

// PurgeRequest limits a purge to the listed datasets. Empty means all.
type PurgeRequest struct {
	Datasets []string `json:"datasets"`
}

// DatasetsResponse is the dataset listing payload.
type DatasetsResponse struct {
	Datasets []model.Dataset `json:"datasets"`
	Count    int             `json:"count"`
}

// HandleDeleteObservations handles POST /v1/observations/delete
func (h *Handler) HandleDeleteObservations(w http.ResponseWriter, r *http.Request) {
	var req deletion.ObservationRequest
	if err := httpx.DecodeJSON(r, config.MaxRequestBodyBytes, &req); err != nil {
		httpx.RespondErrorKind(w, http.StatusBadRequest, deletion.KindSelectorResolution.String(), err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.DeleteTimeout)
	defer cancel()

	report, err := h.svc.DeleteObservation(ctx, req)
	h.respond(w, report, err)
}

// HandleDeleteDataset handles DELETE /v1/datasets/{id}
func (h *Handler) HandleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.DeleteTimeout)
	defer cancel()

	report, err := h.svc.DeleteDataset(ctx, mux.Vars(r)["id"])
	h.respond(w, report, err)
}

// HandleDeleteSensor handles DELETE /v1/sensors/{id}?physical=true
func (h *Handler) HandleDeleteSensor(w http.ResponseWriter, r *http.Request) {
	physical := false
	if v := r.URL.Query().Get("physical"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, "invalid physical parameter: "+v)
			return
		}
		physical = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.DeleteTimeout)
	defer cancel()

	report, err := h.svc.DeleteSensor(ctx, mux.Vars(r)["id"], physical)
	h.respond(w, report, err)
}

// HandlePurge handles POST /v1/admin/purge
func (h *Handler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if err := httpx.DecodeJSON(r, config.MaxRequestBodyBytes, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.PurgeTimeout)
	defer cancel()

	report, err := h.svc.Purge(ctx, req.Datasets)
	h.respond(w, report, err)
}

// HandleListDatasets handles GET /v1/datasets
//
// Query parameters procedure, offering, observed_property and feature may
// repeat. Hidden datasets are left out unless all=true.
func (h *Handler) HandleListDatasets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.DatasetFilter{
		Procedures:         q["procedure"],
		Offerings:          q["offering"],
		ObservedProperties: q["observed_property"],
		Features:           q["feature"],
	}
	all, _ := strconv.ParseBool(q.Get("all"))

	ctx, cancel := context.WithTimeout(r.Context(), config.ListTimeout)
	defer cancel()

	var datasets []model.Dataset
	err := h.store.View(ctx, func(tx storage.Tx) error {
		found, err := tx.QueryDatasets(ctx, filter)
		if err != nil {
			return err
		}
		for _, ds := range found {
			if all || (ds.Published && !ds.Deleted) {
				datasets = append(datasets, ds)
			}
		}
		return nil
	})
	if err != nil {
		h.log.Error("failed to list datasets", zap.Error(err))
		httpx.RespondErrorString(w, http.StatusInternalServerError, "failed to list datasets")
		return
	}
	if datasets == nil {
		datasets = []model.Dataset{}
	}

	httpx.RespondJSON(w, http.StatusOK, DatasetsResponse{Datasets: datasets, Count: len(datasets)})
}

// HandleGetDataset handles GET /v1/datasets/{id}
func (h *Handler) HandleGetDataset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), config.ListTimeout)
	defer cancel()

	var ds model.Dataset
	err := h.store.View(ctx, func(tx storage.Tx) error {
		var err error
		ds, err = tx.GetDataset(ctx, id)
		return err
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpx.RespondErrorKind(w, http.StatusNotFound, deletion.KindNotFound.String(), err)
	case err != nil:
		h.log.Error("failed to get dataset", zap.String("dataset", id), zap.Error(err))
		httpx.RespondErrorString(w, http.StatusInternalServerError, "failed to get dataset")
	default:
		httpx.RespondJSON(w, http.StatusOK, ds)
	}
}

func (h *Handler) respond(w http.ResponseWriter, report deletion.Report, err error) {
	if err != nil {
		kind := deletion.KindOf(err)
		status := statusFor(kind)
		if status == http.StatusInternalServerError {
			h.log.Error("deletion failed", zap.Error(err))
			httpx.RespondErrorKind(w, status, kind.String(), errors.New("storage failure"))
			return
		}
		httpx.RespondErrorKind(w, status, kind.String(), err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, report)
}

func statusFor(kind deletion.Kind) int {
	switch kind {
	case deletion.KindSelectorResolution:
		return http.StatusBadRequest
	case deletion.KindNotFound:
		return http.StatusNotFound
	case deletion.KindConsistencyViolation:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
