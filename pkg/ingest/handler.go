package ingest

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/nicktill/tinysos/pkg/config"
	"github.com/nicktill/tinysos/pkg/httpx"
)

// StorageChecker reports disk usage against the configured limit.
type StorageChecker interface {
	GetUsage() (int64, error)
	GetLimit() int64
}

// Handler handles observation ingestion
type Handler struct {
	inserter *Inserter
	log      *zap.Logger
	storage  StorageChecker
}

// NewHandler creates a new ingest handler
func NewHandler(log *zap.Logger, inserter *Inserter) *Handler {
	return &Handler{inserter: inserter, log: log}
}

// SetStorageChecker rejects inserts once usage reaches the limit.
func (h *Handler) SetStorageChecker(checker StorageChecker) {
	h.storage = checker
}

// InsertRequest represents the request payload
type InsertRequest struct {
	Observations []ObservationInput `json:"observations"`
}

// InsertResponse represents the response payload
type InsertResponse struct {
	Status   string   `json:"status"`
	Count    int      `json:"count"`
	IDs      []string `json:"ids"`
	Datasets []string `json:"datasets"`
}

// HandleInsert handles POST /v1/observations
func (h *Handler) HandleInsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if h.storage != nil {
		used, err := h.storage.GetUsage()
		if err != nil {
			h.log.Warn("failed to check storage usage", zap.Error(err))
		} else if limit := h.storage.GetLimit(); limit > 0 && used >= limit {
			httpx.RespondErrorString(w, http.StatusInsufficientStorage,
				fmt.Sprintf("storage limit reached (%d of %d bytes), purge deleted data first", used, limit))
			return
		}
	}

	var req InsertRequest
	if err := httpx.DecodeJSON(r, config.MaxRequestBodyBytes, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.InsertTimeout)
	defer cancel()

	result, err := h.inserter.Insert(ctx, req.Observations)
	if err != nil {
		if Error.Has(err) {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		h.log.Error("failed to insert observations", zap.Error(err))
		httpx.RespondErrorString(w, http.StatusInternalServerError, "failed to store observations")
		return
	}

	httpx.RespondJSON(w, http.StatusOK, InsertResponse{
		Status:   "success",
		Count:    len(result.IDs),
		IDs:      result.IDs,
		Datasets: result.Datasets,
	})
}
