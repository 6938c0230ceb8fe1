package ingest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinysos/pkg/config"
	"github.com/nicktill/tinysos/pkg/storage/memory"
	"github.com/nicktill/tinysos/pkg/storage/storagetest"
)

func newHandler(t *testing.T) *Handler {
	log := zaptest.NewLogger(t)
	return NewHandler(log, NewInserter(log, memory.New()))
}

func postInsert(t *testing.T, h *Handler, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/observations", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandleInsert(rr, req)
	return rr
}

func TestHandleInsert_Success(t *testing.T) {
	h := newHandler(t)
	v := 21.5
	rr := postInsert(t, h, InsertRequest{Observations: []ObservationInput{{
		ID: "o1", Procedure: "p1", Offering: "off1", ObservedProperty: "temp", Feature: "f1",
		PhenomenonTime: storagetest.Base, NumericValue: &v,
	}}})

	require.Equal(t, http.StatusOK, rr.Code)
	var resp InsertResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	require.Equal(t, []string{"o1"}, resp.IDs)
	require.Len(t, resp.Datasets, 1)
}

func TestHandleInsert_TooManyObservations(t *testing.T) {
	h := newHandler(t)
	v := 1.0
	inputs := make([]ObservationInput, config.MaxInsertBatch+1)
	for i := range inputs {
		inputs[i] = ObservationInput{Procedure: "p", Offering: "o", ObservedProperty: "x", Feature: "f",
			PhenomenonTime: storagetest.Base, NumericValue: &v}
	}
	rr := postInsert(t, h, InsertRequest{Observations: inputs})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp["message"], "too many observations")
}

func TestHandleInsert_InvalidObservation(t *testing.T) {
	h := newHandler(t)
	rr := postInsert(t, h, InsertRequest{Observations: []ObservationInput{{Procedure: ""}}})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp["message"], "observation 0")
}

func TestHandleInsert_UnknownField(t *testing.T) {
	h := newHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/observations", bytes.NewReader([]byte(`{"metrics":[]}`)))
	rr := httptest.NewRecorder()
	h.HandleInsert(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleInsert_MethodNotAllowed(t *testing.T) {
	h := newHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/observations", nil)
	rr := httptest.NewRecorder()
	h.HandleInsert(rr, req)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

type fullDisk struct{}

func (fullDisk) GetUsage() (int64, error) { return 2048, nil }
func (fullDisk) GetLimit() int64          { return 1024 }

func TestHandleInsert_StorageLimit(t *testing.T) {
	h := newHandler(t)
	h.SetStorageChecker(fullDisk{})

	rr := postInsert(t, h, InsertRequest{})
	require.Equal(t, http.StatusInsufficientStorage, rr.Code)
}
