package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondErrorKind(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondErrorKind(rr, http.StatusConflict, "consistency_violation", errors.New("dataset d2 is referenced"))

	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "Conflict", resp.Error)
	require.Equal(t, "consistency_violation", resp.Kind)
	require.Equal(t, "dataset d2 is referenced", resp.Message)
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, DecodeJSON(req, 1024, &v))
	require.Equal(t, "x", v.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	require.NoError(t, DecodeJSON(req, 1024, &v))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"other":1}`))
	require.Error(t, DecodeJSON(req, 1024, &v))
}
