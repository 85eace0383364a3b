package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomnagengast/revurb/internal/domain"
)

func TestWriteError_StatusAndContentType(t *testing.T) {
	w := httptest.NewRecorder()

	writeError(w, http.StatusBadRequest, domain.KindHTTPValidation, "invalid input")

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestWriteError_ResponseBody(t *testing.T) {
	w := httptest.NewRecorder()

	writeError(w, http.StatusNotFound, domain.KindNotFound, "resource does not exist")

	var body errorResponse
	err := json.NewDecoder(w.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "not_found", body.Code)
	assert.Equal(t, "resource does not exist", body.Message)
}

func TestWriteError_Unauthorized(t *testing.T) {
	w := httptest.NewRecorder()

	writeError(w, http.StatusUnauthorized, domain.KindHTTPAuth, "missing token")

	require.Equal(t, http.StatusUnauthorized, w.Code)

	var body errorResponse
	err := json.NewDecoder(w.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "unauthorized", body.Code)
	assert.Equal(t, "missing token", body.Message)
}

func TestWriteError_InternalServerError(t *testing.T) {
	w := httptest.NewRecorder()

	writeError(w, http.StatusInternalServerError, domain.KindInternal, "internal server error")

	require.Equal(t, http.StatusInternalServerError, w.Code)

	var body errorResponse
	err := json.NewDecoder(w.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "internal_error", body.Code)
	assert.Equal(t, "internal server error", body.Message)
}

// TestWriteError_UnmappedKind_FallsBackToInternal covers kinds that never
// reach an HTTP response in practice (e.g. KindBus, KindTransport) — a
// BrokerError's Kind field can hold them, and WireCode()'s default case is what keeps an unexpected
// call site from leaking an empty or zero-value "code" string.
func TestWriteError_UnmappedKind_FallsBackToInternal(t *testing.T) {
	w := httptest.NewRecorder()

	writeError(w, http.StatusInternalServerError, domain.KindBus, "publish failed")

	require.Equal(t, http.StatusInternalServerError, w.Code)

	var body errorResponse
	err := json.NewDecoder(w.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "internal_error", body.Code)
}

func TestWriteError_UnprocessableEntity(t *testing.T) {
	w := httptest.NewRecorder()

	writeError(w, http.StatusUnprocessableEntity, domain.KindHTTPValidation, "field X is required")

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var body errorResponse
	err := json.NewDecoder(w.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "invalid_request", body.Code)
	assert.Equal(t, "field X is required", body.Message)
}

func TestWriteError_EmptyMessage(t *testing.T) {
	w := httptest.NewRecorder()

	writeError(w, http.StatusTeapot, domain.KindInternal, "")

	require.Equal(t, http.StatusTeapot, w.Code)

	var body errorResponse
	err := json.NewDecoder(w.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "internal_error", body.Code)
	assert.Equal(t, "", body.Message)
}

func TestWriteError_SpecialCharactersInMessage(t *testing.T) {
	w := httptest.NewRecorder()

	writeError(w, http.StatusBadRequest, domain.KindHTTPValidation, `invalid character '<' in "field"`)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var body errorResponse
	err := json.NewDecoder(w.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "invalid_request", body.Code)
	assert.Equal(t, `invalid character '<' in "field"`, body.Message)
}

func TestWriteError_ValidJSON(t *testing.T) {
	w := httptest.NewRecorder()

	writeError(w, http.StatusBadRequest, domain.KindHTTPValidation, "test message")

	// Verify the entire response is valid JSON with exactly two keys.
	var raw map[string]interface{}
	err := json.NewDecoder(w.Body).Decode(&raw)
	require.NoError(t, err)

	assert.Len(t, raw, 2)
	assert.Equal(t, "invalid_request", raw["code"])
	assert.Equal(t, "test message", raw["message"])
}

func TestErrorResponse_JSONSerialization(t *testing.T) {
	resp := errorResponse{
		Code:    "not_found",
		Message: "item not found",
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded errorResponse
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)

	assert.Equal(t, resp, decoded)
}

func TestErrorResponse_JSONTags(t *testing.T) {
	resp := errorResponse{
		Code:    "test",
		Message: "test message",
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	// Verify the JSON keys match the expected struct tags.
	var raw map[string]interface{}
	err = json.Unmarshal(data, &raw)
	require.NoError(t, err)

	_, hasCode := raw["code"]
	_, hasMessage := raw["message"]
	assert.True(t, hasCode, "JSON should have 'code' key")
	assert.True(t, hasMessage, "JSON should have 'message' key")
}
