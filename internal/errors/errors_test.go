package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"app error", New(CodeValidation, "bad input"), CodeValidation},
		{"wrapped app error", fmt.Errorf("outer: %w", New(CodeNotFound, "missing")), CodeNotFound},
		{"plain error", fmt.Errorf("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(CodeValidation))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(CodeUnauthorized))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(CodeNotFound))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(CodeResourceUnavailable))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(CodeProcessSpawn))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(CodeInternal))
}

func TestRespondWithError_Envelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(ContextWithRequestID(req.Context(), "req-123"))
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, New(CodeResourceUnavailable, "session root not writable"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RESOURCE_UNAVAILABLE", body.Error.Code)
	assert.Equal(t, "session root not writable", body.Error.Message)
	assert.Equal(t, "req-123", body.Error.RequestID)
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("disk full")
	err := Wrap(CodeResourceUnavailable, inner, "create working directory")

	assert.ErrorContains(t, err, "create working directory")
	assert.ErrorContains(t, err, "disk full")
	require.ErrorIs(t, err, inner)
}
