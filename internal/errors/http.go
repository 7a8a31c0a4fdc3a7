package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// HTTPErrorBody is the inner payload of the standard error envelope.
type HTTPErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON envelope for every non-2xx API response.
type HTTPErrorResponse struct {
	Error HTTPErrorBody `json:"error"`
}

type ctxKey int

const ctxKeyRequestID ctxKey = iota

// ContextWithRequestID stores a request id for inclusion in error envelopes.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFrom returns the request id set by the middleware, if any.
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// RespondWithError writes err as the standard envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	code := CodeInternal
	message := "internal error"

	var app *AppError
	if errors.As(err, &app) {
		code = app.Code
		message = app.Message
	} else if err != nil {
		message = err.Error()
	}

	writeEnvelope(w, r, code, message)
}

// RespondWithCode writes an envelope for a bare code, used by the router's
// 404/405 adapters.
func RespondWithCode(w http.ResponseWriter, r *http.Request, code Code, message string) {
	writeEnvelope(w, r, code, message)
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, code Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(code))

	var requestID string
	if r != nil {
		requestID = RequestIDFrom(r.Context())
	}

	body := HTTPErrorResponse{Error: HTTPErrorBody{
		Code:      string(code),
		Message:   message,
		RequestID: requestID,
	}}
	_ = json.NewEncoder(w).Encode(body)
}
