package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
)

// ContentType is the media type of every admin API response.
const ContentType = "application/json"

// ErrorBody is the payload of an error response.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// ErrorResponse wraps an error in the {"error": {...}} envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// WriteError writes an API error in the error envelope.
func WriteError(w http.ResponseWriter, status int, apiErr *core.APIError) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Retryable: apiErr.Code == core.ErrCodeUnavailable,
		Details:   apiErr.Details,
		RequestID: w.Header().Get(RequestIDHeader),
	}})
}

// NotFound answers unknown routes with the error envelope.
func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, core.NewNotFoundError("route", r.URL.Path))
}

// MethodNotAllowed answers known routes called with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusMethodNotAllowed, core.NewInvalidRequestError(
		"method not allowed",
		map[string]any{"method": r.Method, "path": r.URL.Path},
	))
}
