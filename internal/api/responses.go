package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apperrors "genchat/internal/errors"
	"genchat/internal/upstream"
)

// ErrorResponse is the standard JSON structure for error messages.
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondWithError maps business-layer errors to HTTP status codes and
// writes a standard JSON error body. Upstream errors relay their
// original status so the client sees what the upstream said.
func respondWithError(w http.ResponseWriter, err error) {
	var upstreamErr *upstream.Error
	if errors.As(err, &upstreamErr) {
		slog.Warn("Relaying upstream error", "status_code", upstreamErr.StatusCode, "message", upstreamErr.Message)
		respondWithJSON(w, upstreamErr.StatusCode, ErrorResponse{Error: upstreamErr.Message})
		return
	}

	var statusCode int
	var message string

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		statusCode = http.StatusNotFound
		message = "The requested resource was not found."
	case errors.Is(err, apperrors.ErrValidation):
		statusCode = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, apperrors.ErrConfig):
		// Configuration problems are the server's fault, not the client's.
		statusCode = http.StatusInternalServerError
		message = err.Error()
	case errors.Is(err, apperrors.ErrBadGateway):
		statusCode = http.StatusBadGateway
		message = err.Error()
	case errors.Is(err, apperrors.ErrBusy):
		statusCode = http.StatusConflict
		message = err.Error()
	case errors.Is(err, apperrors.ErrInternal):
		// Details stay in the log; the client gets the generic text.
		statusCode = http.StatusInternalServerError
		message = "An unexpected internal server error occurred."
	default:
		statusCode = http.StatusInternalServerError
		message = "An unexpected internal server error occurred."
	}

	slog.Warn("Responding with error", "status_code", statusCode, "client_message", message, "internal_error", err)
	respondWithJSON(w, statusCode, ErrorResponse{Error: message})
}

// respondWithJSON marshals a payload and writes it with the given
// status code.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		slog.Error("Failed to write JSON response", "error", err)
	}
}

// respondWithRaw writes an already-serialized JSON payload, relaying
// the upstream's status code untouched.
func respondWithRaw(w http.ResponseWriter, code int, payload json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(payload); err != nil {
		slog.Error("Failed to write raw response", "error", err)
	}
}
