package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	engine "github.com/marcus/storesync/internal/sync"
)

// Error code constants for structured API error responses.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeInternal       = "internal"
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeAlreadyRunning = "already_running"
	ErrCodeUnknownPeer    = "unknown_peer"
	ErrCodeInvalidCursor  = "invalid_cursor"
)

// APIError represents a structured error returned by the API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an APIError for JSON serialization.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// writeError writes a JSON error response with the given HTTP status code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error: APIError{Code: code, Message: message},
	}); err != nil {
		slog.Error("write error response", "err", err)
	}
}

// writeJSON writes a JSON response with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "err", err)
	}
}

// writeEngineError maps sync engine errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, ErrCodeAlreadyRunning, err.Error())
	case errors.Is(err, engine.ErrJobNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, engine.ErrUnknownPeer):
		writeError(w, http.StatusBadRequest, ErrCodeUnknownPeer, err.Error())
	case engine.IsConfig(err):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case engine.IsProtocol(err):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidCursor, err.Error())
	default:
		logFor(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
