package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getmetamapper/metamapper-engine/pkg/apperrors"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// ServiceError maps a service-layer error to an HTTP error response. The
// message passed here is a generic fallback; known sentinel errors get a
// specific status and code.
func ServiceError(w http.ResponseWriter, err error, fallback string) error {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return ErrorResponse(w, http.StatusNotFound, "not_found", "Resource not found")
	case errors.Is(err, apperrors.ErrRunInProgress):
		return ErrorResponse(w, http.StatusConflict, "run_in_progress", "A run is already in progress for this datastore")
	case errors.Is(err, apperrors.ErrConflict):
		return ErrorResponse(w, http.StatusConflict, "conflict", "Resource already exists")
	case errors.Is(err, apperrors.ErrEngineNotSupported):
		return ErrorResponse(w, http.StatusUnprocessableEntity, "engine_not_supported", "Datastore engine is not supported")
	default:
		return ErrorResponse(w, http.StatusInternalServerError, "internal_error", fallback)
	}
}
