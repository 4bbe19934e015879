package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteServiceError maps a service error onto a status code.
// Unknown errors are logged and reported as 500 without detail.
func WriteServiceError(w http.ResponseWriter, logger arbor.ILogger, err error) {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, models.ErrNotFound):
		WriteError(w, http.StatusNotFound, "requirement not found")
	case errors.Is(err, models.ErrRunInProgress):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.As(err, &validationErrs):
		WriteError(w, http.StatusBadRequest, validationErrs.Error())
	default:
		logger.Error().Err(err).Msg("Request failed")
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
