package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/auto-earn/internal/adapter"
	apperrors "github.com/auto-earn/internal/errors"
	"github.com/auto-earn/internal/logging"
	"github.com/auto-earn/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// respondServiceError maps a service error to its HTTP status and body.
// Internal details are logged, never returned.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, adapter.ErrNoVaultConfigured) {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "no vault configured for this Safe", nil)
		return
	}

	catErr := apperrors.Categorize(err)
	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}

	switch catErr.Category {
	case apperrors.CategoryValidation, apperrors.CategoryNotFound, apperrors.CategoryConflict, apperrors.CategoryAuthorization:
		svcErr := catErr.ToServiceError()
		respondError(w, catErr.StatusCode, svcErr.Code, svcErr.Message, svcErr.Details)
	case apperrors.CategorySystem, apperrors.CategoryDatabase, apperrors.CategoryConfig:
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred", nil)
	default:
		respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, nil)
	}
}
