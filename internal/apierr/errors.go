// Package apierr renders structured JSON errors for the HTTP API.
package apierr

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/onnwee/opsdash/internal/logger"
)

// ErrorCode is the stable, machine readable part of an API error.
type ErrorCode string

const (
	ErrAuthMissing ErrorCode = "AUTH_MISSING"
	ErrAuthInvalid ErrorCode = "AUTH_INVALID"

	ErrSyncOffline         ErrorCode = "SYNC_OFFLINE"
	ErrSyncDrainInProgress ErrorCode = "SYNC_DRAIN_IN_PROGRESS"

	ErrCacheUnknown     ErrorCode = "CACHE_UNKNOWN"
	ErrCacheBadSelector ErrorCode = "CACHE_BAD_SELECTOR"

	ErrSystemInternal    ErrorCode = "SYSTEM_INTERNAL"
	ErrSystemStorage     ErrorCode = "SYSTEM_STORAGE"
	ErrSystemUnavailable ErrorCode = "SYSTEM_UNAVAILABLE"

	ErrValidationInvalidJSON   ErrorCode = "VALIDATION_INVALID_JSON"
	ErrValidationInvalidFormat ErrorCode = "VALIDATION_INVALID_FORMAT"
	ErrValidationMissingField  ErrorCode = "VALIDATION_MISSING_FIELD"
	ErrValidationInvalidValue  ErrorCode = "VALIDATION_INVALID_VALUE"
	ErrValidationSchema        ErrorCode = "VALIDATION_SCHEMA"

	ErrResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"

	ErrRateLimitGlobal ErrorCode = "RATE_LIMIT_GLOBAL"
	ErrRateLimitIP     ErrorCode = "RATE_LIMIT_IP"
)

// Error is the body of every non-2xx JSON response.
type Error struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	status    int
}

// ErrorResponse wraps Error as {"error": {...}}.
type ErrorResponse struct {
	Error *Error `json:"error"`
}

func New(code ErrorCode, message string, status int) *Error {
	return &Error{Code: code, Message: message, status: status}
}

func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// Status is the HTTP status the error is written with.
func (e *Error) Status() int { return e.status }

// WriteError writes err as JSON with its status code.
func WriteError(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err})
}

// GetRequestID returns the request id stored by the RequestID middleware.
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		return reqID
	}
	return ""
}

// WriteErrorWithContext stamps the request id on err before writing it.
func WriteErrorWithContext(w http.ResponseWriter, r *http.Request, err *Error) {
	if reqID := GetRequestID(r.Context()); reqID != "" {
		err = err.WithRequestID(reqID)
	}
	WriteError(w, err)
}

func orDefault(message, fallback string) string {
	if message == "" {
		return fallback
	}
	return message
}

func AuthMissing(message string) *Error {
	return New(ErrAuthMissing, orDefault(message, "Authentication required"), http.StatusUnauthorized)
}

func AuthInvalid(message string) *Error {
	return New(ErrAuthInvalid, orDefault(message, "Invalid authentication credentials"), http.StatusUnauthorized)
}

func SystemInternal(message string) *Error {
	return New(ErrSystemInternal, orDefault(message, "Internal server error"), http.StatusInternalServerError)
}

// SystemStorage reports a durable store write that has not reached the backend.
func SystemStorage(message string) *Error {
	return New(ErrSystemStorage, orDefault(message, "Durable storage error"), http.StatusInternalServerError)
}

func SystemUnavailable(message string) *Error {
	return New(ErrSystemUnavailable, orDefault(message, "Service unavailable"), http.StatusServiceUnavailable)
}

func ValidationInvalidJSON() *Error {
	return New(ErrValidationInvalidJSON, "Invalid JSON request body", http.StatusBadRequest)
}

func ValidationInvalidFormat(message string) *Error {
	return New(ErrValidationInvalidFormat, orDefault(message, "Invalid request format"), http.StatusBadRequest)
}

func ValidationMissingField(field string) *Error {
	return New(ErrValidationMissingField, "Missing required field: "+field, http.StatusBadRequest).
		WithDetails(map[string]any{"field": field})
}

func ValidationInvalidValue(field string, message string) *Error {
	return New(ErrValidationInvalidValue, orDefault(message, "Invalid value for field: "+field), http.StatusBadRequest).
		WithDetails(map[string]any{"field": field})
}

// ValidationSchema reports a record rejected by its collection schema.
func ValidationSchema(collection, message string) *Error {
	return New(ErrValidationSchema, message, http.StatusUnprocessableEntity).
		WithDetails(map[string]any{"collection": collection})
}

// SyncOffline reports an operation that needs the remote while offline.
func SyncOffline() *Error {
	return New(ErrSyncOffline, "Remote store is unreachable; changes stay queued locally", http.StatusServiceUnavailable)
}

func SyncDrainInProgress() *Error {
	return New(ErrSyncDrainInProgress, "A drain is already running", http.StatusConflict)
}

func CacheUnknown(name string) *Error {
	return New(ErrCacheUnknown, "Unknown cache: "+name, http.StatusNotFound).
		WithDetails(map[string]any{"cache": name})
}

// CacheBadSelector reports an invalidation request naming zero or several selectors.
func CacheBadSelector(message string) *Error {
	return New(ErrCacheBadSelector, orDefault(message, "Exactly one of key, tag or pattern is required"), http.StatusBadRequest)
}

func ResourceNotFound(resourceType string) *Error {
	return New(ErrResourceNotFound, resourceType+" not found", http.StatusNotFound).
		WithDetails(map[string]any{"resource_type": resourceType})
}

func RateLimitGlobal() *Error {
	return New(ErrRateLimitGlobal, "Rate limit exceeded: too many requests overall", http.StatusTooManyRequests)
}

func RateLimitIP() *Error {
	return New(ErrRateLimitIP, "Rate limit exceeded: too many requests from your address", http.StatusTooManyRequests)
}
