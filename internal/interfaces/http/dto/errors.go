package dto

import "net/http"

// Error code constants organized by category
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	// ErrCodeUnknown is used when the error type is unknown
	ErrCodeUnknown = "ERR_UNKNOWN"
	// ErrCodeInternal is used for internal server errors
	ErrCodeInternal = "ERR_INTERNAL"
)

// Validation error codes
const (
	// ErrCodeValidation is the base code for validation errors
	ErrCodeValidation = "ERR_VALIDATION"
	// ErrCodeBadRequest is used for malformed requests
	ErrCodeBadRequest = "ERR_BAD_REQUEST"
	// ErrCodeInvalidInput is used for invalid input data
	ErrCodeInvalidInput = "ERR_INVALID_INPUT"
	// ErrCodeInvalidJSON is used when JSON parsing fails
	ErrCodeInvalidJSON = "ERR_INVALID_JSON"
)

// Resource error codes
const (
	ErrCodeNotFound      = "ERR_NOT_FOUND"
	ErrCodeAlreadyExists = "ERR_ALREADY_EXISTS"
	ErrCodeConflict      = "ERR_CONFLICT"
	ErrCodeInvalidState  = "ERR_INVALID_STATE"
)

// Remote store error codes
const (
	// ErrCodeUnavailable is used when the remote store cannot be reached
	ErrCodeUnavailable = "ERR_UNAVAILABLE"
	// ErrCodeForbidden is used when the remote store denied an operation
	ErrCodeForbidden = "ERR_FORBIDDEN"
	// ErrCodeRejected is used when the remote store refused an operation
	ErrCodeRejected = "ERR_REJECTED"
	// ErrCodeSerialization is used when stored data could not be decoded
	ErrCodeSerialization = "ERR_SERIALIZATION"
	// ErrCodeClosed is used once the sync engine has shut down
	ErrCodeClosed = "ERR_CLOSED"
	// ErrCodeNotReady is used before the sync engine has started
	ErrCodeNotReady = "ERR_NOT_READY"
)

// Rate limiting error codes
const (
	// ErrCodeRateLimited is used when rate limit is exceeded
	ErrCodeRateLimited = "ERR_RATE_LIMITED"
	// ErrCodeTooManyStreams is used when no more event streams can be opened
	ErrCodeTooManyStreams = "ERR_TOO_MANY_STREAMS"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnknown:  http.StatusInternalServerError,
	ErrCodeInternal: http.StatusInternalServerError,

	ErrCodeValidation:   http.StatusBadRequest,
	ErrCodeBadRequest:   http.StatusBadRequest,
	ErrCodeInvalidInput: http.StatusBadRequest,
	ErrCodeInvalidJSON:  http.StatusBadRequest,

	ErrCodeNotFound:      http.StatusNotFound,
	ErrCodeAlreadyExists: http.StatusConflict,
	ErrCodeConflict:      http.StatusConflict,
	ErrCodeInvalidState:  http.StatusUnprocessableEntity,

	ErrCodeUnavailable:   http.StatusServiceUnavailable,
	ErrCodeForbidden:     http.StatusForbidden,
	ErrCodeRejected:      http.StatusUnprocessableEntity,
	ErrCodeSerialization: http.StatusInternalServerError,
	ErrCodeClosed:        http.StatusServiceUnavailable,
	ErrCodeNotReady:      http.StatusServiceUnavailable,

	ErrCodeRateLimited:    http.StatusTooManyRequests,
	ErrCodeTooManyStreams: http.StatusServiceUnavailable,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DomainErrorCodeMapping maps domain error codes to API error codes
var DomainErrorCodeMapping = map[string]string{
	"NOT_FOUND":         ErrCodeNotFound,
	"ALREADY_EXISTS":    ErrCodeAlreadyExists,
	"INVALID_INPUT":     ErrCodeInvalidInput,
	"INVALID_STATE":     ErrCodeInvalidState,
	"CONFLICT":          ErrCodeConflict,
	"UNAVAILABLE":       ErrCodeUnavailable,
	"PERMISSION_DENIED": ErrCodeForbidden,
	"REJECTED":          ErrCodeRejected,
	"SERIALIZATION":     ErrCodeSerialization,
	"CLOSED":            ErrCodeClosed,
	"NOT_STARTED":       ErrCodeNotReady,
}

// NormalizeErrorCode converts a domain error code to the API format
// If the code is already in the API format or unknown, returns it as-is
func NormalizeErrorCode(code string) string {
	if apiCode, ok := DomainErrorCodeMapping[code]; ok {
		return apiCode
	}
	return code
}
