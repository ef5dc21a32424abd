package errors

import "fmt"

// APIError is the JSON body returned by the HTTP layer on failure.
type APIError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Error codes used by the backend.
const (
	Unauthorized           = "unauthorized"
	InvalidRequest         = "invalid_request"
	NotFound               = "not_found"
	TemporarilyUnavailable = "temporarily_unavailable"
	ServerError            = "server_error"
)

// Common error constructors
func NewUnauthorized(description string) *APIError {
	return &APIError{
		Code:        Unauthorized,
		Description: description,
	}
}

func NewInvalidRequest(description string) *APIError {
	return &APIError{
		Code:        InvalidRequest,
		Description: description,
	}
}

func NewNotFound(description string) *APIError {
	return &APIError{
		Code:        NotFound,
		Description: description,
	}
}

// NewUnavailable is returned while a backing actor is gone, typically during shutdown.
func NewUnavailable(description string) *APIError {
	return &APIError{
		Code:        TemporarilyUnavailable,
		Description: description,
	}
}

func NewServerError(description string) *APIError {
	return &APIError{
		Code:        ServerError,
		Description: description,
	}
}
