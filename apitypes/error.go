package apitypes

type (
	// ErrorResponse is the body of every error response of the HTTP API.
	ErrorResponse struct {
		Error Error `json:"error"`
	}

	// Error describes a failed request.
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

// Error codes returned by the HTTP API.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeTooManyRequests = "too_many_requests"
	CodeServiceError    = "service_error"
)

// NewErrorResponse builds an error body.
func NewErrorResponse(code, message string) *ErrorResponse {
	return &ErrorResponse{Error: Error{Code: code, Message: message}}
}
