package gateway

// Error codes returned by the gateway itself. Downstream services keep their
// own error vocabulary; these cover what never reaches them.
const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
	CodeRequestTimeout     = "REQUEST_TIMEOUT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// ErrorResponse is the envelope for every gateway-originated error.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code"`
	// Hint carries diagnostic detail in development only.
	Hint string `json:"hint,omitempty"`
}

func errorBody(code, message, hint string) ErrorResponse {
	return ErrorResponse{Success: false, Message: message, Code: code, Hint: hint}
}
