package routererr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// APIErrorResponse represents an OpenAI-compatible error response.
type APIErrorResponse struct {
	Error APIError `json:"error"`
}

// APIError represents the error object inside an OpenAI-compatible error response.
type APIError struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// statusForKind maps router error kinds to HTTP status codes.
func statusForKind(kind Kind) int {
	switch kind {
	case KindPoolNotFound:
		return http.StatusNotFound
	case KindNoHealthyEndpoint, KindCircuitOpen, KindProviderUnavailable, KindUnavailable:
		return http.StatusServiceUnavailable
	case KindBudgetExceeded, KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindQuotaExceeded, KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransformation:
		return http.StatusInternalServerError
	case KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorTypeForStatus maps HTTP status codes to OpenAI error type strings.
func errorTypeForStatus(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusPaymentRequired:
		return "insufficient_quota"
	case http.StatusForbidden:
		return "permission_denied"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusGatewayTimeout:
		return "timeout_error"
	case http.StatusServiceUnavailable:
		return "api_error"
	default:
		if statusCode >= 500 {
			return "server_error"
		}
		return "invalid_request_error"
	}
}

// WriteJSON renders err as an OpenAI-compatible JSON error response. Router
// errors get their kind as the error code and a Retry-After header when a
// retry delay is known; foreign errors render as a plain 500.
func WriteJSON(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	var code *string

	var e *Error
	if errors.As(err, &e) {
		status = statusForKind(e.Kind)
		message = e.Message
		kind := string(e.Kind)
		code = &kind
		if e.RetryAfter > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(e.RetryAfter.Seconds())))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := APIErrorResponse{
		Error: APIError{
			Message: message,
			Type:    errorTypeForStatus(status),
			Code:    code,
		},
	}
	_ = json.NewEncoder(w).Encode(resp)
}
