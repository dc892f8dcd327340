package httpapi

import (
	"encoding/json"
	"net/http"
)

// Error kinds returned in the "error" field of failure responses.
const (
	KindUnauthorized        = "unauthorized"
	KindForbidden           = "forbidden"
	KindValidationError     = "validation_error"
	KindQuotaExceeded       = "quota_exceeded"
	KindTooManyConcurrent   = "too_many_concurrent"
	KindRateLimitExceeded   = "rate_limit_exceeded"
	KindNoProviderAvailable = "no_provider_available"
	KindModelNotAllowed     = "model_not_allowed"
	KindLLMError            = "llm_error"
	KindInternalError       = "internal_error"
	KindNotFound            = "not_found"
)

// JSON writes v as the response body with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes the standard error envelope {"error": kind, "message": msg}.
func Error(w http.ResponseWriter, status int, kind, message string) {
	ErrorFields(w, status, kind, message, nil)
}

// ErrorFields writes the error envelope with extra top-level fields merged in.
func ErrorFields(w http.ResponseWriter, status int, kind, message string, extra map[string]any) {
	body := map[string]any{
		"error":   kind,
		"message": message,
	}
	for k, v := range extra {
		body[k] = v
	}
	JSON(w, status, body)
}
