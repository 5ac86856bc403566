// Package httpx holds the HTTP plumbing shared by the guard middlewares:
// the JSON error shape and client IP resolution.
package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error codes carried in the "code" field of error responses.
const (
	CodeCSRFMissing        = "CSRF_MISSING"
	CodeCSRFInvalid        = "CSRF_INVALID"
	CodeIPBlocked          = "IP_BLOCKED"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeSessionInvalid     = "SESSION_INVALID"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeForbidden          = "FORBIDDEN"
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeInternal           = "INTERNAL_ERROR"
)

// WriteJSON writes v as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": message, "code": code} merged with extra.
// Keys in extra never override error or code.
func WriteError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	body := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		body[k] = v
	}
	body["error"] = message
	body["code"] = code
	WriteJSON(w, status, body)
}

// ErrorBody is the decoded form of an error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// DecodeJSON decodes the request body into v, rejecting unknown fields.
// On failure it writes a 400 and returns false.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest,
			fmt.Sprintf("Invalid request body: %v", err), nil)
		return false
	}
	return true
}

// IsSafeMethod reports whether the method never changes server state.
func IsSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
