// Package api implements the HTTP surface of the auth engine: the OAuth
// sign-in and callback routes, the JSON sign-in endpoint, and the
// well-known discovery documents. It uses Chi as the router.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gatehouse-io/gatehouse/internal/auth"
)

// envelope is the standard JSON response wrapper.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// errJSON writes a JSON error response with the given status, message and
// machine-readable code.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrUnauthorized writes a 401 Unauthorized error response.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", "unauthorized")
}

// ErrInternal writes a 500 Internal Server Error response. The internal
// error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// writeAuthError maps a typed auth error onto an HTTP status, carrying the
// engine's error code through to the client.
func writeAuthError(w http.ResponseWriter, err error) bool {
	var authErr *auth.Error
	if !errors.As(err, &authErr) {
		if errors.Is(err, auth.ErrAccountExists) {
			errJSON(w, http.StatusConflict, "account already exists", "conflict")
			return true
		}
		return false
	}

	status := http.StatusUnauthorized
	switch authErr.Code {
	case auth.CodeRateLimited:
		status = http.StatusTooManyRequests
	case auth.CodeInternalError:
		status = http.StatusInternalServerError
	case auth.CodeOAuthFailed:
		status = http.StatusBadGateway
	}
	errJSON(w, status, authErr.Message, string(authErr.Code))
	return true
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
