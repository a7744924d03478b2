// Package api implements the HTTP auth gateway. All endpoints live under
// /auth and speak JSON. Authentication state is resolved once per request by
// the session middleware; guards compose on top of it at the route level.
// Every login and recovery failure collapses to a single opaque message and
// status so responses never reveal whether a username exists.
package api

import (
	"encoding/json"
	"net/http"
)

// Opaque failure messages. Kept constant across the user-exists and
// user-absent partitions.
const (
	msgInvalidCredentials = "Invalid credentials"
	msgInvalidRecovery    = "Invalid username or backup code"
	msgMagicLinkGeneric   = "If an account exists with that username and has a registered email, a login link has been sent."
	msgAuthRequired       = "Authentication required"
	msgAdminRequired      = "Admin access required"
)

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errJSON writes {"error": message} with the given status.
func errJSON(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrBadRequest writes a 400 with a concrete message. Only used for input
// errors whose text cannot leak account state.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message)
}

// ErrInvalidCredentials writes the constant 401 used by every login failure.
func ErrInvalidCredentials(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, msgInvalidCredentials)
}

// ErrUnauthorized writes the 401 used by the login-required guard.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, msgAuthRequired)
}

// ErrForbidden writes a 403.
func ErrForbidden(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusForbidden, message)
}

// ErrNotFound writes a 404.
func ErrNotFound(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusNotFound, message)
}

// ErrConflict writes a 409.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message)
}

// ErrInternal writes a 500. The internal detail stays in the log.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "Internal server error")
}

// decodeJSON decodes the request body into dst. Returns false and writes a
// 400 if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "Invalid request body")
		return false
	}
	return true
}
