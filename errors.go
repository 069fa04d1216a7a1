package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
)

// OAuth error codes. These are the wire contract: every auth failure maps
// to one of them at the handler boundary, storage faults to server_error.
const (
	codeInvalidRequest = "invalid_request"
	codeInvalidClient  = "invalid_client"
	codeInvalidGrant   = "invalid_grant"
	codeInvalidToken   = "invalid_token"
	codeServerError    = "server_error"
)

// OAuthError is a typed OAuth failure with a fixed, non-sensitive description.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	return e.Code + ": " + e.Description
}

// The closed set of auth failures. Descriptions are stable and never say
// which credential was wrong.
var (
	errInvalidClient   = &OAuthError{codeInvalidClient, "Invalid client: client is invalid"}
	errGrantNotAllowed = &OAuthError{codeInvalidClient, "Invalid client: grant type is not allowed for this client"}
	errUserCredentials = &OAuthError{codeInvalidGrant, "Invalid grant: user credentials are invalid"}
	errRefreshToken    = &OAuthError{codeInvalidGrant, "Invalid grant: refresh token is invalid"}
	errAccessToken     = &OAuthError{codeInvalidToken, "Invalid token: access token is invalid"}
)

// invalidRequest builds a malformed-request error with a field-specific message.
func invalidRequest(desc string) *OAuthError {
	return &OAuthError{codeInvalidRequest, desc}
}

// oauthStatus is the fixed code -> HTTP status table.
var oauthStatus = map[string]int{
	codeInvalidRequest: http.StatusBadRequest,
	codeInvalidGrant:   http.StatusBadRequest,
	codeInvalidClient:  http.StatusBadRequest,
	codeInvalidToken:   http.StatusUnauthorized,
	codeServerError:    http.StatusInternalServerError,
}

// Storage sentinels. ErrInvariant marks a save called without internal
// numeric keys; ErrConflict marks a unique-constraint violation.
var (
	ErrInvariant = errors.New("invariant violation: missing internal key")
	ErrConflict  = errors.New("conflict: value already in use")
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

// writeOAuthError writes err as an OAuth error body. Anything that is not an
// *OAuthError is a storage or internal fault: it is logged and surfaced as a
// generic server_error so raw storage errors never reach the caller.
func writeOAuthError(w http.ResponseWriter, err error) {
	var oe *OAuthError
	if !errors.As(err, &oe) {
		log.Printf("internal error: %v", err)
		oe = &OAuthError{codeServerError, "An internal server error occurred"}
	}
	writeJSON(w, oauthStatus[oe.Code], oe)
}
