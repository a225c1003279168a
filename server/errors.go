package server

import (
	"fmt"
	"net/http"
	"net/url"
)

// RFC 6749 error codes.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
)

// errorTable fixes the HTTP status and default description per error code.
// Construction sites pick a code; the table supplies the rest.
var errorTable = map[string]struct {
	status      int
	description string
}{
	ErrorCodeInvalidRequest:          {http.StatusBadRequest, "the request is missing a required parameter or is otherwise malformed"},
	ErrorCodeInvalidClient:           {http.StatusUnauthorized, "client authentication failed"},
	ErrorCodeInvalidGrant:            {http.StatusBadRequest, "the provided grant is invalid, expired, or revoked"},
	ErrorCodeUnauthorizedClient:      {http.StatusBadRequest, "the client is not authorized to use this grant type"},
	ErrorCodeAccessDenied:            {http.StatusForbidden, "the request was denied"},
	ErrorCodeUnsupportedResponseType: {http.StatusBadRequest, "the response type is not supported"},
	ErrorCodeInvalidScope:            {http.StatusBadRequest, "the requested scope is invalid or unknown"},
	ErrorCodeServerError:             {http.StatusInternalServerError, "the server encountered an unexpected condition"},
	ErrorCodeTemporarilyUnavailable:  {http.StatusServiceUnavailable, "the server is temporarily unable to handle the request"},
	ErrorCodeUnsupportedGrantType:    {http.StatusBadRequest, "the grant type is not supported"},
}

// Error is an RFC 6749 protocol error. Status and the default description
// come from the error table, keyed by Code.
type Error struct {
	Code        string // RFC 6749 error code
	Description string // human-readable description
	Status      int    // HTTP status code
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a protocol error for code. An empty description falls
// back to the table's default. Unknown codes map to server_error so a typo
// can never weaken a status.
func NewError(code, description string) *Error {
	entry, ok := errorTable[code]
	if !ok {
		entry = errorTable[ErrorCodeServerError]
		code = ErrorCodeServerError
	}
	if description == "" {
		description = entry.description
	}
	return &Error{
		Code:        code,
		Description: description,
		Status:      entry.status,
	}
}

// Constructor funcs per code, mirroring the table.
var (
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc)
	}

	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc)
	}

	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc)
	}

	ErrUnauthorizedClient = func(desc string) *Error {
		return NewError(ErrorCodeUnauthorizedClient, desc)
	}

	ErrAccessDenied = func(desc string) *Error {
		return NewError(ErrorCodeAccessDenied, desc)
	}

	ErrUnsupportedResponseType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedResponseType, desc)
	}

	ErrInvalidScope = func(desc string) *Error {
		return NewError(ErrorCodeInvalidScope, desc)
	}

	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc)
	}

	ErrTemporarilyUnavailable = func(desc string) *Error {
		return NewError(ErrorCodeTemporarilyUnavailable, desc)
	}

	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc)
	}
)

// RedirectError is a protocol error raised after a verified redirect target
// exists. The transport encodes it into the redirect: query string for
// authorization-grant clients, URL fragment for implicit clients.
type RedirectError struct {
	RedirectURI string
	UseFragment bool
	State       string // client's own state, echoed back when present
	Err         *Error
}

// Error implements the error interface.
func (e *RedirectError) Error() string {
	return e.Err.Error()
}

// Unwrap exposes the underlying protocol error.
func (e *RedirectError) Unwrap() error {
	return e.Err
}

// Location builds the redirect URL carrying the encoded error.
func (e *RedirectError) Location() string {
	params := url.Values{}
	params.Set("error", e.Err.Code)
	params.Set("error_description", e.Err.Description)
	if e.State != "" {
		params.Set("state", e.State)
	}
	return appendParams(e.RedirectURI, params, e.UseFragment)
}

// appendParams attaches params to target, either as additional query
// parameters or as the URL fragment.
func appendParams(target string, params url.Values, fragment bool) string {
	u, err := url.Parse(target)
	if err != nil {
		// The redirect was validated against the client registration
		// before this point; refuse to guess on a parse failure.
		return target
	}
	if fragment {
		u.Fragment = params.Encode()
		// Encoded form must stay intact.
		u.RawFragment = params.Encode()
	} else {
		q := u.Query()
		for key, values := range params {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}
