package seomatic

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates the reasons a resolution attempt can fail. None are retried.
type ErrorCode string

const (
	// ErrorClientUnavailable indicates no GraphQL client was injected.
	ErrorClientUnavailable ErrorCode = "client_unavailable"
	// ErrorMissingBackendURL indicates Config.BackendURL is empty.
	ErrorMissingBackendURL ErrorCode = "missing_backend_url"
	// ErrorMissingGraphQLPath indicates Config.GraphQLPath is empty.
	ErrorMissingGraphQLPath ErrorCode = "missing_graphql_path"
	// ErrorBackendAuth indicates the CMS rejected the credentials with HTTP 403.
	ErrorBackendAuth ErrorCode = "backend_auth_error"
	// ErrorBackendRequest covers every other transport or status failure.
	ErrorBackendRequest ErrorCode = "backend_request_error"
	// ErrorEmptyBackendResponse indicates the CMS answered without seomatic data.
	ErrorEmptyBackendResponse ErrorCode = "empty_backend_response"
	// ErrorBackendQuery indicates the CMS reported GraphQL errors and no data.
	ErrorBackendQuery ErrorCode = "backend_query_error"
	// ErrorMalformedBackendResponse indicates the envelope or a container was not valid JSON.
	ErrorMalformedBackendResponse ErrorCode = "malformed_backend_response"
)

// Error wraps resolution failures with a machine readable code.
type Error struct {
	Op      string
	Code    ErrorCode
	Route   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, route, message string, err error) *Error {
	return &Error{
		Op:      "seomatic",
		Code:    code,
		Route:   route,
		Message: message,
		Err:     err,
	}
}

// CodeOf extracts the ErrorCode carried by err, or "" when err is not a resolution error.
func CodeOf(err error) ErrorCode {
	var resolveErr *Error
	if errors.As(err, &resolveErr) && resolveErr != nil {
		return resolveErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
