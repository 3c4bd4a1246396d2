package provider

import (
	"errors"
	"net/http"
)

// Code classifies a failure into one of the categories the router reasons about.
type Code string

const (
	CodeTimeout     Code = "timeout"
	CodeQuota       Code = "quota"
	CodeAuth        Code = "auth"
	CodeUnavailable Code = "unavailable"
	CodeValidation  Code = "validation"
	CodeUnknown     Code = "unknown"
)

// DefaultRetryable reports whether failures with this code are worth a failover attempt.
func (c Code) DefaultRetryable() bool {
	switch c {
	case CodeTimeout, CodeUnavailable, CodeQuota:
		return true
	default:
		return false
	}
}

// Error describes a provider failure in a provider agnostic format.
type Error struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	Retryable  bool   `json:"retryable"`
	HTTPStatus int    `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Code != "" {
		msg = string(e.Code) + ": " + msg
	}
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	return msg
}

// StatusCode returns the upstream HTTP status when one was observed.
func (e *Error) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.HTTPStatus
}

// HTTPStatusCode maps the error code to the status a caller-facing API should return.
func (e *Error) HTTPStatusCode() int {
	if e == nil {
		return http.StatusOK
	}
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeQuota:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// Classify builds an Error whose retryability follows the code default.
func Classify(message string, code Code, providerID string) *Error {
	if code == "" {
		code = CodeUnknown
	}
	return &Error{
		Code:      code,
		Message:   message,
		Provider:  providerID,
		Retryable: code.DefaultRetryable(),
	}
}

// ClassifyRetryable builds an Error with an explicit retryability override.
func ClassifyRetryable(message string, code Code, providerID string, retryable bool) *Error {
	err := Classify(message, code, providerID)
	err.Retryable = retryable
	return err
}

// ClassifyHTTP builds an Error from an upstream status code and response body.
func ClassifyHTTP(status int, body, providerID string) *Error {
	err := Classify(body, CodeFromHTTPStatus(status), providerID)
	err.HTTPStatus = status
	return err
}

// ErrUnsupported reports that a provider does not implement an operation.
func ErrUnsupported(providerID, op string) *Error {
	return Classify("operation not supported by this provider: "+op, CodeValidation, providerID)
}

// IsRetryable reports whether err carries a retryable classification.
// Errors that are not *Error are never retryable.
func IsRetryable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) && perr != nil {
		return perr.Retryable
	}
	return false
}

// CodeOf extracts the classification code, defaulting to CodeUnknown.
func CodeOf(err error) Code {
	var perr *Error
	if errors.As(err, &perr) && perr != nil {
		return perr.Code
	}
	return CodeUnknown
}

// CodeFromHTTPStatus maps an upstream status to an error code. Unmapped 4xx
// statuses, 429 included, are unknown and therefore never failed over.
func CodeFromHTTPStatus(status int) Code {
	switch {
	case status == http.StatusUnauthorized:
		return CodeAuth
	case status >= http.StatusInternalServerError:
		return CodeUnavailable
	default:
		return CodeUnknown
	}
}
