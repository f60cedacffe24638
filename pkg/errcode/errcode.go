// Package errcode defines the stable error vocabulary of the execution
// gateway. Every failure that crosses a pipeline-stage boundary is normalized
// to an *Error carrying a Code from this package, so callers always see the
// same closed set of codes regardless of which connector or store produced
// the underlying fault.
package errcode

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Code is a stable, caller-visible error code.
type Code string

// Schema / admission codes (rejected before any side effect).
const (
	CodeSchemaInvalid        Code = "EXECUTION_SCHEMA_INVALID"
	CodeUnsupportedVersion   Code = "EXECUTION_UNSUPPORTED_VERSION"
	CodeUnsupportedOperation Code = "EXECUTION_UNSUPPORTED_OPERATION"
	CodeInFlight             Code = "EXECUTION_IN_FLIGHT"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeBreakerOpen          Code = "CIRCUIT_BREAKER_OPEN"
	CodePolicyDenied         Code = "POLICY_DENIED"
	CodeProtocolUnsupported  Code = "PROTOCOL_UNSUPPORTED"
)

// A2A perimeter codes (rejected before policy, idempotency, connectors).
const (
	CodeAuthRequired       Code = "A2A_AUTH_REQUIRED"
	CodeSchemeUnsupported  Code = "A2A_SCHEME_UNSUPPORTED"
	CodeKeyUnknown         Code = "A2A_KEY_UNKNOWN"
	CodeSignatureInvalid   Code = "A2A_SIGNATURE_INVALID"
	CodeNonceReplay        Code = "A2A_NONCE_REPLAY"
	CodeTimestampWindow    Code = "A2A_TIMESTAMP_WINDOW_EXCEEDED"
	CodeTimestampDrift     Code = "A2A_TIMESTAMP_DRIFT_EXCEEDED"
)

// Infrastructure codes.
const (
	CodeStoreFailure Code = "STORE_FAILURE"
	CodeLockTimeout  Code = "LOCK_TIMEOUT"
	CodeUnknown      Code = "UNKNOWN"
)

// Connector-family code suffixes. Family codes are constructed as
// <FAMILY>_<SUFFIX>, e.g. BRIDGE_ROUTE_NOT_SUPPORTED.
const (
	SuffixPreflightFailed   = "PREFLIGHT_FAILED"
	SuffixExecutionFailed   = "EXECUTION_FAILED"
	SuffixHTTPError         = "HTTP_ERROR"
	SuffixRouteNotSupported = "ROUTE_NOT_SUPPORTED"
)

// FamilyCode builds a connector-family-prefixed code.
func FamilyCode(family, suffix string) Code {
	return Code(strings.ToUpper(family) + "_" + suffix)
}

// Error is the tagged error type used throughout the gateway. It carries the
// stable {code, message, details} triple that is surfaced verbatim to callers
// and written to the audit log.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	// Retryable marks transient infrastructure faults eligible for the
	// bounded retry loop at the connector boundary.
	Retryable bool `json:"-"`

	cause error
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error. The cause is preserved for
// errors.Is/As chains but never serialized to callers.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetail returns e with an added detail field. The receiver is returned
// to allow chaining during construction; Error values must not be mutated
// after they have been handed to another component.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// AsRetryable marks the error as a transient fault.
func (e *Error) AsRetryable() *Error {
	e.Retryable = true
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on code so callers can use errors.Is with sentinel errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func asError(err error) (*Error, bool) {
	var target *Error
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// From normalizes any error to an *Error. Foreign errors (a connector
// returning a bare fmt.Errorf, a driver error leaking through) are wrapped
// with CodeUnknown so callers always observe the stable vocabulary.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := asError(err); ok {
		return e
	}
	return Wrap(CodeUnknown, err, err.Error())
}

// CodeOf returns the code of err, or CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	if e, ok := asError(err); ok {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether err is a transient fault.
func IsRetryable(err error) bool {
	if e, ok := asError(err); ok {
		return e.Retryable
	}
	return false
}

// Normalize is From with a connector-family context: foreign errors become
// <FAMILY>_EXECUTION_FAILED instead of CodeUnknown.
func Normalize(family string, err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := asError(err); ok {
		return e
	}
	return Wrap(FamilyCode(family, SuffixExecutionFailed), err, err.Error())
}
