// Package atperrors implements the error taxonomy of spec §7: a closed set
// of error kinds shared by every component, mapped consistently to HTTP
// status codes and to the shape the sandbox interpreter surfaces inside a
// catchable program error.
package atperrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy. Kinds are not Go types: a single
// *Error carries a Kind field so callers can switch on it without type
// assertions.
type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "notFound"
	KindBusy               Kind = "busy"
	KindValidation         Kind = "validation"
	KindPolicyBlocked      Kind = "policyBlocked"
	KindRuntime            Kind = "runtime"
	KindExecutionTimeout   Kind = "executionTimeout"
	KindMemoryExceeded     Kind = "memoryExceeded"
	KindCallBudgetExceeded Kind = "callBudgetExceeded"
	KindInfra              Kind = "infra"
	KindInsufficientScope  Kind = "insufficientScope"
)

// Sub-categories surfaced only to clients in the opaque-unauthenticated
// family; kept distinct internally so logs retain the real cause per spec
// §4.B ("All three are surfaced as the same opaque unauthenticated error").
const (
	SubTokenExpired      = "tokenExpired"
	SubSignatureInvalid  = "signatureInvalid"
	SubMalformedToken    = "malformedToken"
)

// Error is the structured error type every ATP component returns. It
// implements error and supports errors.Is/As through Unwrap, mirroring the
// teacher's ToolError chain pattern.
type Error struct {
	Kind    Kind
	Sub     string
	Message string
	// Policy carries the offending policy id when Kind == KindPolicyBlocked.
	Policy string
	// Context carries structured extras (e.g. retry hints, field issues).
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf formats a message for the given kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an arbitrary cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// PolicyBlocked constructs the Kind=policyBlocked error the program observes
// when a Policy Engine `block` action aborts a tool call (spec §7, §4.H).
func PolicyBlocked(policyID, reason string, context map[string]any) *Error {
	return &Error{
		Kind:    KindPolicyBlocked,
		Message: reason,
		Policy:  policyID,
		Context: context,
	}
}

// Opaque collapses any authentication sub-kind into the single
// client-visible unauthenticated error, never revealing which of
// malformed/expired/signature-invalid occurred (spec §4.B, §8 invariant 3).
func Opaque(sub string) *Error {
	return &Error{Kind: KindUnauthenticated, Sub: sub, Message: "unauthenticated"}
}

// KindOf extracts the Kind from err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps a Kind to the status code specified in spec §6/§7.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthenticated:
		return 401
	case KindForbidden, KindInsufficientScope:
		return 403
	case KindNotFound:
		return 404
	case KindBusy:
		return 409
	case KindValidation:
		return 400
	case KindPolicyBlocked, KindRuntime, KindExecutionTimeout, KindMemoryExceeded, KindCallBudgetExceeded:
		// These are surfaced inside a 200 execution result with status=failed,
		// never as a transport-level error (spec §7 "Propagation").
		return 200
	case KindInfra:
		return 503
	default:
		return 500
	}
}

// ProgramError is the shape a tool handler or policy error takes once it
// reaches the sandboxed program's catch block (spec §7 "Propagation").
type ProgramError struct {
	Message string         `json:"message"`
	Policy  string         `json:"policy,omitempty"`
	Code    string         `json:"code,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ToProgramError converts an *Error into the catchable shape. Engine-level
// errors (auth, validation, timeouts) must never reach this conversion;
// callers are responsible for keeping those out of program catch blocks.
func ToProgramError(err error) ProgramError {
	var e *Error
	if !errors.As(err, &e) {
		return ProgramError{Message: err.Error()}
	}
	return ProgramError{
		Message: e.Message,
		Policy:  e.Policy,
		Code:    string(e.Kind),
		Context: e.Context,
	}
}
