// Package errs defines the structured error taxonomy of spec §7: every
// error that crosses an action, HTTP, or SSE boundary carries a stable
// machine Code, an HTTP Status, a Retriable hint, and the CorrID of the
// request/action it happened on.
//
// This generalizes the teacher's runtime/agent/toolerrors.ToolError (a
// chained {Message, Cause} error usable with errors.Is/As) into the
// richer envelope spec §7 and §6 require for application/problem+json
// responses and actions.failed{code} journal records.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code (spec §7/§6), e.g.
// "schema-invalid", "queue-overflow", "lease-missing".
type Code string

const (
	CodeSchemaInvalid     Code = "schema-invalid"
	CodeUnknownKind       Code = "unknown-kind"
	CodeUnknownCapability Code = "unknown-capability"
	CodePolicyDenied      Code = "policy-denied"
	CodeLeaseMissing      Code = "lease-missing"
	CodeLeaseExpired      Code = "lease-expired"
	CodeQuotaExhausted    Code = "quota-exhausted"
	CodeCapsuleRequired   Code = "capsule-required"
	CodeQueueOverflow     Code = "queue-overflow"
	CodeDuplicateIdem     Code = "duplicate-idempotent"
	CodeDiskInsufficient  Code = "disk-insufficient"
	CodeTimeout           Code = "timeout"
	CodeToolInternal      Code = "tool-internal"
	CodeUpstreamStatus    Code = "upstream-http-status"
	CodeCanceledByUser    Code = "canceled-by-user"
	CodeShutdown          Code = "shutdown"
	CodeJournalWriteFail  Code = "journal-write-failed"
	CodeJournalCorrupt    Code = "journal-corrupt"
	CodeBusOverflow       Code = "bus-overflow"
	CodeDeniedByPosture   Code = "denied-by-posture"
	CodeDNSGuard          Code = "dns-guard"
	CodeIPLiteralBlocked  Code = "ip-literal-blocked"
	CodeHostNotAllowed    Code = "host-not-allowed"
	CodeNotFound          Code = "not-found"
	CodeBudgetExhausted   Code = "budget-exhausted"
	CodeCrashRestart      Code = "crash-restart"
	CodeSchemaUnknown     Code = "schema-unknown"
)

// Error is a structured runtime error. It preserves a cause chain via
// errors.Is/As (like the teacher's ToolError) while adding the fields
// spec §7 requires on every surfaced failure.
type Error struct {
	// Code is the stable machine hint.
	Code Code
	// Status is the HTTP status to render this as, when surfaced over HTTP.
	Status int
	// Message is the human-readable detail.
	Message string
	// Retriable reports whether the caller/worker may retry unchanged.
	Retriable bool
	// CorrID is the correlation id of the request/action this occurred on.
	CorrID string
	// Cause chains to an underlying error.
	Cause error
}

// New constructs an Error with the given code, status, and message.
func New(code Code, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap constructs an Error that chains to cause.
func Wrap(code Code, status int, cause error) *Error {
	if cause == nil {
		return New(code, status, string(code))
	}
	return &Error{Code: code, Status: status, Message: cause.Error(), Cause: cause}
}

// WithCorrID returns a copy of e with CorrID set.
func (e *Error) WithCorrID(corrID string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.CorrID = corrID
	return &cp
}

// WithRetriable returns a copy of e with Retriable set.
func (e *Error) WithRetriable(retriable bool) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Retriable = retriable
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// As reports whether err is (or wraps) an *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf extracts the Code of err, defaulting to CodeToolInternal when err
// does not carry a structured Code.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeToolInternal
}

// defaultStatusByCode maps codes that are synchronously surfaced over HTTP
// (validation/admission errors per spec §7) to their default status.
var defaultStatusByCode = map[Code]int{
	CodeSchemaInvalid:     http.StatusBadRequest,
	CodeUnknownKind:       http.StatusBadRequest,
	CodeUnknownCapability: http.StatusBadRequest,
	CodePolicyDenied:      http.StatusForbidden,
	CodeLeaseMissing:      http.StatusForbidden,
	CodeLeaseExpired:      http.StatusForbidden,
	CodeQuotaExhausted:    http.StatusTooManyRequests,
	CodeCapsuleRequired:   http.StatusForbidden,
	CodeQueueOverflow:     http.StatusServiceUnavailable,
	CodeDuplicateIdem:     http.StatusConflict,
	CodeDiskInsufficient:  http.StatusInsufficientStorage,
	CodeTimeout:           http.StatusGatewayTimeout,
	CodeNotFound:          http.StatusNotFound,
	CodeDeniedByPosture:   http.StatusForbidden,
	CodeSchemaUnknown:     http.StatusBadRequest,
}

// StatusFor returns the conventional HTTP status for code.
func StatusFor(code Code) int {
	if s, ok := defaultStatusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}
