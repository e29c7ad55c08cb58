// Package apperr defines the error taxonomy shared by the intake core:
// every failure that crosses a component boundary is an *Error carrying a
// Kind (how the caller should react) and a Reason (what went wrong, machine
// readable).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how a caller should handle it.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindGuard        Kind = "guard_violation"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "concurrency_conflict"
	KindUnavailable  Kind = "store_unavailable"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindInternal     Kind = "internal"
)

// Reason is a machine-readable cause code.
type Reason string

const (
	ReasonInvalidInput             Reason = "invalid_input"
	ReasonInvalidStage             Reason = "invalid_stage"
	ReasonActiveVisitExists        Reason = "active_visit_exists"
	ReasonNoVisitInStage           Reason = "no_visit_in_stage"
	ReasonTriageAlreadyRecorded    Reason = "triage_already_recorded"
	ReasonDiagnosisAlreadyRecorded Reason = "diagnosis_already_recorded"
	ReasonVisitNotFound            Reason = "visit_not_found"
	ReasonRecordNotFound           Reason = "record_not_found"
	ReasonPatientNotFound          Reason = "patient_not_found"
	ReasonPatientInactive          Reason = "patient_inactive"
	ReasonSerializationFailure     Reason = "serialization_failure"
	ReasonDatabaseUnavailable      Reason = "database_unavailable"
	ReasonRoleNotAllowed           Reason = "role_not_allowed"
	ReasonTokenMissing             Reason = "missing_token"
	ReasonTokenExpired             Reason = "expired"
	ReasonTokenInvalid             Reason = "invalid"
	ReasonUnknownSubject           Reason = "unknown_or_inactive_subject"
)

// Error is the structured error returned by core components.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the whole operation may succeed.
func (e *Error) Retryable() bool { return e.Kind == KindConflict }

// HTTPStatus maps the error kind onto a status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindGuard, KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newErr(kind Kind, reason Reason, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return newErr(KindValidation, ReasonInvalidInput, format, args...)
}

// ValidationFor is Validation with a more specific reason.
func ValidationFor(reason Reason, format string, args ...interface{}) *Error {
	return newErr(KindValidation, reason, format, args...)
}

func Guard(reason Reason, format string, args ...interface{}) *Error {
	return newErr(KindGuard, reason, format, args...)
}

func NotFound(reason Reason, format string, args ...interface{}) *Error {
	return newErr(KindNotFound, reason, format, args...)
}

func Unauthorized(reason Reason, format string, args ...interface{}) *Error {
	return newErr(KindUnauthorized, reason, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return newErr(KindForbidden, ReasonRoleNotAllowed, format, args...)
}

// Conflict wraps a serialization failure reported by the store.
func Conflict(err error) *Error {
	return &Error{
		Kind:    KindConflict,
		Reason:  ReasonSerializationFailure,
		Message: "concurrent update detected, retry the operation",
		Err:     err,
	}
}

// Unavailable wraps a transport or database failure.
func Unavailable(err error) *Error {
	return &Error{
		Kind:    KindUnavailable,
		Reason:  ReasonDatabaseUnavailable,
		Message: "store unavailable",
		Err:     err,
	}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for unstructured errors.
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return KindInternal
}

// ReasonOf returns the reason of err, or "" for unstructured errors.
func ReasonOf(err error) Reason {
	if ae, ok := As(err); ok {
		return ae.Reason
	}
	return ""
}

// Is reports whether err carries the given kind and reason.
func Is(err error, kind Kind, reason Reason) bool {
	ae, ok := As(err)
	return ok && ae.Kind == kind && ae.Reason == reason
}
