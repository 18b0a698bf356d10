// Package rideerr holds the caller-visible error taxonomy of the dispatch
// engine. Every rejection carries a stable code and a human-readable reason.
package rideerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindState
	KindConflict
	KindForbidden
	KindNotFound
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so sentinel errors work with errors.Is even after a
// message has been specialised.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrRideNotFound      = newErr(KindNotFound, "RIDE_NOT_FOUND", "ride not found")
	ErrDriverNotFound    = newErr(KindNotFound, "DRIVER_NOT_FOUND", "driver presence not found")
	ErrNotAssignedDriver = newErr(KindForbidden, "NOT_ASSIGNED_DRIVER", "you are not the assigned driver for this ride")
	ErrNotPassenger      = newErr(KindForbidden, "NOT_PASSENGER", "you are not a passenger on this ride")
	ErrNotRideParty      = newErr(KindForbidden, "FORBIDDEN", "you are not a participant of this ride")

	ErrActiveRideConflict  = newErr(KindConflict, "ACTIVE_RIDE_CONFLICT", "you already have an active ride")
	ErrNoDriversAvailable  = newErr(KindConflict, "NO_DRIVERS_AVAILABLE", "there are currently no active drivers")
	ErrDriverBusy          = newErr(KindConflict, "DRIVER_BUSY", "the assigned driver is still busy with another ride")
	ErrUserBlocked         = newErr(KindForbidden, "USER_BLOCKED", "your account is blocked from ordering rides")
	ErrInvalidScheduleTime = newErr(KindValidation, "INVALID_SCHEDULE_TIME", "scheduled time must be in the future and at most 5 hours ahead")

	ErrInvalidState     = newErr(KindState, "INVALID_STATE", "the ride is not in a state that allows this action")
	ErrNotInProgress    = newErr(KindState, "INVALID_STATE", "only in-progress rides can be stopped")
	ErrNotStartable     = newErr(KindState, "INVALID_STATE", "only accepted or scheduled rides can be started")
	ErrNotCompletable   = newErr(KindState, "INVALID_STATE", "only in-progress rides can be completed")
	ErrAlreadyFinished  = newErr(KindState, "INVALID_STATE", "the ride is already finished")
	ErrNotTrackable     = newErr(KindState, "INVALID_STATE", "location can only be reported for rides in progress")
	ErrLockTimeout      = newErr(KindUnavailable, "LOCK_TIMEOUT", "the resource is busy, please retry")
	ErrTrackingDegraded = newErr(KindUnavailable, "TRACKING_UNAVAILABLE", "live tracking is temporarily unavailable")
)

// Validation builds a field-scoped validation error.
func Validation(field, msg string) *Error {
	return &Error{Kind: KindValidation, Code: "VALIDATION_FAILED", Message: fmt.Sprintf("%s: %s", field, msg)}
}

// Internal wraps an infrastructure failure. The message never leaks err.
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL", Message: "internal error, please retry", Err: fmt.Errorf("%s: %w", op, err)}
}

// From returns err as *Error, wrapping unknown errors as internal.
func From(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(op, err)
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
