package approvals

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable failure reason. The HTTP layer maps
// codes to status classes; callers branch on them to render messages.
type Code string

const (
	CodeProcessNotFound     Code = "PROCESS_NOT_FOUND"
	CodeParticipantNotFound Code = "PARTICIPANT_NOT_FOUND"
	CodeFileNotFound        Code = "FILE_VERSION_NOT_FOUND"

	CodeNotApprover         Code = "NOT_APPROVER"
	CodeParticipantInactive Code = "PARTICIPANT_INACTIVE"

	CodeCycleNotActive       Code = "CYCLE_NOT_ACTIVE"
	CodeFileFinalized        Code = "FILE_FINALIZED"
	CodeAlreadyDecided       Code = "ALREADY_DECIDED"
	CodeCyclesInUse          Code = "CYCLES_IN_USE"
	CodeVersionConflict      Code = "VERSION_CONFLICT"
	CodeParticipantFinalized Code = "PARTICIPANT_FINALIZED"

	CodeReasonRequired Code = "REASON_REQUIRED"
	CodeWrongProcess   Code = "WRONG_PROCESS"
	CodeBadInput       Code = "BAD_INPUT"
)

// Error carries a reason code alongside the message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Errf builds a coded error. Sibling services share the code vocabulary so
// the HTTP layer maps every failure the same way.
func Errf(code Code, format string, args ...any) *Error {
	return errf(code, format, args...)
}

// CodeOf extracts the reason code, or "" for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Conflict reports whether the failure is a state conflict (retryable by the
// caller with different input) rather than bad input.
func (c Code) Conflict() bool {
	switch c {
	case CodeCycleNotActive, CodeFileFinalized, CodeAlreadyDecided, CodeCyclesInUse,
		CodeVersionConflict, CodeParticipantFinalized:
		return true
	}
	return false
}

// NotFound reports whether the failure names a missing entity.
func (c Code) NotFound() bool {
	switch c {
	case CodeProcessNotFound, CodeParticipantNotFound, CodeFileNotFound:
		return true
	}
	return false
}
