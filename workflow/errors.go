package workflow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by lifecycle and planning operations.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindForbidden  ErrorKind = "forbidden"
	KindTimeout    ErrorKind = "timeout"
	KindTransport  ErrorKind = "transport"
)

// Conflict reasons.
const (
	ReasonAlreadyStarted       = "already_started"
	ReasonOrchestratorConflict = "orchestrator_conflict"
	ReasonAlreadyComplete      = "already_complete"
	ReasonNotStarted           = "not_started"
	ReasonRoundLimit           = "round_limit"
	ReasonReplyPending         = "reply_pending"
	ReasonNothingPending       = "nothing_pending"
)

// Error is the typed error returned by lifecycle, planning and gateway code.
// Callers branch on Kind (and Reason for conflicts) via IsKind / IsConflict.
type Error struct {
	Kind    ErrorKind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Reason != "" {
		msg = e.Reason + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ValidationError reports a malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// NewNotFound reports a missing task or agent.
func NewNotFound(entity, id string) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", entity, id)}
}

// NewConflict reports an operation that is illegal in the current state.
func NewConflict(reason, message string) error {
	return &Error{Kind: KindConflict, Reason: reason, Message: message}
}

// NewForbidden reports an unauthorized transition.
func NewForbidden(message string) error {
	return &Error{Kind: KindForbidden, Message: message}
}

// NewTimeout reports that no reply arrived before the deadline.
func NewTimeout(message string, err error) error {
	return &Error{Kind: KindTimeout, Message: message, Err: err}
}

// NewTransportError reports a failed call to the agent runtime.
func NewTransportError(message string, err error) error {
	return &Error{Kind: KindTransport, Message: message, Err: err}
}

// KindOf returns the classification of err, or "" when err is not a
// workflow error. Validation errors report KindValidation.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return KindValidation
	}
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return ""
}

// IsKind reports whether err is a workflow error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsConflict reports whether err is a conflict with the given reason.
func IsConflict(err error, reason string) bool {
	var werr *Error
	if !errors.As(err, &werr) {
		return false
	}
	return werr.Kind == KindConflict && werr.Reason == reason
}
