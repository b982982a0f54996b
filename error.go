package canbus

import (
	"errors"
	"fmt"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct.
// Transports use it to signal that the channel is permanently gone.
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var ue unrecoverableError
	return !errors.As(err, &ue)
}

// IsFatal reports whether err means the transport cannot be used anymore.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !IsRecoverable(err) || errors.Is(err, ErrClosed)
}

var (
	ErrClosed            = errors.New("transport closed")
	ErrNilTransport      = errors.New("transport is nil")
	ErrFDNotSupported    = errors.New("transport does not support CAN FD")
	ErrUnknownTransport  = errors.New("unknown transport")
	ErrSchedulerClosed   = errors.New("scheduler closed")
	ErrTaskStopped       = errors.New("task stopped")
	ErrTaskState         = errors.New("invalid task state")
	ErrTaskMismatch      = errors.New("frames do not match task")
	ErrInvalidPeriod     = errors.New("period must be positive")
	ErrNoFrames          = errors.New("no frames given")
	ErrSubscriberClosed  = errors.New("subscriber closed")
	ErrDroppedFrame      = errors.New("listener queue full")
	ErrAlreadyRegistered = errors.New("already registered")
)

// ValidationReason classifies why a frame was rejected.
type ValidationReason int

const (
	ReasonIDOutOfRange ValidationReason = iota
	ReasonPayloadTooLong
	ReasonInvalidFDLength
	ReasonRemoteWithPayload
	ReasonDLCMismatch
	ReasonFDFlagsOnClassic
	ReasonFlagConflict
)

func (r ValidationReason) String() string {
	switch r {
	case ReasonIDOutOfRange:
		return "identifier out of range"
	case ReasonPayloadTooLong:
		return "payload too long"
	case ReasonInvalidFDLength:
		return "invalid FD length code"
	case ReasonRemoteWithPayload:
		return "remote frame with payload"
	case ReasonDLCMismatch:
		return "dlc does not match payload"
	case ReasonFDFlagsOnClassic:
		return "FD flags on classic frame"
	case ReasonFlagConflict:
		return "conflicting frame flags"
	default:
		return "unknown"
	}
}

// ValidationError is returned when a frame violates the CAN frame rules.
type ValidationError struct {
	Reason ValidationReason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "invalid frame: " + e.Reason.String()
	}
	return fmt.Sprintf("invalid frame: %s: %s", e.Reason, e.Detail)
}

// Is makes errors.Is(err, &ValidationError{Reason: r}) match on reason.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// FilterError is returned by SetFilters for a rule that can never be
// programmed into an acceptance filter.
type FilterError struct {
	Index  int
	Filter Filter
	Detail string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("invalid filter #%d (%s): %s", e.Index, e.Filter, e.Detail)
}

// TransportError wraps an I/O failure at the transport boundary.
type TransportError struct {
	Op      string
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the wrapped error is unrecoverable.
func (e *TransportError) Fatal() bool {
	return IsFatal(e.Err)
}
