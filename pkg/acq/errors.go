package acq

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("acq: worker already running")
)

// ErrorKind classifies failures reported by the Worker.
type ErrorKind int

const (
	// OpenFailure: the device could not be opened. The start attempt is abandoned.
	OpenFailure ErrorKind = iota + 1
	// StartSequenceFailure: a write of the start sequence failed. The handle is released.
	StartSequenceFailure
	// StopSequenceFailure: a write of the stop sequence failed. Stop still completes.
	StopSequenceFailure
	// PollReadFailure: one poll tick could not read. Acquisition continues.
	PollReadFailure
	// ReadFailureEscalation: too many consecutive poll failures; the worker stops itself.
	ReadFailureEscalation
)

func (k ErrorKind) String() string {
	switch k {
	case OpenFailure:
		return "open failed"
	case StartSequenceFailure:
		return "start sequence failed"
	case StopSequenceFailure:
		return "stop sequence failed"
	case PollReadFailure:
		return "read failed"
	case ReadFailureEscalation:
		return "too many read failures"
	default:
		return "unknown error"
	}
}

// Fatal reports whether the failure ends (or prevents) the acquisition session.
func (k ErrorKind) Fatal() bool {
	switch k {
	case OpenFailure, StartSequenceFailure, ReadFailureEscalation:
		return true
	default:
		return false
	}
}

// Error is what the Worker reports to its Consumer, as a message, and returns from lifecycle calls.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
