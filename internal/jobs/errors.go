package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// StoppedByUserMessage prefixes the error of a job stopped on request. It is
// not a failure and must not be reported as one.
const StoppedByUserMessage = "stopped by user"

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAlreadyRunning
	KindAborted
	KindProvider
	KindNoConfig
	KindNotFound
	KindInvalidState
	KindBusy
)

func (k ErrorKind) String() string {
	switch k {
	case KindAlreadyRunning:
		return "AlreadyRunning"
	case KindAborted:
		return "Aborted"
	case KindProvider:
		return "Provider"
	case KindNoConfig:
		return "NoConfig"
	case KindNotFound:
		return "NotFound"
	case KindInvalidState:
		return "InvalidState"
	case KindBusy:
		return "Busy"
	default:
		return "Unknown"
	}
}

type Error struct {
	Kind     ErrorKind
	Message  string
	VideoKey string
	Cause    error
	// Partial is the text committed before the run ended, if any.
	Partial string
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func NewErrorWithCause(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewAlreadyRunningError reports that videoKey occupies the executor.
func NewAlreadyRunningError(videoKey string) *Error {
	return &Error{
		Kind:     KindAlreadyRunning,
		Message:  fmt.Sprintf("a translation is already running for %s", videoKey),
		VideoKey: videoKey,
	}
}

func newAbortedError(videoKey, partial string) *Error {
	return &Error{
		Kind:     KindAborted,
		Message:  StoppedByUserMessage,
		VideoKey: videoKey,
		Partial:  partial,
	}
}

// Error starts with Message so prefix checks on the text keep working.
func (e *Error) Error() string {
	parts := []string{e.Message}
	if e.Cause != nil && e.Cause.Error() != e.Message {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithVideoKey(videoKey string) *Error {
	e.VideoKey = videoKey
	return e
}

func IsKind(err error, kind ErrorKind) bool {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Kind == kind
	}
	return false
}

// IsAborted reports whether err is a user stop rather than a failure.
func IsAborted(err error) bool {
	if err == nil {
		return false
	}
	return IsKind(err, KindAborted) || IsUserStopMessage(err.Error())
}

func IsUserStopMessage(message string) bool {
	return strings.HasPrefix(strings.TrimSpace(message), StoppedByUserMessage)
}
