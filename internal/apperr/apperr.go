// Package apperr defines the error kinds surfaced by the face search core.
// Kinds are transport-neutral; the web layer maps them to status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind string

// Input errors.
const (
	KindInvalidInput     Kind = "INVALID_INPUT"
	KindFileTooLarge     Kind = "FILE_TOO_LARGE"
	KindInvalidFileType  Kind = "INVALID_FILE_TYPE"
	KindInvalidSessionID Kind = "INVALID_SESSION_ID"
	KindInvalidThreshold Kind = "INVALID_THRESHOLD"
)

// Resource errors.
const (
	KindRateLimitExceeded Kind = "RATE_LIMIT_EXCEEDED"
	KindSessionNotFound   Kind = "SESSION_NOT_FOUND"
	KindSessionExpired    Kind = "SESSION_EXPIRED"
)

// Pipeline and component errors.
const (
	KindNoFaceDetected      Kind = "NO_FACE_DETECTED"
	KindDetectorUnavailable Kind = "DETECTOR_UNAVAILABLE"
	KindInvalidImage        Kind = "INVALID_IMAGE"
	KindDimMismatch         Kind = "DIM_MISMATCH"
	KindSSRFBlocked         Kind = "SSRF_BLOCKED"
	KindSessionClosed       Kind = "SESSION_CLOSED"
	KindUpstreamFailed      Kind = "UPSTREAM_FAILED"
	KindInternal            Kind = "INTERNAL_ERROR"
)

// genericMessage is the only text ever emitted for internal errors.
const genericMessage = "an internal error occurred"

// Error is a classified error. Message is safe to show to callers; Err holds
// the internal cause and is never serialized.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, apperr.New(kind, ""))
// works without comparing messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New creates a classified error with a caller-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Public returns the kind and message that may leave the process.
// Internal errors collapse into a single generic message.
func Public(err error) (Kind, string) {
	kind := KindOf(err)
	if kind == KindInternal {
		return kind, genericMessage
	}
	var e *Error
	errors.As(err, &e)
	if e.Message == "" {
		return kind, string(kind)
	}
	return kind, e.Message
}
