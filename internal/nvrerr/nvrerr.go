// Package nvrerr defines the typed error taxonomy every core component
// propagates instead of ad-hoc wrapped errors.
package nvrerr

import (
	"errors"
	"fmt"
)

// Kind is the coarse error category a caller switches on.
type Kind int

const (
	// KindTransient is recovered locally via reconnect or retry.
	KindTransient Kind = iota
	// KindFatal surfaces to the supervisor and ends the stream.
	KindFatal
	// KindNotFound is returned to callers and never causes a worker exit.
	KindNotFound
	// KindConflict is returned to start/stop API callers.
	KindConflict
	// KindCancelled is always benign.
	KindCancelled
	// KindIO is attached when a filesystem operation fails.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCancelled:
		return "cancelled"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Sub-kinds named in spec.md §7.
type SubKind string

const (
	OpenFailed     SubKind = "open_failed"
	NoVideoTrack   SubKind = "no_video_track"
	ReadError      SubKind = "read_error"
	PacketTimeout  SubKind = "packet_timeout"
	SocketError    SubKind = "socket_error"
	SinkFatal      SubKind = "sink_fatal"
	ConfigInvalid  SubKind = "config_invalid"
	NotFoundStream SubKind = "not_found_stream"
	NotFoundRec    SubKind = "not_found_recording"
	NotFoundSeg    SubKind = "not_found_segment"
	NameInUse      SubKind = "name_in_use"
	AlreadyStopped SubKind = "already_stopping"
	NoCapacity     SubKind = "no_capacity"
	StopTimeout    SubKind = "stop_timeout"
	NoCoverage     SubKind = "no_coverage"
)

// Error is the concrete error value propagated across component boundaries.
type Error struct {
	Kind   Kind
	Sub    SubKind
	Stream string
	Op     string
	Path   string
	cause  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Sub != "" {
		msg += fmt.Sprintf("(%s)", e.Sub)
	}
	if e.Stream != "" {
		msg += fmt.Sprintf(" stream=%s", e.Stream)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" path=%s", e.Path)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match two *Error values by Kind+Sub, the way sentinel
// comparisons are normally done, without requiring identical causes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Sub == t.Sub
}

func new(kind Kind, sub SubKind, op, stream string, cause error) *Error {
	return &Error{Kind: kind, Sub: sub, Op: op, Stream: stream, cause: cause}
}

// Transient builds a Transient error for a given sub-kind.
func Transient(op, stream string, sub SubKind, cause error) *Error {
	return new(KindTransient, sub, op, stream, cause)
}

// Fatal builds a Fatal error.
func Fatal(op, stream string, sub SubKind, cause error) *Error {
	return new(KindFatal, sub, op, stream, cause)
}

// NotFound builds a NotFound error.
func NotFound(op, stream string, sub SubKind) *Error {
	return new(KindNotFound, sub, op, stream, nil)
}

// Conflict builds a Conflict error.
func Conflict(op, stream string, sub SubKind) *Error {
	return new(KindConflict, sub, op, stream, nil)
}

// Cancelled builds a Cancelled error.
func Cancelled(op, stream string) *Error {
	return new(KindCancelled, "", op, stream, nil)
}

// IO builds an Io error carrying the failing path.
func IO(op, path string, cause error) *Error {
	e := new(KindIO, "", op, "", cause)
	e.Path = path
	return e
}

// Retryable reports whether an error is one the caller should retry/reconnect
// on (every Transient kind except the ones explicitly excluded in §4.1:
// SinkFatal and Cancelled are never retryable).
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Kind == KindCancelled {
		return false
	}
	if e.Kind == KindFatal && e.Sub == SinkFatal {
		return false
	}
	return e.Kind == KindTransient
}

// KindOf extracts the Kind of err, defaulting to KindFatal for unknown
// errors so unexpected failures fail closed rather than being silently
// retried forever.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}
