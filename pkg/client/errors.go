package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"syscall"
)

// Kind classifies every failure the system can report.
type Kind int

// Error kinds.
const (
	KindProtocol Kind = iota
	KindAuth
	KindNotFound
	KindPermissionDenied
	KindTimeout
	KindUnreachable
	KindQuotaExceeded
	KindConflict
	KindCancelled
	KindFastFail
	KindExpired
	KindInvalid
	KindThrottled
)

var kindNames = map[Kind]string{
	KindProtocol:         "protocol error",
	KindAuth:             "authentication failed",
	KindNotFound:         "not found",
	KindPermissionDenied: "permission denied",
	KindTimeout:          "timeout",
	KindUnreachable:      "unreachable",
	KindQuotaExceeded:    "quota exceeded",
	KindConflict:         "conflict",
	KindCancelled:        "cancelled",
	KindFastFail:         "circuit open",
	KindExpired:          "expired",
	KindInvalid:          "invalid operation",
	KindThrottled:        "throttled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ConflictReason qualifies KindConflict.
type ConflictReason string

// Conflict reasons.
const (
	ConflictExistingFile       ConflictReason = "existing_file"
	ConflictUndoTargetOccupied ConflictReason = "undo_target_occupied"
)

// Error is the typed failure returned by every component.
type Error struct {
	Kind   Kind
	Op     string
	Path   string
	Reason ConflictReason
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += " (" + string(e.Reason) + ")"
	}
	if e.Op != "" || e.Path != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind (and reason, when the sentinel has one).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Path != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// Sentinels usable with errors.Is.
var (
	ErrProtocol           = &Error{Kind: KindProtocol}
	ErrAuth               = &Error{Kind: KindAuth}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrUnreachable        = &Error{Kind: KindUnreachable}
	ErrQuotaExceeded      = &Error{Kind: KindQuotaExceeded}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrExistingFile       = &Error{Kind: KindConflict, Reason: ConflictExistingFile}
	ErrUndoTargetOccupied = &Error{Kind: KindConflict, Reason: ConflictUndoTargetOccupied}
	ErrCancelled          = &Error{Kind: KindCancelled}
	ErrFastFail           = &Error{Kind: KindFastFail}
	ErrExpired            = &Error{Kind: KindExpired}
	ErrInvalid            = &Error{Kind: KindInvalid}
	ErrThrottled          = &Error{Kind: KindThrottled}
	ErrNotConnected       = &Error{Kind: KindUnreachable, Err: errors.New("not connected")}
)

// NewError builds a typed error.
func NewError(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the kind of err, classifying native errors on the way.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nativeKind(err)
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTimeout, KindUnreachable:
		return true
	}
	return false
}

// IsHard reports whether err must never be retried automatically.
func IsHard(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindPermissionDenied:
		return true
	}
	return false
}

// Classify wraps a native error into a typed *Error. Already typed errors
// are returned unchanged.
func Classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	ce := &Error{Kind: nativeKind(err), Op: op, Path: path, Err: err}
	if ce.Kind == KindConflict {
		ce.Reason = ConflictExistingFile
	}
	return ce
}

var unreachableErrnos = []error{
	syscall.EPIPE,
	syscall.ECONNREFUSED,
	syscall.EHOSTDOWN,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.ECONNABORTED,
	syscall.ECONNRESET,
}

func nativeKind(err error) Kind {
	switch {
	case err == nil:
		return KindProtocol
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, syscall.ETIMEDOUT):
		return KindTimeout
	case errors.Is(err, syscall.ENOSPC):
		return KindQuotaExceeded
	case errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, fs.ErrExist):
		return KindConflict
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	for _, e := range unreachableErrnos {
		if errors.Is(err, e) {
			return KindUnreachable
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindUnreachable
	}
	return KindProtocol
}
