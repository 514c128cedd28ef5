package calicodb

import "fmt"

// Code is the closed taxonomy of status kinds described in spec §7.
// Status/error plumbing is an external-collaborator concern per spec §1;
// this is deliberately the thinnest viable implementation — a tagged
// code plus message, not a full error-chain framework.
type Code int

const (
	CodeOK Code = iota
	CodeInvalidArgument
	CodeIOError
	CodeNotSupported
	CodeCorruption
	CodeNotFound
	CodeBusy
	CodeAborted
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeIOError:
		return "io_error"
	case CodeNotSupported:
		return "not_supported"
	case CodeCorruption:
		return "corruption"
	case CodeNotFound:
		return "not_found"
	case CodeBusy:
		return "busy"
	case CodeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// AbortedKind distinguishes the two aborted sub-kinds from spec §7.
type AbortedKind int

const (
	AbortedNone AbortedKind = iota
	AbortedRetry
	AbortedNoMemory
)

// Status is CalicoDB's error type: every fallible core operation returns
// one (wrapped in the standard `error` interface, nil meaning ok).
type Status struct {
	Code    Code
	Aborted AbortedKind
	Message string
}

func (s *Status) Error() string {
	if s == nil {
		return "ok"
	}
	if s.Message == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// Is lets errors.Is(err, calicodb.ErrBusy) match any *Status with the
// same Code, regardless of Message.
func (s *Status) Is(target error) bool {
	t, ok := target.(*Status)
	if !ok || s == nil {
		return false
	}
	if s.Code != t.Code {
		return false
	}
	if t.Aborted != AbortedNone && t.Aborted != s.Aborted {
		return false
	}
	return true
}

func newStatus(code Code, format string, args ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidArgument reports a bad-parameter error (empty key, bucket-name
// collision with create+error_if_exists, out-of-range page size, ...).
func InvalidArgument(format string, args ...any) error {
	return newStatus(CodeInvalidArgument, format, args...)
}

// IOError reports a failed Env operation.
func IOError(format string, args ...any) error {
	return newStatus(CodeIOError, format, args...)
}

// NotSupported reports an operation attempted in the wrong Pager/Tx state.
func NotSupported(format string, args ...any) error {
	return newStatus(CodeNotSupported, format, args...)
}

// CorruptionError reports a structural invariant or checksum violation.
func CorruptionError(format string, args ...any) error {
	return newStatus(CodeCorruption, format, args...)
}

// NotFound reports a missing key on a value query.
func NotFound(format string, args ...any) error {
	return newStatus(CodeNotFound, format, args...)
}

// Busy reports that a required lock is held by another connection; the
// caller may legally retry after back-off.
func Busy(format string, args ...any) error {
	return newStatus(CodeBusy, format, args...)
}

// Retry is the transient Aborted sub-kind, semantically the same as Busy.
func Retry(format string, args ...any) error {
	s := newStatus(CodeAborted, format, args...)
	s.Aborted = AbortedRetry
	return s
}

// NoMemory is the allocation-failed Aborted sub-kind.
func NoMemory(format string, args ...any) error {
	s := newStatus(CodeAborted, format, args...)
	s.Aborted = AbortedNoMemory
	return s
}

// Sentinel values for errors.Is comparisons against a Code irrespective
// of message text.
var (
	ErrInvalidArgument = &Status{Code: CodeInvalidArgument}
	ErrIOError         = &Status{Code: CodeIOError}
	ErrNotSupported    = &Status{Code: CodeNotSupported}
	ErrCorruption      = &Status{Code: CodeCorruption}
	ErrNotFound        = &Status{Code: CodeNotFound}
	ErrBusy            = &Status{Code: CodeBusy}
	ErrRetry           = &Status{Code: CodeAborted, Aborted: AbortedRetry}
	ErrNoMemory        = &Status{Code: CodeAborted, Aborted: AbortedNoMemory}
)

// IsCode reports whether err is a *Status with the given code.
func IsCode(err error, code Code) bool {
	s, ok := err.(*Status)
	return ok && s != nil && s.Code == code
}
