// Package perferr defines the error taxonomy shared by the analysis
// pipeline: stream-fatal errors that must stop decoding, and recoverable
// errors that are surfaced to the consumer but do not abort the stream.
package perferr

import "fmt"

// Sentinel marks one of the named failure modes from the error handling
// design. Use errors.Is against the package-level Err* values, or
// errors.As against *Error to recover the code and message.
type Sentinel int

const (
	// BadMagic: perf.data header magic was not recognized.
	BadMagic Sentinel = iota
	// HeaderError: header was present but truncated or malformed.
	HeaderError
	// SignalError: a record could not be decoded (bad size, or a
	// sample-id lookup that requires seeking on a non-seekable source).
	SignalError
	// TimeOrderViolation: an MMAP was applied after a sample that should
	// have observed it already flushed.
	TimeOrderViolation
	// MissingElfFile: a mapped file could not be opened; processing
	// continues with address-only frames.
	MissingElfFile
	// InvalidKallsyms: /proc/kallsyms or its substitute could not be
	// read or parsed.
	InvalidKallsyms
)

func (s Sentinel) String() string {
	switch s {
	case BadMagic:
		return "BadMagic"
	case HeaderError:
		return "HeaderError"
	case SignalError:
		return "SignalError"
	case TimeOrderViolation:
		return "TimeOrderViolation"
	case MissingElfFile:
		return "MissingElfFile"
	case InvalidKallsyms:
		return "InvalidKallsyms"
	default:
		return "Unknown"
	}
}

// Error wraps a Sentinel with context. It implements error and supports
// errors.Is/errors.As against the Sentinel and against a wrapped cause.
type Error struct {
	Code    Sentinel
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, perferr.ErrBadMagic) work by comparing Sentinels,
// since Sentinel is not itself an error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New constructs an *Error for code with a formatted message.
func New(code Sentinel, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error for code, wrapping cause.
func Wrap(code Sentinel, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Sentinel values usable directly with errors.Is.
var (
	ErrBadMagic           = &Error{Code: BadMagic, Message: "bad magic"}
	ErrHeaderError        = &Error{Code: HeaderError, Message: "header error"}
	ErrSignalError        = &Error{Code: SignalError, Message: "signal error"}
	ErrTimeOrderViolation = &Error{Code: TimeOrderViolation, Message: "time order violation"}
	ErrMissingElfFile     = &Error{Code: MissingElfFile, Message: "missing elf file"}
	ErrInvalidKallsyms    = &Error{Code: InvalidKallsyms, Message: "invalid kallsyms"}
)

// ExitCode maps a Sentinel to the CLI exit code documented for the
// driver's external interface.
func (s Sentinel) ExitCode() int {
	switch s {
	case BadMagic:
		return 3
	case HeaderError:
		return 4
	case SignalError:
		return 5
	case TimeOrderViolation:
		return 5
	case MissingElfFile, InvalidKallsyms:
		return 0 // recoverable; stream continues
	default:
		return 5
	}
}
