package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so it can cross the control protocol as a
// plain string and still drive retry decisions on the other side.
type Kind string

const (
	InvalidDag      Kind = "InvalidDag"
	InputNotFound   Kind = "InputNotFound"
	ReaderError     Kind = "ReaderError"
	UnknownFunction Kind = "UnknownFunction"
	TypeError       Kind = "TypeError"
	MissingKey      Kind = "MissingKey"
	IoError         Kind = "IoError"
	FetchFailed     Kind = "FetchFailed"
	Timeout         Kind = "Timeout"
	Cancelled       Kind = "Cancelled"
)

type Fault struct {
	Kind    Kind
	Message string
	cause   error
}

func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error, keeping it reachable
// through errors.Unwrap.
func Wrap(kind Kind, err error, format string, args ...any) *Fault {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &Fault{Kind: kind, Message: msg, cause: err}
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.cause
}

// KindOf extracts the kind of err, or IoError when err carries none.
// A nil err has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return IoError
}

// Retryable reports whether the worker should re-attempt the failing
// step itself before escalating to the master. Operator-level faults
// are deterministic and never retried locally.
func Retryable(err error) bool {
	switch KindOf(err) {
	case IoError, FetchFailed:
		return true
	default:
		return false
	}
}
