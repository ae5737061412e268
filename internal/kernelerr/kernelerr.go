// Package kernelerr defines the closed set of error kinds spec.md §7
// enumerates, in the spirit of BiscuitOS's common.Err_t: a small signed
// code any layer can compare against, instead of ad-hoc sentinel errors.
package kernelerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is one of the named, recoverable error kinds from spec.md §7.
// Invariant violations ("should be unreachable") are not Codes: they panic
// via klog.Panic instead.
type Code int

const (
	_ Code = iota
	// Invariant/parameter errors.
	ErrNullPointer
	ErrOutOfResources
	ErrNotImplemented
	ErrBadParameter
	ErrOperationNotAllowed
	ErrBadAlignment
	ErrNotCompatible
	// Memory.
	ErrPageNotPresent
	ErrMemoryAlreadyMapped
	ErrMemoryAlreadyUnmapped
	// Interrupt/IRQ.
	ErrBadVector
	ErrVectorNotFree
	ErrAlreadyRegistered
	ErrNotRegistered
	ErrNoFreeVectors
	// I/O and RP.
	ErrFileNotFound
	ErrFileAlreadyExists
	ErrIllegalName
	ErrRPNotCancellable
	ErrRPProcessingFailed
	ErrRPCodeUnknown
	ErrReadIncomplete
	ErrWriteIncomplete
	ErrFileBroken
	// Database.
	ErrDatabaseBroken
	ErrDatabaseEntryNotFound
)

var names = map[Code]string{
	ErrNullPointer:           "null pointer given",
	ErrOutOfResources:        "out of resources",
	ErrNotImplemented:        "not implemented",
	ErrBadParameter:          "bad parameter",
	ErrOperationNotAllowed:   "operation not allowed",
	ErrBadAlignment:          "bad alignment",
	ErrNotCompatible:         "not compatible",
	ErrPageNotPresent:        "page not present",
	ErrMemoryAlreadyMapped:   "memory already mapped",
	ErrMemoryAlreadyUnmapped: "memory already unmapped",
	ErrBadVector:             "bad vector",
	ErrVectorNotFree:         "vector not free",
	ErrAlreadyRegistered:     "already registered",
	ErrNotRegistered:         "not registered",
	ErrNoFreeVectors:         "no free vectors",
	ErrFileNotFound:          "file not found",
	ErrFileAlreadyExists:     "file already exists",
	ErrIllegalName:           "illegal name",
	ErrRPNotCancellable:      "RP not cancellable",
	ErrRPProcessingFailed:    "RP processing failed",
	ErrRPCodeUnknown:         "RP code unknown",
	ErrReadIncomplete:        "read incomplete",
	ErrWriteIncomplete:       "write incomplete",
	ErrFileBroken:            "file broken",
	ErrDatabaseBroken:        "database broken",
	ErrDatabaseEntryNotFound: "database entry not found",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("kernelerr.Code(%d)", int(c))
}

// Error wraps a Code with optional context, implementing the error
// interface so standard error-handling code (errors.Is/As) keeps working.
type Error struct {
	Code Code
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.Code.String() + ": " + e.err.Error()
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.err }

// Is reports whether target is a kernelerr.Error (or *Error) carrying the
// same Code, so callers can do errors.Is(err, kernelerr.New(ErrFileBroken)).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// New returns a bare Error for Code, with no wrapped cause.
func New(c Code) *Error {
	return &Error{Code: c}
}

// Wrap annotates cause with Code and a stack trace captured at the call
// site, for errors surfaced at a recoverable boundary (driver load,
// NablaDB parse, RP dispatch) where a caller debugging a field report needs
// more than the bare code.
func Wrap(c Code, cause error, msgAndArgs ...interface{}) *Error {
	msg := c.String()
	if len(msgAndArgs) > 0 {
		if format, ok := msgAndArgs[0].(string); ok {
			msg = fmt.Sprintf(format, msgAndArgs[1:]...)
		}
	}
	return &Error{Code: c, err: errors.Wrap(cause, msg)}
}
