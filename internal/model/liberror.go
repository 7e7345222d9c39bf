package model

//
// Mapping Go errors to wire-visible error contexts
//

import (
	"errors"
	"runtime"
)

// LibraryError wraps an error along with information about the
// library where the error originated. The runner uses this wrapper
// to fill the library_error_context of failure events.
type LibraryError struct {
	// Code is the library-specific error code.
	Code int64

	// LibraryName is the name of the library.
	LibraryName string

	// LibraryVersion is the version of the library.
	LibraryVersion string

	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *LibraryError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *LibraryError) Unwrap() error {
	return e.Err
}

// NewLibraryError wraps err attributing it to the given library. The
// code is set to one, a nonzero value that cannot be mistaken for
// success, like in Measurement Kit.
func NewLibraryError(libraryName string, err error) *LibraryError {
	return &LibraryError{
		Code:           1,
		LibraryName:    libraryName,
		LibraryVersion: runtime.Version(),
		Err:            err,
	}
}

// NewErrContext creates the wire representation of err. When err is a
// LibraryError we preserve the original library's code, name, and
// version, otherwise we attribute the error to this engine.
func NewErrContext(engineName, engineVersion string, err error) ErrContext {
	var le *LibraryError
	if errors.As(err, &le) {
		return ErrContext{
			Code:           le.Code,
			LibraryName:    le.LibraryName,
			LibraryVersion: le.LibraryVersion,
			Reason:         le.Err.Error(),
		}
	}
	return ErrContext{
		Code:           1,
		LibraryName:    engineName,
		LibraryVersion: engineVersion,
		Reason:         err.Error(),
	}
}
