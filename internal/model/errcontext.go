package model

//
// Error context preserved across library boundaries
//

// ErrContext describes an error that occurred inside one of the
// libraries we depend on. We preserve the library's own error code,
// name, and version so that consumers of the event stream can tell
// apart, say, a transport error from a JSON processing error.
type ErrContext struct {
	// Code is the library-specific error code. We initialize this field
	// to a nonzero value such that a zero-initialized context cannot be
	// mistaken for success.
	Code int64 `json:"code"`

	// LibraryName is the name of the library that failed.
	LibraryName string `json:"library_name"`

	// LibraryVersion is the version of the library that failed.
	LibraryVersion string `json:"library_version"`

	// Reason is the human readable error string.
	Reason string `json:"reason"`
}
