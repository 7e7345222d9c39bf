// Package platform returns the platform name. The name returned here
// is compatible with the names returned by Measurement Kit.
package platform

import "runtime"

// Name returns the platform name. The returned value is one of:
//
// 1. "android"
//
// 2. "ios"
//
// 3. "linux"
//
// 4. "macos"
//
// 5. "windows"
//
// 6. "unknown"
//
// The android, ios, linux, macos, windows, and unknown strings are
// also returned by Measurement Kit.
func Name() string {
	return name(runtime.GOOS)
}

// name is a utility function for implementing Name.
func name(goos string) string {
	// Note: since go1.16 we have the ios port, so the ambiguity
	// between ios and darwin is now gone.
	//
	// See https://golang.org/doc/go1.16#darwin
	switch goos {
	case "android", "linux", "windows", "ios":
		return goos
	case "darwin":
		return "macos"
	}
	return "unknown"
}
