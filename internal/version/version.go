// Package version contains the engine version.
package version

// Version is the engine version. This is a semantic version
// compatible with the versions emitted by Measurement Kit.
const Version = "0.1.0"
