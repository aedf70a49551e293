// Package version carries the build version, overridden at link time with
// -ldflags "-X fmtmgo/pkg/version.Version=...".
package version

// Version is the current release.
var Version = "v0.4.0"
