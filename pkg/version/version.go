// Package version holds the symbolic version of this build.
package version

// Version is the symbolic version of the running code. It is overridden at
// build time with -ldflags "-X github.com/m-lab/wsping/pkg/version.Version=...".
var Version = "devel"
