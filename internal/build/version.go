package build

import "runtime"

// version follows semantic versioning and is stamped at release time.
const version = "0.1.0"

// GoVersion is the Go toolchain the binary was built with.
var GoVersion = runtime.Version()

// Version returns the daemon's semantic version string.
func Version() string {
	return version
}
