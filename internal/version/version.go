// Package version holds build information injected with -ldflags, e.g.
//
//	go build -ldflags "-X docpipe/internal/version.Version=v1.2.0 \
//	  -X docpipe/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a single line describing the build.
func Info() string {
	return fmt.Sprintf("docpipe %s (commit %s, built %s, %s)", Version, Commit, Date, runtime.Version())
}
