// Package buildinfo carries the gateway's build identity, stamped at
// link time via -ldflags on the governs-ai/governs module path.
package buildinfo

import (
	"fmt"
	"runtime"

	"github.com/governs-ai/governs/core/infra/logging"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String returns a one-line summary for banners and health output.
func String() string {
	return fmt.Sprintf("governs %s (commit %s, built %s, %s)", Version, Commit, BuildDate, runtime.Version())
}

// Fields returns the build identity as logging key/value pairs.
func Fields() []any {
	return []any{"version", Version, "commit", Commit, "built", BuildDate, "go", runtime.Version()}
}

// Log writes the startup banner for a service through the shared
// logging wrapper.
func Log(service string) {
	logging.Info(service, "starting", Fields()...)
}
