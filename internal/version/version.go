package version

import "runtime"

// Overridden at link time, e.g.
//
//	-ldflags "-X github.com/tokligence/taskd/internal/version.Commit=$(git rev-parse --short HEAD)"
var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Info returns the bare version string.
func Info() string {
	return Version
}

// FullInfo returns the version line printed by `taskd version`.
func FullInfo() string {
	return "taskd " + Version + " commit=" + Commit + " built_at=" + BuiltAt + " go=" + runtime.Version()
}

// UserAgent identifies taskd on outbound provider and callback requests.
func UserAgent() string {
	return "taskd/" + Version
}
