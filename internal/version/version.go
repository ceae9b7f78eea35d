package version

import "runtime/debug"

// Build information, set at build time via -ldflags "-X ...".
var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Info returns the version string.
func Info() string {
	return Version
}

// FullInfo returns complete build information. When the commit was not
// stamped, the VCS revision recorded by the Go toolchain is used.
func FullInfo() string {
	commit := Commit
	if commit == "unknown" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && s.Value != "" {
					commit = s.Value
				}
			}
		}
	}
	return "version=" + Version + " commit=" + commit + " built_at=" + BuiltAt
}
