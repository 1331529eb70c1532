// Package appversion reports the foreman build version.
package appversion

import "runtime/debug"

// version is set at build time via -ldflags.
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo //nolint:gochecknoglobals // test seam

// String returns the ldflags version, then the module version recorded by
// `go install`, then "dev".
func String() string {
	if version != "dev" {
		return version
	}
	if bi, ok := readBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	if rev := Revision(); rev != "" {
		return "dev+" + rev
	}
	return version
}

// Revision returns the short VCS revision embedded by the Go toolchain, with
// a "-dirty" suffix for modified trees. It is empty when unknown.
func Revision() string {
	bi, ok := readBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	var dirty bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
}
