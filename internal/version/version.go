// Package version renders build version information for the mesh binaries
// and the version string advertised in handshake responses.
package version

import (
	"runtime/debug"
	"strings"
)

// Number returns the bare version, preferring the -ldflags value and falling
// back to module build info, then "dev". This is what servers advertise to
// clients during the handshake.
func Number(version string) string {
	v := strings.TrimSpace(version)
	if v == "" || v == "dev" || v == "(devel)" {
		if info, ok := debug.ReadBuildInfo(); ok {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
	}
	if v == "" {
		return "dev"
	}
	return v
}

// String formats a human-friendly version line for the CLI tools, combining
// the -ldflags version/commit/date values with module build info fallbacks.
func String(version string, commit string, date string) string {
	v := Number(version)
	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	if info, ok := debug.ReadBuildInfo(); ok {
		if c == "" || c == "unknown" {
			if rev := buildSetting(info, "vcs.revision"); rev != "" {
				c = rev
			}
		}
		if d == "" || d == "unknown" {
			if t := buildSetting(info, "vcs.time"); t != "" {
				d = t
			}
		}
	}

	out := v
	if c != "" && c != "unknown" {
		out += " (" + c + ")"
	}
	if d != "" && d != "unknown" {
		out += " " + d
	}
	return out
}

func buildSetting(info *debug.BuildInfo, key string) string {
	if info == nil {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
