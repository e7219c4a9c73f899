// Package version reports the sentinel release.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Override replaces the embedded version when set, e.g. via
// -ldflags "-X github.com/ShayCichocki/sentinel/internal/version.Override=1.2.3".
var Override string

// Get returns the current version, with whitespace trimmed
func Get() string {
	if v := strings.TrimSpace(Override); v != "" {
		return v
	}
	return strings.TrimSpace(versionContent)
}
