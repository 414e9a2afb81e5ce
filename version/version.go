package version

import (
	"strings"
)

var (
	// overwritten in build
	version string
	// overwritten in build
	hash string
)

// Get returns the version string, formatted as VERSION-GIT_COMMIT, e.g.
// "1.2.3-fb198cd". If no build-time values were injected, it reports "dev".
func Get() string {
	h := strings.TrimSpace(hash)
	v := strings.TrimSpace(version)
	if v == "" {
		return "dev"
	}
	if h == "" {
		return v
	}
	return v + "-" + h
}

// GetSemver returns the version such as 1.2.3
func GetSemver() string {
	return version
}

// Hash returns the build's git commit hash, if set.
func Hash() string {
	return strings.TrimSpace(hash)
}
