package engine

import (
	"strings"

	"golang.org/x/mod/semver"
)

// clientSemver extracts the release version from a web3_clientVersion
// string such as "Geth/v1.13.14-stable-2bd6bd01/linux-amd64/go1.21.7" or
// "erigon/2.59.3/linux-amd64/go1.21.5". Pre-release and build suffixes
// are dropped.
func clientSemver(clientVersion string) (string, bool) {
	parts := strings.Split(clientVersion, "/")
	// The first segment is the client name.
	for _, part := range parts[1:] {
		if v, ok := normalizeSemver(part); ok {
			return v, true
		}
	}
	return "", false
}

func normalizeSemver(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "v" + s
	}
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	if !semver.IsValid(s) {
		return "", false
	}
	return semver.Canonical(s), true
}

// belowMinimum reports whether clientVersion is older than minimum. An
// unparsable version is never reported.
func belowMinimum(clientVersion, minimum string) bool {
	if minimum == "" {
		return false
	}
	floor, ok := normalizeSemver(minimum)
	if !ok {
		return false
	}
	v, ok := clientSemver(clientVersion)
	if !ok {
		return false
	}
	return semver.Compare(v, floor) < 0
}
