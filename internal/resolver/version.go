package resolver

import (
	"strings"

	"golang.org/x/mod/semver"
)

// CompareVersions orders dotted versions. The first three segments compare
// as semantic versions; a fourth qualifier segment breaks ties lexically,
// with no qualifier sorting first. Unparseable versions compare as strings.
func CompareVersions(a, b string) int {
	ca, qa, okA := canonicalVersion(a)
	cb, qb, okB := canonicalVersion(b)
	if !okA || !okB {
		return strings.Compare(a, b)
	}
	if c := semver.Compare(ca, cb); c != 0 {
		return c
	}
	return strings.Compare(qa, qb)
}

func canonicalVersion(v string) (string, string, bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return "v0.0.0", "", true
	}
	parts := strings.SplitN(v, ".", 4)
	qualifier := ""
	if len(parts) == 4 {
		qualifier = parts[3]
		parts = parts[:3]
	}
	c := "v" + strings.Join(parts, ".")
	if !semver.IsValid(c) {
		return "", "", false
	}
	return semver.Canonical(c), qualifier, true
}
