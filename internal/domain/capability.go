package domain

import (
	"strconv"
	"strings"
)

// ParseCapability splits a capability token "name:semver" into its name and
// optional version. A token with no ":" has an empty version.
func ParseCapability(token string) (name, version string) {
	name, version, found := strings.Cut(token, ":")
	if !found {
		return name, ""
	}
	return name, version
}

// capabilitySatisfies reports whether "have" (optionally versioned) covers
// "required" (optionally versioned). Missing a version on either side is
// treated as a match, per spec §3.2: "missing version on either side
// treated as match".
func capabilitySatisfies(requiredVersion, haveVersion string) bool {
	if requiredVersion == "" || haveVersion == "" {
		return true
	}
	return semverCompare(haveVersion, requiredVersion) >= 0
}

// HasCapability reports whether the robot's capability set satisfies a
// single required capability token, using semver-aware comparison.
func HasCapability(have []string, required string) bool {
	reqName, reqVersion := ParseCapability(required)
	for _, tok := range have {
		haveName, haveVersion := ParseCapability(tok)
		if haveName != reqName {
			continue
		}
		if capabilitySatisfies(reqVersion, haveVersion) {
			return true
		}
	}
	return false
}

// HasAllCapabilities reports whether every required capability is covered.
func HasAllCapabilities(have []string, required []string) bool {
	for _, req := range required {
		if !HasCapability(have, req) {
			return false
		}
	}
	return true
}

// semverCompare compares two "major.minor.patch"-ish dotted version strings
// numerically, component by component. Missing trailing components compare
// as 0. Non-numeric components compare lexically. Returns -1, 0, or 1.
func semverCompare(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := "0", "0"
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		ai, aerr := strconv.Atoi(av)
		bi, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if ai != bi {
				if ai < bi {
					return -1
				}
				return 1
			}
			continue
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
