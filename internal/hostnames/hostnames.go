package hostnames

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// Normalize converts a hostname to its canonical ASCII lower-case form.
// - Trims spaces
// - Drops a trailing dot
// - Applies IDNA Lookup ToASCII mapping
// - Lower-cases the result
//
// Both route keys and SNI values pass through Normalize, so "Bücher.Example."
// from a client matches a route written as "xn--bcher-kva.example".
func Normalize(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	host = strings.TrimSuffix(host, ".")
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || ascii == "" {
		ascii = host
	}
	return strings.ToLower(ascii)
}

// NormalizePattern behaves like Normalize but keeps a leading single-label
// wildcard "*." intact.
func NormalizePattern(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if !IsWildcard(pattern) {
		return Normalize(pattern)
	}
	base := Normalize(pattern[2:])
	if base == "" {
		return ""
	}
	return "*." + base
}

// IsWildcard reports whether pattern begins with "*.".
func IsWildcard(pattern string) bool {
	return strings.HasPrefix(pattern, "*.")
}

// IsValidWildcard accepts "*.<at least two labels>" and nothing broader, so
// "*.com" is rejected.
func IsValidWildcard(pattern string) bool {
	if !IsWildcard(pattern) {
		return false
	}
	rest := pattern[2:]
	if !strings.Contains(rest, ".") || strings.Contains(rest, "*") {
		return false
	}
	return !hasEmptyLabel(rest)
}

// ValidPattern checks a route hostname or wildcard pattern from configuration.
func ValidPattern(pattern string) error {
	p := NormalizePattern(pattern)
	switch {
	case p == "":
		return fmt.Errorf("empty hostname")
	case IsWildcard(p):
		if !IsValidWildcard(p) {
			return fmt.Errorf("wildcard %q must cover at least two labels, e.g. *.example.com", pattern)
		}
	case strings.Contains(p, "*"):
		return fmt.Errorf("hostname %q: '*' is only allowed as a leading label", pattern)
	case hasEmptyLabel(p):
		return fmt.Errorf("hostname %q has an empty label", pattern)
	}
	return nil
}

// WildcardSuffix returns the canonical suffix (including the leading dot),
// e.g. ".example.com" for "*.Example.COM".
func WildcardSuffix(pattern string) (string, bool) {
	p := NormalizePattern(pattern)
	if !IsValidWildcard(p) {
		return "", false
	}
	return p[1:], true
}

// FirstDotSuffix returns the suffix of host starting at its first dot,
// e.g. "a.example.com" -> ".example.com".
func FirstDotSuffix(host string) (string, bool) {
	h := Normalize(host)
	if i := strings.IndexByte(h, '.'); i > 0 {
		return h[i:], true
	}
	return "", false
}

func hasEmptyLabel(s string) bool {
	return strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..")
}
