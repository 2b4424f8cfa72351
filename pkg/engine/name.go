package engine

import (
	"regexp"
	"strings"
)

// maxNameLength caps normalized names so they fit the strictest
// downstream limit (Azure blob container names).
const maxNameLength = 63

var (
	invalidNameChars = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedDashes   = regexp.MustCompile(`-+`)
)

// NormalizeName converts a raw datasource name into the canonical form
// that seeds every generated resource name and keys the state store:
// lowercase, non [a-z0-9-] replaced with dashes, dashes collapsed and
// trimmed, optional prefix joined with the separator, truncated to 63.
func NormalizeName(raw, prefix, separator string) string {
	candidate := strings.ToLower(raw)
	candidate = invalidNameChars.ReplaceAllString(candidate, "-")
	candidate = repeatedDashes.ReplaceAllString(candidate, "-")
	candidate = strings.Trim(candidate, "-")
	if prefix != "" {
		candidate = prefix + separator + candidate
	}
	if len(candidate) > maxNameLength {
		candidate = candidate[:maxNameLength]
	}
	return strings.TrimRight(candidate, "-")
}
