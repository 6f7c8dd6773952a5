package service

import (
	"regexp"
	"strings"
)

var nonURLChars = regexp.MustCompile(`(?i)[^a-z0-9-]`)

// SanitizeNameForURL turns a display name into a URL-safe slug: spaces become
// dashes, everything non-alphanumeric is dropped, and the result is lowered.
func SanitizeNameForURL(name string) string {
	slug := strings.ReplaceAll(name, " ", "-")
	slug = nonURLChars.ReplaceAllString(slug, "")
	return strings.ToLower(slug)
}
