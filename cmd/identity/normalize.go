package identity

import "strings"

// NormalizeEmail performs case-insensitive canonicalization.
// Users are keyed by the normalized form, so every lookup must go through it.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
