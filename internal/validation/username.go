package validation

import "regexp"

// Username rules:
// - Lowercase only (callers normalize before validating).
// - Start and end with [a-z0-9].
// - Middle chars may include [a-z0-9._-].
// - Length 2..32.
// - Excludes whitespace, "@" and ":" explicitly (usernames are not emails
//   and ":" breaks basic-auth style tooling).
//
// Examples valid: admin, relay-ops, j.doe, user_2
// Examples invalid: "", "a", "Admin", "user name", ".dot", "trail.", "a@b"
var usernameRe = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9._-]{0,30}[a-z0-9])$`)

// ValidUsername returns true if the provided username matches the allowed pattern.
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name)
}
