package content

import (
	"errors"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

const MaxUsernameLength = 32

var (
	policy        = bluemonday.UGCPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// Message bodies pass through here before they are persisted or broadcast.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// ValidateUsername checks that the username is non-empty, within length
// limits, and contains only alphanumerics, dot, dash or underscore.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if len(username) > MaxUsernameLength {
		return errors.New("username is too long")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
