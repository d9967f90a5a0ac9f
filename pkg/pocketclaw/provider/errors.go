package provider

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnavailable wraps every failure to reach or understand the provider.
var ErrUnavailable = errors.New("provider unavailable")

// APIError is a non-2xx response from the provider.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Message)
}

// Unwrap makes APIError match ErrUnavailable.
func (e *APIError) Unwrap() error { return ErrUnavailable }

// AuthRequiredError means an operation failed because the identity has no
// active grant for its group. Callers answer it with a fresh link.
type AuthRequiredError struct {
	Group   string
	Message string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authorization required for %s", e.Group)
}

// ExecutionError is an operation that ran but reported failure.
type ExecutionError struct {
	Slug    string
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Slug, e.Message)
}

var notConnectedPatterns = []string{
	"no connected account found",
	"connectedaccountnotfound",
	"not connected",
	"connection not found",
}

var toolkitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)for toolkit (\w+)`),
	regexp.MustCompile(`(?i)toolkit:\s*(\w+)`),
}

// DetectAuthRequired inspects a provider error message for the not-connected
// family of failures. The group is taken from the message when present,
// otherwise fallbackGroup is used.
func DetectAuthRequired(message, fallbackGroup string) (*AuthRequiredError, bool) {
	lower := strings.ToLower(message)
	matched := false
	for _, p := range notConnectedPatterns {
		if strings.Contains(lower, p) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, false
	}

	group := fallbackGroup
	for _, re := range toolkitPatterns {
		if m := re.FindStringSubmatch(message); len(m) == 2 {
			group = strings.ToLower(m[1])
			break
		}
	}
	return &AuthRequiredError{Group: group, Message: message}, true
}
