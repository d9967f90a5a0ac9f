package copilot

import (
	"errors"
	"fmt"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/capability"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/gate"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/session"
)

// Error taxonomy. Only command denial and command execution failure reach
// the user as failures; everything else degrades or turns into guidance.
var (
	ErrProviderUnavailable = provider.ErrUnavailable
	ErrCapabilityMissing   = capability.ErrCapabilityMissing
	ErrEmptyIdentity       = session.ErrEmptyIdentity

	// ErrReasoningUnavailable wraps reasoning-service failures.
	ErrReasoningUnavailable = errors.New("reasoning service unavailable")

	// ErrNoAuthorizer is returned when link or status requests arrive and
	// no negotiator is configured.
	ErrNoAuthorizer = errors.New("authorization provider not configured")
)

type (
	AuthRequiredError     = provider.AuthRequiredError
	CommandDeniedError    = gate.CommandDeniedError
	CommandExecutionError = gate.CommandExecutionError
)

// UserMessage turns a turn-level error into text that is safe to show to
// the user. Raw provider errors never pass through.
func UserMessage(err error) string {
	var (
		denied *CommandDeniedError
		failed *CommandExecutionError
		auth   *AuthRequiredError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &denied):
		return fmt.Sprintf("I did not run that: %s.", denied.Reason)
	case errors.As(err, &failed):
		return fmt.Sprintf("The command ran but failed: %v", failed.Err)
	case errors.As(err, &auth):
		return fmt.Sprintf("%s is not connected yet. Send /connect %s to get an authorization link.", auth.Group, auth.Group)
	case errors.Is(err, ErrReasoningUnavailable):
		return "I can't think right now, the reasoning service is unreachable. Please try again in a moment."
	case errors.Is(err, ErrProviderUnavailable):
		return "The app connection service is unreachable right now. Please try again in a moment."
	default:
		return "Something went wrong while handling that message. Please try again."
	}
}
