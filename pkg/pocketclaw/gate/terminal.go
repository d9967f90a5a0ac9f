package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
)

// TerminalApprover asks the operator on the local terminal.
type TerminalApprover struct{}

// RequestApproval shows a confirm prompt for cmd.
func (TerminalApprover) RequestApproval(ctx context.Context, cmd *PendingCommand) (Decision, error) {
	var approved bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Run this %s? (%s)", cmd.Kind, cmd.Reason)).
			Description(cmd.Summary()).
			Affirmative("Run").
			Negative("Deny").
			Value(&approved),
	))
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return Decision{Reason: "aborted at the prompt"}, nil
		}
		return Decision{}, err
	}
	if !approved {
		return Decision{Reason: "denied at the prompt"}, nil
	}
	return Decision{Approved: true}, nil
}
