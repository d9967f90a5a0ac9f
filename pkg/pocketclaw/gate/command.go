// Package gate mediates every locally executed action (shell commands and
// file operations) proposed by the reasoning step. Each proposal is
// classified into a risk tier, optionally held for explicit approval, run
// with bounded time and output, and recorded in the audit log.
package gate

import (
	"fmt"
	"time"
)

// Kind is the kind of local action.
type Kind string

const (
	KindShell     Kind = "shell"
	KindReadFile  Kind = "read_file"
	KindWriteFile Kind = "write_file"
	KindListDir   Kind = "list_dir"
)

// Tier is the risk tier assigned by classification.
type Tier string

const (
	TierSafe             Tier = "safe"
	TierRequiresApproval Tier = "requires-approval"
)

// State is a PendingCommand lifecycle state.
type State string

const (
	StateProposed        State = "proposed"
	StateClassified      State = "classified"
	StateAutoAllowed     State = "auto_allowed"
	StatePendingApproval State = "pending_approval"
	StateExecuted        State = "executed"
	StateDenied          State = "denied"
)

// Outcome is the audited result of a terminal transition.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeFailed   Outcome = "failed"
	OutcomeDenied   Outcome = "denied"
)

// PendingCommand is one proposed local action.
type PendingCommand struct {
	ID       string
	Identity string
	Kind     Kind

	// Command is the shell command for KindShell.
	Command string
	// Path and Content are used by the file kinds.
	Path    string
	Content string

	Tier   Tier
	Reason string
	State  State

	// Trace lists the states visited, in order.
	Trace     []State
	CreatedAt time.Time
}

func (c *PendingCommand) transition(s State) {
	c.State = s
	c.Trace = append(c.Trace, s)
}

// Summary renders the action for prompts and the audit log.
func (c *PendingCommand) Summary() string {
	switch c.Kind {
	case KindShell:
		return c.Command
	case KindWriteFile:
		return fmt.Sprintf("write %d bytes to %s", len(c.Content), c.Path)
	case KindReadFile:
		return "read " + c.Path
	case KindListDir:
		return "list " + c.Path
	}
	return string(c.Kind)
}

// ExecutionResult is what Propose returns for one command.
type ExecutionResult struct {
	ID        string
	Kind      Kind
	Tier      Tier
	State     State
	Output    string
	ExitCode  int
	Truncated bool
	Duration  time.Duration

	// Err is nil on success, *CommandDeniedError when the command never ran
	// and *CommandExecutionError when it ran and failed.
	Err error
}

// OK reports whether the command executed successfully.
func (r ExecutionResult) OK() bool { return r.State == StateExecuted && r.Err == nil }

// Outcome maps the result to its audit outcome.
func (r ExecutionResult) Outcome() Outcome {
	switch {
	case r.State == StateDenied:
		return OutcomeDenied
	case r.Err != nil:
		return OutcomeFailed
	}
	return OutcomeExecuted
}

// CommandDeniedError is a structured refusal: the command did not run.
type CommandDeniedError struct {
	ID       string
	Command  string
	Reason   string
	TimedOut bool
}

func (e *CommandDeniedError) Error() string {
	return fmt.Sprintf("command denied: %s (%s)", e.Reason, e.Command)
}

// CommandExecutionError reports a command that ran and failed.
type CommandExecutionError struct {
	ID       string
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command failed: %s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command failed: %s: exit code %d", e.Command, e.ExitCode)
}

func (e *CommandExecutionError) Unwrap() error { return e.Err }
