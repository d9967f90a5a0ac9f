// Package copilot – commands.go implements the slash commands a user can
// send instead of a message:
//
//	/connect <app> [--force]  - Get an authorization link for an app
//	/connect list             - List the apps that can be connected
//	/status [app]             - Show session or app connection status
//	/apps                     - List this session's apps
//	/tools                    - List the operations available right now
//	/approve [id]             - Approve a pending local command
//	/deny [id] [reason]       - Deny a pending local command
//	/reset                    - Forget this session's conversation
//	/help                     - Show available commands
package copilot

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/authflow"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/session"
)

type command struct {
	name string
	args []string
}

// lockFree commands never touch the kernel and run without the turn lock.
func (c command) lockFree() bool {
	switch c.name {
	case "/approve", "/deny", "/help":
		return true
	}
	return false
}

// parseCommand splits a slash command into its lower-cased name and args.
func parseCommand(text string) (command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return command{}, false
	}
	parts := strings.Fields(text)
	if len(parts) == 0 || parts[0] == "/" {
		return command{}, false
	}
	return command{name: strings.ToLower(parts[0]), args: parts[1:]}, true
}

func containsFlag(args []string, flag string) bool {
	for _, arg := range args {
		if strings.EqualFold(arg, flag) {
			return true
		}
	}
	return false
}

func withoutFlags(args []string) []string {
	var out []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			out = append(out, arg)
		}
	}
	return out
}

// runCommand executes cmd. handled is false for unknown commands, which then
// go to the reasoning step as ordinary text. k is nil for lock-free commands.
func (a *Assistant) runCommand(ctx context.Context, k *session.Kernel, identity string, cmd command) (string, bool) {
	switch cmd.name {
	case "/help":
		return a.helpCommand(), true
	case "/approve":
		return a.approveCommand(identity, cmd.args), true
	case "/deny":
		return a.denyCommand(identity, cmd.args), true
	}
	if k == nil {
		return "", false
	}

	switch cmd.name {
	case "/connect":
		return a.connectCommand(ctx, k, cmd.args), true
	case "/status":
		return a.statusCommand(ctx, k, cmd.args), true
	case "/apps":
		return a.appsCommand(ctx, k), true
	case "/tools":
		return a.toolsCommand(ctx, k), true
	case "/reset":
		k.ClearHistory()
		return "Conversation cleared. Connected apps are kept.", true
	}
	return "", false
}

func (a *Assistant) helpCommand() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString("/connect <app> [--force] - get a link to connect an app\n")
	b.WriteString("/connect list - apps you can connect\n")
	b.WriteString("/status [app] - session or app status\n")
	b.WriteString("/apps - apps in this session\n")
	b.WriteString("/tools - operations available right now\n")
	if a.approvals != nil {
		b.WriteString("/approve [id] - approve a pending command\n")
		b.WriteString("/deny [id] [reason] - deny a pending command\n")
	}
	b.WriteString("/reset - forget this conversation\n")
	b.WriteString("/help - this message")
	return b.String()
}

func (a *Assistant) connectCommand(ctx context.Context, k *session.Kernel, args []string) string {
	if a.auth == nil {
		return "App connections are not configured."
	}
	names := withoutFlags(args)
	if len(names) == 0 {
		return "Usage: /connect <app> [--force] or /connect list"
	}
	if strings.EqualFold(names[0], "list") {
		return a.connectListCommand(ctx, k)
	}

	g := a.canon(names[0])
	if g == "" {
		return "Usage: /connect <app> [--force]"
	}
	name := a.displayName(g)
	out, err := a.auth.EnsureAuthorized(ctx, k.Identity(), g, containsFlag(args, "--force"))
	if err != nil {
		a.logger.Warn("connect command failed", "identity", k.Identity(), "group", g, "error", err)
		return fmt.Sprintf("Could not create a link for %s right now. Try again in a moment.", name)
	}
	k.Activate(g)
	if out.State == authflow.Active {
		return fmt.Sprintf("%s is already connected. Use /connect %s --force to reconnect.", name, g)
	}
	if out.Link == nil {
		return fmt.Sprintf("Could not create a link for %s right now. Try again in a moment.", name)
	}
	return fmt.Sprintf("To connect %s, open this link and approve access:\n%s", name, out.Link.URL)
}

func (a *Assistant) connectListCommand(ctx context.Context, k *session.Kernel) string {
	var groups []string
	if a.catalog != nil {
		groups = a.catalog.Groups()
	} else {
		groups = k.Groups()
	}
	if len(groups) == 0 {
		return "No apps are configured."
	}

	var b strings.Builder
	b.WriteString("Apps:\n")
	for _, g := range groups {
		mark := " "
		if a.auth.Status(ctx, k.Identity(), g).Status == provider.StatusActive {
			mark = "*"
		}
		fmt.Fprintf(&b, "%s %s (%s)\n", mark, a.displayName(g), g)
	}
	b.WriteString("* connected")
	return b.String()
}

func (a *Assistant) statusCommand(ctx context.Context, k *session.Kernel, args []string) string {
	if names := withoutFlags(args); len(names) > 0 {
		if a.auth == nil {
			return "App connections are not configured."
		}
		g := a.canon(names[0])
		grant := a.auth.Status(ctx, k.Identity(), g)
		switch grant.Status {
		case provider.StatusActive:
			return fmt.Sprintf("%s: connected", a.displayName(g))
		case provider.StatusPending:
			return fmt.Sprintf("%s: waiting for you to finish authorization", a.displayName(g))
		default:
			return fmt.Sprintf("%s: not connected. Send /connect %s to connect it.", a.displayName(g), g)
		}
	}

	tools, report := k.Tools()
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", k.Identity())
	fmt.Fprintf(&b, "Apps: %d active, %d operations\n", len(k.Groups()), len(tools))
	if len(report.Unavailable) > 0 {
		fmt.Fprintf(&b, "Unavailable: %s\n", strings.Join(report.Unavailable, ", "))
	}
	fmt.Fprintf(&b, "Messages in history: %d\n", len(k.History()))
	if a.approvals != nil {
		fmt.Fprintf(&b, "Pending approvals: %d\n", len(a.approvals.PendingFor(k.Identity())))
	}
	fmt.Fprintf(&b, "Sessions running: %d", a.registry.Count())
	return b.String()
}

func (a *Assistant) appsCommand(ctx context.Context, k *session.Kernel) string {
	a.refreshTools(ctx, k)
	_, report := k.Tools()
	st := a.groupStatus(ctx, k.Identity(), k.Groups(), report)

	var b strings.Builder
	fmt.Fprintf(&b, "Connected: %s\n", a.names(st.Connected))
	fmt.Fprintf(&b, "Not connected: %s", a.names(st.NotConnected))
	if len(st.Unavailable) > 0 {
		fmt.Fprintf(&b, "\nUnavailable: %s", a.names(st.Unavailable))
	}
	return b.String()
}

func (a *Assistant) toolsCommand(ctx context.Context, k *session.Kernel) string {
	a.refreshTools(ctx, k)
	tools, _ := k.Tools()

	var b strings.Builder
	for _, d := range a.builtinTools() {
		if b.Len() == 0 {
			b.WriteString("Built-in:\n")
		}
		fmt.Fprintf(&b, "  %s\n", d.Name)
	}
	groups := tools.Groups()
	slices.Sort(groups)
	for _, g := range groups {
		fmt.Fprintf(&b, "%s:\n", a.displayName(g))
		for _, op := range tools {
			if op.Group == g {
				fmt.Fprintf(&b, "  %s\n", op.Slug)
			}
		}
	}
	if b.Len() == 0 {
		return "No tools are available right now."
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Assistant) approveCommand(identity string, args []string) string {
	if a.approvals == nil {
		return "Nothing needs approval."
	}
	// No ID: approve the newest pending request.
	var id string
	if len(args) > 0 {
		id = args[0]
	} else if id = a.approvals.LatestPending(identity); id == "" {
		return "No pending approvals."
	}
	if a.approvals.Resolve(id, identity, true, "") {
		return "Approved."
	}
	return "Approval not found or already resolved."
}

func (a *Assistant) denyCommand(identity string, args []string) string {
	if a.approvals == nil {
		return "Nothing needs approval."
	}
	var id, reason string
	if len(args) > 0 {
		id = args[0]
		reason = strings.Join(args[1:], " ")
	} else if id = a.approvals.LatestPending(identity); id == "" {
		return "No pending approvals."
	}
	if a.approvals.Resolve(id, identity, false, reason) {
		return "Denied."
	}
	return "Approval not found or already resolved."
}
