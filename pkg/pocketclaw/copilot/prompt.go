package copilot

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/capability"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/friction"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
)

// statusConcurrency bounds parallel grant checks per turn.
const statusConcurrency = 4

// appStatus splits a kernel's groups for the instructions.
type appStatus struct {
	Connected    []string
	NotConnected []string
	Unavailable  []string
}

// groupStatus checks every active group's grant in parallel. Groups with no
// operations are unavailable regardless of their grant. Without an
// authorizer every available group counts as connected.
func (a *Assistant) groupStatus(ctx context.Context, identity string, groups []string, report capability.Report) appStatus {
	var st appStatus
	active := make([]bool, len(groups))

	if a.auth != nil {
		var eg errgroup.Group
		eg.SetLimit(statusConcurrency)
		for i, g := range groups {
			if slices.Contains(report.Unavailable, g) {
				continue
			}
			eg.Go(func() error {
				active[i] = a.auth.Status(ctx, identity, g).Status == provider.StatusActive
				return nil
			})
		}
		_ = eg.Wait()
	}

	for i, g := range groups {
		switch {
		case slices.Contains(report.Unavailable, g):
			st.Unavailable = append(st.Unavailable, g)
		case a.auth == nil || active[i]:
			st.Connected = append(st.Connected, g)
		default:
			st.NotConnected = append(st.NotConnected, g)
		}
	}
	return st
}

type promptInput struct {
	Memory   string
	Status   appStatus
	Friction friction.Signal
	Tools    capability.ToolSet
}

const toolSelectionGuide = `TOOL SELECTION:
- Google Docs: text documents, reports, letters.
- Google Sheets: spreadsheets, tables, calculations.
- Google Drive: files, uploads, folders.
- Gmail: reading and sending email.
- Google Calendar: events and scheduling.
- Notion: pages, notes and databases.
- Anchor Browser: visiting URLs, searching and reading the web.
Docs and Sheets are different applications; never swap them.`

func (a *Assistant) names(groups []string) string {
	if len(groups) == 0 {
		return "none"
	}
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = fmt.Sprintf("%s (%s)", a.displayName(g), g)
	}
	return strings.Join(out, ", ")
}

// buildInstructions assembles the system instructions for one turn. The
// memory block, when present, comes first.
func (a *Assistant) buildInstructions(in promptInput) string {
	var b strings.Builder

	if in.Memory != "" {
		b.WriteString(in.Memory)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "You are %s, an assistant that can act on the user's behalf, not just talk about it.\n", a.cfg.Name)
	if p := strings.TrimSpace(a.cfg.Instructions.Persona); p != "" {
		b.WriteString(p)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "CONNECTED APPS: %s\n", a.names(in.Status.Connected))
	fmt.Fprintf(&b, "NOT YET CONNECTED: %s\n", a.names(in.Status.NotConnected))
	fmt.Fprintf(&b, "UNAVAILABLE RIGHT NOW: %s\n", a.names(in.Status.Unavailable))
	b.WriteString(`
Rules:
- Only use tools of connected apps. Never claim access or capabilities you do not have.
- For an app that is not connected yet, call generate_auth_link and give the user the link it returns.
- Call check_app_connection when you are unsure whether an app is connected.
- Never invent authorization links. Only share links returned by generate_auth_link.
- Unavailable apps have no working operations at the moment; say so instead of improvising.
`)

	b.WriteString("\n")
	if a.gate != nil {
		b.WriteString(`LOCAL EXECUTION: you can run shell commands and work with local files using execute_shell_command, read_local_file, write_local_file, list_local_directory and execute_workflow. Risky commands wait for the user's approval. If a command is denied, say so plainly and do not retry it.
`)
	} else {
		b.WriteString("LOCAL EXECUTION: not available. If asked to run commands or touch local files, explain that local execution is disabled.\n")
	}

	b.WriteString("\n")
	b.WriteString(toolSelectionGuide)
	b.WriteString("\n")

	if a.skills != nil && len(a.cfg.Instructions.Skills) > 0 {
		if s := a.skills.LoadAll(a.cfg.Instructions.Skills); s != "" {
			b.WriteString("\n")
			b.WriteString(s)
			b.WriteString("\n")
		}
	}

	if in.Friction.Found() {
		b.WriteString("\n")
		b.WriteString(friction.SystemDirective)
		b.WriteString("\n\n")
		b.WriteString(friction.Instructions(in.Friction, a.toolNames(in.Tools)))
		b.WriteString("\n")
	}

	return strings.TrimSpace(b.String())
}

func (a *Assistant) toolNames(ts capability.ToolSet) []string {
	names := ts.Slugs()
	for _, d := range a.builtinTools() {
		names = append(names, d.Name)
	}
	return names
}
