package friction

import (
	"fmt"
	"strings"
)

// SystemDirective is appended to the base instructions while proactive mode
// is on.
const SystemDirective = `## Proactive mode

The user is describing a problem, not asking for permission. Build the solution now.

Do NOT:
- ask "Would you like me to help with that?"
- ask "Should I automate this for you?"
- wait for explicit permission
- reply with suggestions only

Do:
- use the available tools to actually solve the problem
- present the working result and what you built
- offer a follow-up (for example a recurring summary) only after delivering

Example: "Ugh, I always have to manually check my emails for invoices" means search the
inbox for invoices right away and reply with the summary.`

// Instructions builds the per-turn directive for a detected signal. tools
// are the operation slugs the reasoning step may call.
func Instructions(sig Signal, tools []string) string {
	phrases := make([]string, len(sig.Matches))
	for i, m := range sig.Matches {
		phrases[i] = m.Phrase
	}
	cats := sig.Categories()
	catNames := make([]string, len(cats))
	for i, c := range cats {
		catNames[i] = string(c)
	}
	available := "none"
	if len(tools) > 0 {
		available = strings.Join(tools, ", ")
	}

	var b strings.Builder
	b.WriteString("PROACTIVE MODE\n\n")
	fmt.Fprintf(&b, "User message: %q\n\n", sig.Text)
	b.WriteString("Friction detected:\n")
	fmt.Fprintf(&b, "- phrases: %s\n", strings.Join(phrases, ", "))
	fmt.Fprintf(&b, "- categories: %s\n\n", strings.Join(catNames, ", "))
	b.WriteString("Build a working solution immediately. Do not ask permission.\n")
	b.WriteString("1. Work out what the user needs from the complaint.\n")
	b.WriteString("2. Use the available tools to build it.\n")
	b.WriteString("3. Present the result and explain how it removes the problem.\n\n")
	fmt.Fprintf(&b, "Available tools: %s\n", available)
	b.WriteString("If a needed app is not connected, say so and offer the connection link instead of pretending.")
	return b.String()
}
