// Package capability resolves which provider operations are exposed to the
// reasoning step for a turn. It owns group canonicalization, the group
// catalog (supplemental read-oriented allow-lists), boundary validation of
// provider descriptors, and the Assembler that merges bundles into a ToolSet.
package capability

import (
	"fmt"
	"strings"
	"unicode"
)

// builtinAliases maps human-facing names (already stripped) to canonical slugs.
var builtinAliases = map[string]string{
	"googlemail":   "gmail",
	"mail":         "gmail",
	"email":        "gmail",
	"calendar":     "googlecalendar",
	"gcal":         "googlecalendar",
	"sheets":       "googlesheets",
	"spreadsheets": "googlesheets",
	"docs":         "googledocs",
	"drive":        "googledrive",
	"gdrive":       "googledrive",
	"browser":      "anchorbrowser",
	"webbrowser":   "anchorbrowser",
	"tasks":        "asana",
	"notionso":     "notion",
}

// Canonicalizer turns any spelling of a group name into its canonical slug.
// All lookup sites (membership, link minting, activation) go through one.
type Canonicalizer struct {
	aliases map[string]string
}

// NewCanonicalizer builds a canonicalizer from the builtin aliases plus extra.
// Alias targets must be fixed points so that Canon stays idempotent.
func NewCanonicalizer(extra map[string]string) (*Canonicalizer, error) {
	aliases := make(map[string]string, len(builtinAliases)+len(extra))
	for k, v := range builtinAliases {
		aliases[k] = v
	}
	for k, v := range extra {
		key := strip(k)
		if key == "" {
			continue
		}
		aliases[key] = strip(v)
	}

	for from, to := range aliases {
		if to == "" {
			return nil, fmt.Errorf("alias %q has an empty target", from)
		}
		if next, ok := aliases[to]; ok && next != to {
			return nil, fmt.Errorf("alias %q -> %q is not canonical (%q maps to %q)", from, to, to, next)
		}
	}
	return &Canonicalizer{aliases: aliases}, nil
}

// Canon returns the canonical slug for name.
func (c *Canonicalizer) Canon(name string) string {
	s := strip(name)
	if target, ok := c.aliases[s]; ok {
		return target
	}
	return s
}

// Aliases returns a copy of the alias table.
func (c *Canonicalizer) Aliases() map[string]string {
	out := make(map[string]string, len(c.aliases))
	for k, v := range c.aliases {
		out[k] = v
	}
	return out
}

var defaultCanonicalizer, _ = NewCanonicalizer(nil)

// Canon canonicalizes name with the builtin alias table only.
func Canon(name string) string {
	return defaultCanonicalizer.Canon(name)
}

// strip lower-cases and removes whitespace, underscores and hyphens.
func strip(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if unicode.IsSpace(r) || r == '_' || r == '-' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
