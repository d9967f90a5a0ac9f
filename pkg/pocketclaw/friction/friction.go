// Package friction spots messages where the user describes a recurring
// problem instead of issuing a command. Such turns switch the reasoning step
// into proactive mode: build and present a working solution right away.
package friction

import (
	"regexp"
	"strings"
)

// Category groups lexicon phrases by the kind of friction they express.
type Category string

const (
	Annoyance     Category = "annoyance"
	Tedium        Category = "tedium"
	ManualEffort  Category = "manual-effort"
	Recurrence    Category = "recurrence"
	Desire        Category = "desire"
	Dislike       Category = "dislike"
	Difficulty    Category = "difficulty"
	TimeLoss      Category = "time-loss"
	Forgetfulness Category = "forgetfulness"
)

type entry struct {
	phrase   string
	category Category
	re       *regexp.Regexp
}

var lexicon = compile([]entry{
	{phrase: "annoying", category: Annoyance},
	{phrase: "annoyed", category: Annoyance},
	{phrase: "frustrating", category: Annoyance},
	{phrase: "irritating", category: Annoyance},
	{phrase: "tedious", category: Tedium},
	{phrase: "boring", category: Tedium},
	{phrase: "repetitive", category: Tedium},
	{phrase: "manual", category: ManualEffort},
	{phrase: "manually", category: ManualEffort},
	{phrase: "by hand", category: ManualEffort},
	{phrase: "always have to", category: Recurrence},
	{phrase: "every time", category: Recurrence},
	{phrase: "every day", category: Recurrence},
	{phrase: "every morning", category: Recurrence},
	{phrase: "every week", category: Recurrence},
	{phrase: "over and over", category: Recurrence},
	{phrase: "wish i could", category: Desire},
	{phrase: "would be nice", category: Desire},
	{phrase: "if only", category: Desire},
	{phrase: "hate doing", category: Dislike},
	{phrase: "tired of", category: Dislike},
	{phrase: "sick of", category: Dislike},
	{phrase: "pain to", category: Difficulty},
	{phrase: "hard to", category: Difficulty},
	{phrase: "difficult to", category: Difficulty},
	{phrase: "struggle to", category: Difficulty},
	{phrase: "takes forever", category: TimeLoss},
	{phrase: "waste of time", category: TimeLoss},
	{phrase: "wasting time", category: TimeLoss},
	{phrase: "keep forgetting", category: Forgetfulness},
	{phrase: "always forget", category: Forgetfulness},
})

func compile(entries []entry) []entry {
	for i := range entries {
		words := strings.Fields(entries[i].phrase)
		for j, w := range words {
			words[j] = regexp.QuoteMeta(w)
		}
		entries[i].re = regexp.MustCompile(`(?i)\b` + strings.Join(words, `\s+`) + `\b`)
	}
	return entries
}

// Match is one lexicon phrase found in a message.
type Match struct {
	Category Category
	Phrase   string
}

// Signal is the result of Detect. Category and Phrase describe the first
// match; Matches lists all of them in lexicon order.
type Signal struct {
	Text     string
	Category Category
	Phrase   string
	Matches  []Match
}

// Found reports whether any friction phrase matched.
func (s Signal) Found() bool { return len(s.Matches) > 0 }

// Categories returns the distinct matched categories in first-seen order.
func (s Signal) Categories() []Category {
	var out []Category
	seen := make(map[Category]bool)
	for _, m := range s.Matches {
		if !seen[m.Category] {
			seen[m.Category] = true
			out = append(out, m.Category)
		}
	}
	return out
}

// Detect matches text against the lexicon. It has no side effects.
func Detect(text string) Signal {
	sig := Signal{Text: text}
	if strings.TrimSpace(text) == "" {
		return sig
	}
	for _, e := range lexicon {
		if e.re.MatchString(text) {
			sig.Matches = append(sig.Matches, Match{Category: e.category, Phrase: e.phrase})
		}
	}
	if len(sig.Matches) > 0 {
		sig.Category = sig.Matches[0].Category
		sig.Phrase = sig.Matches[0].Phrase
	}
	return sig
}

// HasSignal reports whether text describes friction.
func HasSignal(text string) bool {
	for _, e := range lexicon {
		if e.re.MatchString(text) {
			return true
		}
	}
	return false
}
