package copilot

import (
	"regexp"
	"strings"
)

var (
	thinkingRe   = regexp.MustCompile(`(?s)<(thinking|reasoning)>.*?</(thinking|reasoning)>`)
	internalTag  = regexp.MustCompile(`</?(?:final|thinking|reasoning)>`)
	codeFenceRe  = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\n?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")
	mdLinkRe     = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)
	headerRe     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	boldStarRe   = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	boldUnderRe  = regexp.MustCompile(`__([^_\n]+)__`)
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
)

// FormatReply turns model output into chat plain text. Emphasis markers,
// code fences and headers go away; link targets and single underscores
// stay, since authorization URLs contain them.
func FormatReply(text string) string {
	text = thinkingRe.ReplaceAllString(text, "")
	text = internalTag.ReplaceAllString(text, "")

	text = codeFenceRe.ReplaceAllString(text, "$1")
	text = inlineCodeRe.ReplaceAllString(text, "$1")
	text = mdLinkRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := mdLinkRe.FindStringSubmatch(m)
		if sub[1] == sub[2] {
			return sub[2]
		}
		return sub[1] + ": " + sub[2]
	})
	text = headerRe.ReplaceAllString(text, "")
	text = boldStarRe.ReplaceAllString(text, "$1")
	text = boldUnderRe.ReplaceAllString(text, "$1")
	text = blankRunRe.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}
