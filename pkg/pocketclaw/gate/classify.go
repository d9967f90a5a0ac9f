package gate

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Classification is the risk assessment of one command.
type Classification struct {
	Tier        Tier
	Reason      string
	Destructive bool
}

type dangerPattern struct {
	re    *regexp.Regexp
	label string
}

// cmdWord matches w in command position: at the start, after whitespace or a
// shell separator, after a path slash or escape, or inside quotes as in
// "rm" or sh -c 'rm x'. Quoted strings are treated as code because awk,
// sh -c and friends run them.
func cmdWord(w string) string {
	return "(^|[\\s;&|(`\"'\\\\/])" + w + "([\\s;&|)\"']|$)"
}

// destructiveCommands are matched both anywhere in command position and by
// the base name of each pipeline stage, so /bin/rm and "rm" count as rm.
var destructiveCommands = []struct {
	name  string
	label string
}{
	{"rm", "deletion"},
	{"rmdir", "deletion"},
	{"unlink", "deletion"},
	{"shred", "deletion"},
	{"del", "deletion"},
	{"truncate", "deletion"},
	{"chmod", "permission change"},
	{"chown", "permission change"},
	{"chgrp", "permission change"},
	{"setfacl", "permission change"},
	{"shutdown", "shutdown/reboot"},
	{"reboot", "shutdown/reboot"},
	{"halt", "shutdown/reboot"},
	{"poweroff", "shutdown/reboot"},
	{"sudo", "privilege escalation"},
	{"su", "privilege escalation"},
	{"doas", "privilege escalation"},
	{"pkexec", "privilege escalation"},
	{"mkfs", "disk alteration"},
	{"fdisk", "disk alteration"},
	{"passwd", "account change"},
	{"userdel", "account change"},
	{"groupdel", "account change"},
}

var defaultDangerPatterns = []struct {
	pattern string
	label   string
}{
	{`\bfind\b.*\s-delete\b`, "deletion"},
	{`\binit\s+[06]\b`, "shutdown/reboot"},
	{`\bsystemctl\s+(poweroff|reboot|halt)\b`, "shutdown/reboot"},
	{`\bmkfs(\.\w+)?\b`, "disk alteration"},
	{`\bfdisk\b`, "disk alteration"},
	{`\bdd\s+.*of=/dev/`, "disk alteration"},
	{`>\s*/dev/sd`, "disk alteration"},
	{`:\(\)\s*\{\s*:\|:&\s*\};:`, "fork bomb"},
	{`\biptables\s+-F`, "firewall change"},
	{`\bufw\s+disable`, "firewall change"},
	{`\bpasswd\b`, "account change"},
	{`\buserdel\b`, "account change"},
	{`\bgroupdel\b`, "account change"},
	{`\bkill\s+-9\s+1\b`, "system alteration"},
	{`\bDROP\s+(DATABASE|TABLE)\b`, "data destruction"},
	{`\bTRUNCATE\s+TABLE\b`, "data destruction"},
}

// readOnlyPrefixes are commands that cannot modify the system on their own.
// Options that make some of them write are rejected by writesAnyway. awk is
// left out since its system() and getline run arbitrary commands.
var readOnlyPrefixes = []string{
	"ls", "cat", "head", "tail", "less", "more",
	"grep", "rg", "sed",
	"wc", "sort", "uniq", "cut", "tr",
	"find", "which", "whereis", "type", "file",
	"echo", "printf", "date", "cal", "uptime",
	"whoami", "id", "hostname", "uname",
	"printenv",
	"pwd", "realpath", "dirname", "basename",
	"df", "du", "free", "ps", "pgrep",
	"dig", "nslookup", "ping",
	"stat", "md5sum", "sha256sum", "sha1sum",
	"diff", "cmp", "comm",
	"jq", "yq", "tree",
	"go version", "go env",
	"git status", "git log", "git diff", "git show", "git branch",
	"docker ps", "docker images", "docker logs",
}

// Classifier assigns risk tiers.
type Classifier struct {
	patterns        []dangerPattern
	protected       []string
	requireApproval bool
}

// NewClassifier compiles the default destructive patterns plus extra, which
// are added on top of the defaults, never instead of them.
func NewClassifier(requireApproval bool, extra, protectedPaths []string, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{requireApproval: requireApproval}
	for _, d := range destructiveCommands {
		c.patterns = append(c.patterns, dangerPattern{re: regexp.MustCompile("(?i)" + cmdWord(d.name)), label: d.label})
	}
	for _, p := range defaultDangerPatterns {
		c.patterns = append(c.patterns, dangerPattern{re: regexp.MustCompile("(?i)" + p.pattern), label: p.label})
	}
	for _, p := range extra {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			logger.Warn("invalid custom dangerous pattern", "pattern", p, "error", err)
			continue
		}
		c.patterns = append(c.patterns, dangerPattern{re: re, label: "custom rule"})
	}
	c.protected = protectedPaths
	if len(c.protected) == 0 {
		c.protected = defaultProtectedPaths()
	}
	return c
}

func defaultProtectedPaths() []string {
	home, _ := os.UserHomeDir()
	return []string{
		filepath.Join(home, ".ssh"),
		filepath.Join(home, ".gnupg"),
		filepath.Join(home, ".aws"),
		filepath.Join(home, ".kube"),
		filepath.Join(home, ".config/gcloud"),
		filepath.Join(home, ".docker/config.json"),
		filepath.Join(home, ".pocketclaw"),
		".pocketclaw.vault",
		".env",
		"/etc/shadow",
		"/etc/sudoers",
		"/etc/ssl/private",
	}
}

// Classify assesses a shell command.
func (c *Classifier) Classify(command string) Classification {
	command = strings.TrimSpace(command)
	if command == "" {
		return Classification{Tier: TierRequiresApproval, Reason: "empty command"}
	}
	for _, p := range c.patterns {
		if p.re.MatchString(command) {
			return Classification{
				Tier:        TierRequiresApproval,
				Reason:      "destructive: " + p.label,
				Destructive: true,
			}
		}
	}
	if label, ok := destructiveStage(command); ok {
		return Classification{
			Tier:        TierRequiresApproval,
			Reason:      "destructive: " + label,
			Destructive: true,
		}
	}
	if isReadOnlyCommand(command) {
		return Classification{Tier: TierSafe, Reason: "read-only command"}
	}
	if c.requireApproval {
		return Classification{Tier: TierRequiresApproval, Reason: "command may modify the system"}
	}
	return Classification{Tier: TierSafe, Reason: "approval not required by policy"}
}

// ClassifyCommand assesses any kind of PendingCommand.
func (c *Classifier) ClassifyCommand(cmd *PendingCommand) Classification {
	switch cmd.Kind {
	case KindShell:
		return c.Classify(cmd.Command)
	case KindReadFile, KindListDir:
		if c.IsProtected(cmd.Path) {
			return Classification{Tier: TierRequiresApproval, Reason: "protected path"}
		}
		return Classification{Tier: TierSafe, Reason: "read-only file access"}
	case KindWriteFile:
		if c.IsProtected(cmd.Path) {
			return Classification{Tier: TierRequiresApproval, Reason: "write to protected path", Destructive: true}
		}
		if c.requireApproval {
			return Classification{Tier: TierRequiresApproval, Reason: "file write"}
		}
		return Classification{Tier: TierSafe, Reason: "approval not required by policy"}
	}
	return Classification{Tier: TierRequiresApproval, Reason: "unknown command kind " + string(cmd.Kind)}
}

// IsProtected reports whether path is, or is under, a protected path.
func (c *Classifier) IsProtected(path string) bool {
	if path == "" {
		return false
	}
	abs := expandHome(path)
	if !filepath.IsAbs(abs) {
		abs, _ = filepath.Abs(abs)
	}
	for _, p := range c.protected {
		pa := expandHome(p)
		if !filepath.IsAbs(pa) {
			// Relative entries match by base name anywhere.
			if filepath.Base(abs) == pa {
				return true
			}
			continue
		}
		if abs == pa || strings.HasPrefix(abs, pa+string(filepath.Separator)) {
			return true
		}
		if matched, _ := filepath.Match(pa, abs); matched {
			return true
		}
	}
	return false
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// destructiveStage looks at the program each pipeline stage runs, stripped of
// quotes, escapes and its directory.
func destructiveStage(command string) (string, bool) {
	for _, part := range splitCommandChain(command) {
		for _, seg := range strings.Split(part, "|") {
			fields := strings.Fields(seg)
			if len(fields) == 0 {
				continue
			}
			name := strings.Trim(fields[0], `"'\`)
			name = strings.ToLower(filepath.Base(strings.ReplaceAll(name, `\`, "")))
			if i := strings.IndexByte(name, '.'); i > 0 {
				// mkfs.ext4 and friends.
				name = name[:i]
			}
			for _, d := range destructiveCommands {
				if name == d.name {
					return d.label, true
				}
			}
		}
	}
	return "", false
}

// isReadOnlyCommand reports whether every command in a chain starts with a
// read-only prefix and nothing is redirected or substituted.
func isReadOnlyCommand(command string) bool {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return false
	}

	for i := 0; i < len(cmd); i++ {
		ch := cmd[i]
		if ch == '\'' {
			i++
			for i < len(cmd) && cmd[i] != '\'' {
				i++
			}
			continue
		}
		if ch == '"' {
			i++
			for i < len(cmd) && cmd[i] != '"' {
				if cmd[i] == '\\' {
					i++
				} else if cmd[i] == '`' || (cmd[i] == '$' && i+1 < len(cmd) && cmd[i+1] == '(') {
					return false
				}
				i++
			}
			continue
		}
		switch {
		case ch == '>':
			return false
		case ch == '`':
			return false
		case ch == '$' && i+1 < len(cmd) && cmd[i+1] == '(':
			return false
		}
	}

	for _, part := range splitCommandChain(cmd) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		for _, seg := range strings.Split(part, "|") {
			if !matchesReadOnlyPrefix(seg) {
				return false
			}
		}
	}
	return true
}

// splitCommandChain splits on &&, || and ; outside quotes. Pipes stay.
func splitCommandChain(cmd string) []string {
	var parts []string
	var current strings.Builder
	inQuote := byte(0)

	for i := 0; i < len(cmd); i++ {
		ch := cmd[i]
		if inQuote != 0 {
			current.WriteByte(ch)
			if ch == inQuote && (i == 0 || cmd[i-1] != '\\') {
				inQuote = 0
			}
			continue
		}
		if ch == '\'' || ch == '"' {
			inQuote = ch
			current.WriteByte(ch)
			continue
		}
		if i < len(cmd)-1 && ((ch == '&' && cmd[i+1] == '&') || (ch == '|' && cmd[i+1] == '|')) {
			parts = append(parts, current.String())
			current.Reset()
			i++
			continue
		}
		if ch == ';' || ch == '\n' {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}
		current.WriteByte(ch)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func matchesReadOnlyPrefix(cmd string) bool {
	first := strings.TrimSpace(cmd)
	if first == "" {
		return true
	}
	for _, prefix := range readOnlyPrefixes {
		if first == prefix ||
			strings.HasPrefix(first, prefix+" ") ||
			strings.HasPrefix(first, prefix+"\t") {
			return !writesAnyway(prefix, first)
		}
	}
	return false
}

// sedWriteCommand matches the w, W and e commands of a sed script, alone or
// as the flag of an s command (s/a/b/w out, s/a/b/ge).
var sedWriteCommand = regexp.MustCompile(`(?:^|[\s;{}'"!$0-9])[wWe](?:[\s;}'"]|$)|/[gpiImM0-9]*[wWe](?:[\s;}'"]|$)`)

// writesAnyway reports whether the options of a read-only command make it
// write files or change system state.
func writesAnyway(prefix, cmd string) bool {
	fields := strings.Fields(cmd)
	args := fields[len(strings.Fields(prefix)):]
	switch prefix {
	case "sed":
		if hasShortFlag(args, 'i') || hasLongFlag(args, "--in-place") {
			return true
		}
		for _, a := range args {
			script := a
			switch {
			case strings.HasPrefix(a, "--expression="):
				script = strings.TrimPrefix(a, "--expression=")
			case strings.HasPrefix(a, "-e") && len(a) > 2:
				script = a[2:]
			case strings.HasPrefix(a, "-"):
				continue
			}
			if sedWriteCommand.MatchString(script) {
				return true
			}
		}
	case "find":
		for _, a := range args {
			for _, action := range []string{"-exec", "-ok", "-fprint", "-fls", "-delete"} {
				if strings.HasPrefix(a, action) {
					return true
				}
			}
		}
	case "sort", "tree":
		return hasShortFlag(args, 'o') || hasLongFlag(args, "--output")
	case "git log", "git diff", "git show":
		return hasLongFlag(args, "--output")
	case "yq":
		return hasShortFlag(args, 'i') || hasLongFlag(args, "--inplace")
	case "date":
		return hasShortFlag(args, 's') || hasLongFlag(args, "--set")
	case "hostname":
		// Any operand sets the host name.
		for _, a := range args {
			if !strings.HasPrefix(a, "-") {
				return true
			}
		}
		return hasShortFlag(args, 'F') || hasLongFlag(args, "--file")
	}
	return false
}

// hasShortFlag reports whether any single-dash option group contains f.
func hasShortFlag(args []string, f byte) bool {
	for _, a := range args {
		if len(a) > 1 && a[0] == '-' && a[1] != '-' && strings.IndexByte(a[1:], f) >= 0 {
			return true
		}
	}
	return false
}

func hasLongFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name || strings.HasPrefix(a, name+"=") {
			return true
		}
	}
	return false
}
