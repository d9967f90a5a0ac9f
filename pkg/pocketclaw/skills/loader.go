// Package skills loads named instruction bundles from disk.
//
// A bundle is a directory holding a SKILL.md file with YAML frontmatter:
//
//	---
//	name: inbox-triage
//	description: "Sort unread mail by urgency"
//	requires:
//	  bins: [jq]
//	  env: [COMPOSIO_API_KEY]
//	---
//	# Inbox triage
//	Instructions for the agent...
//
// Only the instruction body is used by the orchestrator; everything else in
// the bundle directory is ignored.
package skills

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileName is the bundle entry file.
const FileName = "SKILL.md"

var (
	// ErrNotFound is returned for unknown bundle names.
	ErrNotFound = errors.New("skill not found")

	// ErrRequirementsNotMet is returned when a bundle's binaries or env vars
	// are missing.
	ErrRequirementsNotMet = errors.New("skill requirements not met")
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Requirements lists what a bundle needs from the host.
type Requirements struct {
	Bins []string `yaml:"bins"`
	Env  []string `yaml:"env"`
}

// Skill is a parsed bundle.
type Skill struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Requires    Requirements `yaml:"requires"`

	// Body is the markdown after the frontmatter.
	Body string `yaml:"-"`

	// Dir is the absolute bundle directory.
	Dir string `yaml:"-"`
}

// Loader reads bundles from Dir. Parsed bundles are cached; Reset clears
// the cache.
type Loader struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*Skill
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dir:    dir,
		logger: logger.With("component", "skills"),
		cache:  make(map[string]*Skill),
	}
}

// Dir returns the bundle root.
func (l *Loader) Dir() string { return l.dir }

// Load returns the instruction text of the named bundle.
func (l *Loader) Load(name string) (string, error) {
	s, err := l.Get(name)
	if err != nil {
		return "", err
	}
	return s.Body, nil
}

// Get returns the parsed bundle.
func (l *Loader) Get(name string) (*Skill, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrNotFound, name)
	}

	l.mu.Lock()
	if s, ok := l.cache[name]; ok {
		l.mu.Unlock()
		return s, nil
	}
	l.mu.Unlock()

	dir := filepath.Join(l.dir, name)
	s, err := parseFile(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	if s.Name == "" {
		s.Name = name
	}
	if abs, err := filepath.Abs(dir); err == nil {
		s.Dir = abs
	}
	if missing := missingRequirements(s.Requires); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s needs %s", ErrRequirementsNotMet, name, strings.Join(missing, ", "))
	}

	l.mu.Lock()
	l.cache[name] = s
	l.mu.Unlock()
	l.logger.Debug("skill loaded", "name", s.Name, "dir", s.Dir)
	return s, nil
}

// LoadAll concatenates the bodies of the named bundles under a heading per
// bundle. Bundles that fail to load are skipped and logged.
func (l *Loader) LoadAll(names []string) string {
	var b strings.Builder
	for _, name := range names {
		s, err := l.Get(name)
		if err != nil {
			l.logger.Warn("skipping skill", "name", name, "error", err)
			continue
		}
		if strings.TrimSpace(s.Body) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## Skill: %s\n\n%s", s.Name, s.Body)
	}
	return b.String()
}

// List returns the names of bundle directories under Dir that contain a
// SKILL.md, sorted.
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skills dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || !nameRe.MatchString(e.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.dir, e.Name(), FileName)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Reset drops cached bundles.
func (l *Loader) Reset() {
	l.mu.Lock()
	l.cache = make(map[string]*Skill)
	l.mu.Unlock()
}

func parseFile(path string) (*Skill, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	s, err := Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

// Parse splits a SKILL.md document into frontmatter and body. A document
// without frontmatter is all body.
func Parse(text string) (*Skill, error) {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if !strings.HasPrefix(text, "---") {
		return &Skill{Body: text}, nil
	}

	rest := text[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return nil, fmt.Errorf("unclosed YAML frontmatter")
	}

	s := &Skill{}
	if err := yaml.Unmarshal([]byte(rest[:idx]), s); err != nil {
		return nil, fmt.Errorf("frontmatter: %w", err)
	}
	s.Body = strings.TrimSpace(rest[idx+4:])
	return s, nil
}

func missingRequirements(r Requirements) []string {
	var missing []string
	for _, bin := range r.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, "bin:"+bin)
		}
	}
	for _, env := range r.Env {
		if os.Getenv(env) == "" {
			missing = append(missing, "env:"+env)
		}
	}
	return missing
}
