package capability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// GroupSpec describes one capability group. Supplemental lists read-oriented
// operations that the provider's default bundle tends to omit.
type GroupSpec struct {
	Slug         string   `yaml:"slug"`
	DisplayName  string   `yaml:"display_name"`
	ProviderSlug string   `yaml:"provider_slug,omitempty"`
	Aliases      []string `yaml:"aliases,omitempty"`
	Supplemental []string `yaml:"supplemental,omitempty"`
}

// CatalogFile is the on-disk catalog format.
type CatalogFile struct {
	Groups []GroupSpec `yaml:"groups"`
}

// DefaultCatalogFile returns the curated catalog shipped with the binary.
func DefaultCatalogFile() CatalogFile {
	return CatalogFile{Groups: []GroupSpec{
		{Slug: "gmail", DisplayName: "Gmail", Supplemental: []string{
			"GMAIL_FETCH_EMAILS", "GMAIL_GET_EMAIL", "GMAIL_LIST_LABELS",
		}},
		{Slug: "googlecalendar", DisplayName: "Google Calendar", Supplemental: []string{
			"GOOGLECALENDAR_LIST_EVENTS", "GOOGLECALENDAR_GET_EVENT", "GOOGLECALENDAR_LIST_CALENDARS",
		}},
		{Slug: "googlesheets", DisplayName: "Google Sheets", Supplemental: []string{
			"GOOGLESHEETS_GET_SPREADSHEET", "GOOGLESHEETS_GET_SHEET_VALUES", "GOOGLESHEETS_LIST_SPREADSHEETS",
		}},
		{Slug: "googledocs", DisplayName: "Google Docs", Supplemental: []string{
			"GOOGLEDOCS_GET_DOCUMENT", "GOOGLEDOCS_LIST_DOCUMENTS", "GOOGLEDOCS_SEARCH_DOCUMENTS",
		}},
		{Slug: "googledrive", DisplayName: "Google Drive", Supplemental: []string{
			"GOOGLEDRIVE_GET_FILE", "GOOGLEDRIVE_LIST_FILES", "GOOGLEDRIVE_SEARCH_FILES",
		}},
		{Slug: "notion", DisplayName: "Notion", Supplemental: []string{
			"NOTION_GET_PAGE", "NOTION_GET_DATABASE", "NOTION_QUERY_DATABASE", "NOTION_SEARCH", "NOTION_LIST_USERS",
		}},
		{Slug: "asana", DisplayName: "Asana", Supplemental: []string{
			"ASANA_GET_MULTIPLE_PROJECTS", "ASANA_GET_MULTIPLE_WORKSPACES", "ASANA_GET_MULTIPLE_TASKS",
			"ASANA_GET_A_PROJECT", "ASANA_GET_A_TASK", "ASANA_GET_A_WORKSPACE",
		}},
		{Slug: "github", DisplayName: "GitHub", Supplemental: []string{
			"GITHUB_GET_REPOSITORY", "GITHUB_LIST_REPOSITORIES", "GITHUB_GET_ISSUE",
			"GITHUB_LIST_ISSUES", "GITHUB_GET_PULL_REQUEST", "GITHUB_LIST_PULL_REQUESTS",
		}},
		{Slug: "slack", DisplayName: "Slack", Supplemental: []string{
			"SLACK_LIST_CHANNELS", "SLACK_GET_CHANNEL_HISTORY", "SLACK_LIST_USERS",
		}},
		{Slug: "anchorbrowser", DisplayName: "Anchor Browser", ProviderSlug: "anchor_browser", Supplemental: []string{
			"ANCHOR_BROWSER_PERFORM_WEB_TASK", "ANCHOR_BROWSER_GET_PROFILE", "ANCHOR_BROWSER_LIST_PROFILES",
		}},
	}}
}

// Catalog holds the known capability groups and the canonicalizer derived
// from them. It is safe for concurrent use and can be swapped atomically.
type Catalog struct {
	mu     sync.RWMutex
	canon  *Canonicalizer
	groups map[string]GroupSpec
	logger *slog.Logger
}

// NewCatalog builds a catalog from f.
func NewCatalog(f CatalogFile, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{logger: logger.With("component", "catalog")}
	if err := c.Replace(f); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (CatalogFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CatalogFile{}, fmt.Errorf("reading catalog: %w", err)
	}
	var f CatalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return CatalogFile{}, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	return f, nil
}

// Replace swaps the catalog contents. On error the previous contents stay.
func (c *Catalog) Replace(f CatalogFile) error {
	groups := make(map[string]GroupSpec, len(f.Groups))
	aliases := make(map[string]string)

	for _, g := range f.Groups {
		slug := strip(g.Slug)
		if slug == "" {
			return fmt.Errorf("catalog group with empty slug")
		}
		if _, dup := groups[slug]; dup {
			return fmt.Errorf("duplicate catalog group %q", slug)
		}
		g.Slug = slug
		if g.ProviderSlug == "" {
			g.ProviderSlug = slug
		}
		if g.DisplayName == "" {
			g.DisplayName = slug
		}
		for _, a := range g.Aliases {
			aliases[a] = slug
		}
		aliases[g.ProviderSlug] = slug
		groups[slug] = g
	}

	canon, err := NewCanonicalizer(aliases)
	if err != nil {
		return fmt.Errorf("building canonicalizer: %w", err)
	}

	c.mu.Lock()
	c.canon = canon
	c.groups = groups
	c.mu.Unlock()
	return nil
}

// Canon returns the canonical slug for any spelling of a group name.
func (c *Catalog) Canon(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.canon.Canon(name)
}

// Lookup returns the GroupSpec for a group, canonicalizing name first.
func (c *Catalog) Lookup(name string) (GroupSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[c.canon.Canon(name)]
	return g, ok
}

// ProviderSlug maps a group to the slug the provider expects.
func (c *Catalog) ProviderSlug(name string) string {
	if g, ok := c.Lookup(name); ok {
		return g.ProviderSlug
	}
	return c.Canon(name)
}

// DisplayName returns a human-facing name for a group.
func (c *Catalog) DisplayName(name string) string {
	if g, ok := c.Lookup(name); ok {
		return g.DisplayName
	}
	return c.Canon(name)
}

// Supplemental returns the explicit read-oriented operations for a group.
func (c *Catalog) Supplemental(name string) []string {
	g, ok := c.Lookup(name)
	if !ok {
		return nil
	}
	out := make([]string, len(g.Supplemental))
	copy(out, g.Supplemental)
	return out
}

// Groups returns all canonical group slugs, sorted.
func (c *Catalog) Groups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.groups))
	for slug := range c.groups {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// Watch reloads the catalog from path whenever the file changes. It blocks
// until ctx is cancelled. Invalid edits are logged and ignored.
func (c *Catalog) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors replace files by rename.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			f, err := LoadCatalog(path)
			if err != nil {
				c.logger.Warn("catalog reload failed", "path", path, "error", err)
				continue
			}
			if err := c.Replace(f); err != nil {
				c.logger.Warn("catalog rejected", "path", path, "error", err)
				continue
			}
			c.logger.Info("catalog reloaded", "path", path, "groups", len(f.Groups))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("catalog watcher error", "error", err)
		}
	}
}
