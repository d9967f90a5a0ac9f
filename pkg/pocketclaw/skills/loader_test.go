package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSkill(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))
}

func TestLoadParsesFrontmatter(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSkill(t, root, "inbox-triage", "---\nname: inbox-triage\ndescription: \"Sort mail\"\n---\n# Triage\nRead unread mail first.\n")

	l := NewLoader(root, nil)
	body, err := l.Load("inbox-triage")
	require.NoError(t, err)
	assert.Equal(t, "# Triage\nRead unread mail first.", body)

	s, err := l.Get("inbox-triage")
	require.NoError(t, err)
	assert.Equal(t, "Sort mail", s.Description)
	assert.True(t, filepath.IsAbs(s.Dir))
}

func TestLoadWithoutFrontmatter(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSkill(t, root, "plain", "Just do it.")

	s, err := NewLoader(root, nil).Get("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", s.Name)
	assert.Equal(t, "Just do it.", s.Body)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSkill(t, root, "broken", "---\nname: broken\nno closing fence")
	writeSkill(t, root, "needs", "---\nname: needs\nrequires:\n  bins: [definitely-not-a-real-binary-xyz]\n---\nbody")

	l := NewLoader(root, nil)

	_, err := l.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.Load("../etc")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.Load("broken")
	assert.ErrorContains(t, err, "unclosed")

	_, err = l.Load("needs")
	assert.ErrorIs(t, err, ErrRequirementsNotMet)
}

func TestLoadAllSkipsFailures(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSkill(t, root, "a", "---\nname: alpha\n---\nA body")
	writeSkill(t, root, "b", "B body")

	l := NewLoader(root, nil)
	got := l.LoadAll([]string{"a", "missing", "b"})
	assert.Equal(t, "## Skill: alpha\n\nA body\n\n## Skill: b\n\nB body", got)

	names, err := l.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestListMissingDir(t *testing.T) {
	t.Parallel()

	names, err := NewLoader(filepath.Join(t.TempDir(), "nope"), nil).List()
	require.NoError(t, err)
	assert.Empty(t, names)
}
