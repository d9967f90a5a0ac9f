package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanon(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Google Sheets", "googlesheets"},
		{"googlesheets", "googlesheets"},
		{"google_sheets", "googlesheets"},
		{"GOOGLE-SHEETS", "googlesheets"},
		{"  Gmail ", "gmail"},
		{"googlemail", "gmail"},
		{"Google Mail", "gmail"},
		{"mail", "gmail"},
		{"Google Calendar", "googlecalendar"},
		{"calendar", "googlecalendar"},
		{"anchor_browser", "anchorbrowser"},
		{"Anchor Browser", "anchorbrowser"},
		{"browser", "anchorbrowser"},
		{"tasks", "asana"},
		{"drive", "googledrive"},
		{"Notion", "notion"},
		{"unknown thing", "unknownthing"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Canon(tt.in); got != tt.want {
				t.Errorf("Canon(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanonIdempotentOnAliasTable(t *testing.T) {
	t.Parallel()

	for from, to := range defaultCanonicalizer.Aliases() {
		assert.Equal(t, Canon(from), Canon(Canon(from)), "alias %q", from)
		assert.Equal(t, to, Canon(to), "alias target %q must be a fixed point", to)
	}
}

func TestNewCanonicalizerRejectsChains(t *testing.T) {
	t.Parallel()

	_, err := NewCanonicalizer(map[string]string{"gmail": "inbox"})
	require.Error(t, err, "gmail is already an alias target, so remapping it must fail")

	_, err = NewCanonicalizer(map[string]string{"todo": ""})
	require.Error(t, err)
}

func TestNewCanonicalizerExtraAliases(t *testing.T) {
	t.Parallel()

	c, err := NewCanonicalizer(map[string]string{"My Tracker": "Linear"})
	require.NoError(t, err)
	assert.Equal(t, "linear", c.Canon("my_tracker"))
	assert.Equal(t, "linear", c.Canon("LINEAR"))
	assert.Equal(t, "gmail", c.Canon("Google Mail"))
}
