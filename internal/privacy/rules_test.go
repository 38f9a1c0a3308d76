package privacy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExcluded_TableDriven(t *testing.T) {
	rules, err := Compile(
		[]string{"1Password*", "*KeePass*"},
		nil, // built-in private-browsing patterns
	)
	require.NoError(t, err)

	tests := []struct {
		name     string
		window   string
		excluded bool
	}{
		{"empty window never excluded", "", false},
		{"ordinary editor window", "main.go - vim", false},
		{"excluded app prefix glob", "1Password - Vault", true},
		{"excluded app infix glob", "My KeePass Database", true},
		{"firefox private browsing", "Mozilla Firefox (Private Browsing)", true},
		{"chrome incognito", "New Tab - Google Chrome (Incognito)", true},
		{"edge inprivate", "InPrivate - Microsoft Edge", true},
		{"normal browser window", "New Tab - Google Chrome", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.excluded, rules.Excluded(tt.window))
		})
	}
}

func TestCompile_InvalidGlob(t *testing.T) {
	_, err := Compile([]string{"[unterminated"}, nil)
	assert.Error(t, err)
}

func TestLoadRules(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		rules, err := LoadRules(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.True(t, rules.Excluded("something Incognito something"))
		assert.False(t, rules.Excluded("ordinary window"))
	})

	t.Run("file rules applied", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "exclusions.yaml")
		content := "exclude:\n  - \"Signal*\"\nprivate_patterns:\n  - \"Secret Mode\"\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		rules, err := LoadRules(path)
		require.NoError(t, err)
		assert.True(t, rules.Excluded("Signal - chat"))
		assert.True(t, rules.Excluded("Samsung Internet Secret Mode"))
		// File-provided patterns replace the built-ins.
		assert.False(t, rules.Excluded("Firefox Private Browsing"))
	})

	t.Run("malformed yaml errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "exclusions.yaml")
		require.NoError(t, os.WriteFile(path, []byte(":\tnot yaml"), 0o644))
		_, err := LoadRules(path)
		assert.Error(t, err)
	})
}
