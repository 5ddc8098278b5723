package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsCarryPlaceholders(t *testing.T) {
	d := Defaults()
	assert.Contains(t, d.Summary, "{{conversation}}")
	assert.Contains(t, d.Chat, SummaryPlaceholder)
	assert.Contains(t, d.Chat, MessagePlaceholder)
}

func TestLoad_OverridesFromFiles(t *testing.T) {
	dir := t.TempDir()
	chatPath := filepath.Join(dir, "persona.txt")
	require.NoError(t, os.WriteFile(chatPath, []byte("Be terse.\n{{summary}}\n{{message}}"), 0o600))

	got, err := Load("", chatPath)
	require.NoError(t, err)
	assert.Equal(t, Defaults().Summary, got.Summary)
	assert.Equal(t, "Be terse.\n{{summary}}\n{{message}}", got.Chat)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.txt"), "")
	assert.Error(t, err)
}
