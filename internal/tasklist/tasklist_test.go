package tasklist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	input := `# Plan

## Refactor
- extract the parser
- [ ] add tests
- [x] already done

## Docs
* update README
`
	entries, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, entries, 3)
	assert.Equal(t, Entry{Group: "Refactor", Text: "extract the parser"}, entries[0])
	assert.Equal(t, Entry{Group: "Refactor", Text: "add tests"}, entries[1])
	assert.Equal(t, Entry{Group: "Docs", Text: "update README"}, entries[2])
}

func TestParse_DefaultGroup(t *testing.T) {
	entries, err := Parse(strings.NewReader("- lone item\n"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, DefaultGroup, entries[0].Group)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse(strings.NewReader("## Heading only\n\nprose, no bullets\n"))
	require.ErrorIs(t, err, ErrEmptyList)
}

func TestParseFile_Fingerprint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.md")
	content := []byte("## G\n- one\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	entries, hash, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, Fingerprint(content), hash)
	assert.Len(t, hash, 64)

	// Any content change must change the fingerprint.
	other := Fingerprint([]byte("## G\n- one!\n"))
	assert.NotEqual(t, hash, other)
}

func TestParseFile_Missing(t *testing.T) {
	_, _, err := ParseFile(filepath.Join(t.TempDir(), "nope.md"))
	require.Error(t, err)
}
