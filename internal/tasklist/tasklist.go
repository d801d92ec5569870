// Package tasklist parses markdown task lists into ordered work items.
//
// The format is plain markdown: "## Heading" lines start a group,
// "- item" bullets add items to it. Checkbox bullets are supported;
// checked items ("- [x] ...") are skipped.
package tasklist

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultGroup labels items that appear before any heading.
const DefaultGroup = "tasks"

// ErrEmptyList indicates the input contained no work items.
var ErrEmptyList = errors.New("task list contains no items")

// Entry is one (group, text) pair in list order.
type Entry struct {
	Group string
	Text  string
}

// Parse reads a markdown task list into ordered entries.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	group := DefaultGroup

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "## "):
			group = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			if group == "" {
				group = DefaultGroup
			}
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			text, ok := bulletText(line[2:])
			if !ok || text == "" {
				continue
			}
			entries = append(entries, Entry{Group: group, Text: text})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning task list: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyList
	}
	return entries, nil
}

// ParseFile parses the task list at path and returns its entries together
// with the source fingerprint used to guard resumed runs.
func ParseFile(path string) ([]Entry, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading task list %s: %w", path, err)
	}
	entries, err := Parse(strings.NewReader(string(data)))
	if err != nil {
		return nil, "", err
	}
	return entries, Fingerprint(data), nil
}

// Fingerprint returns the sha256 hex digest of the raw list content.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// bulletText strips an optional checkbox marker. Checked boxes report
// ok=false so completed items in a reused plan file are not re-run.
func bulletText(s string) (string, bool) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "[x]"):
		return "", false
	case strings.HasPrefix(s, "[ ]"):
		return strings.TrimSpace(s[3:]), true
	}
	return s, true
}
