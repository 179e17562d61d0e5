// Package knowledge loads KnowledgeItems from a directory of markdown
// files, one item per file, so a session starts with a populated knowledge
// set without requiring a client round trip.
package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aaronsb/livetranscripts/internal/contextmgr"
)

var headingPattern = regexp.MustCompile(`^#+\s*(.+)$`)

// LoadDir reads every *.md file directly under dir and returns one
// KnowledgeItem per file: id is the filename without extension, name is the
// text of the Markdown heading on the file's first non-empty line, falling
// back to the id when that line is not a heading.
func LoadDir(dir string) ([]contextmgr.KnowledgeItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading knowledge dir %s: %w", dir, err)
	}

	var items []contextmgr.KnowledgeItem
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".md") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading knowledge file %s: %w", path, err)
		}

		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		text := string(raw)
		items = append(items, contextmgr.KnowledgeItem{
			ID:   id,
			Name: firstHeadingOrID(text, id),
			Text: text,
		})
	}
	return items, nil
}

func firstHeadingOrID(text, id string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1])
		}
		// First non-empty, non-heading line: stop looking further down,
		// this file has no leading heading.
		break
	}
	return id
}
