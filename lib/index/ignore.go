package index

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rockenbf/oxen/lib/repo"
)

// IgnoreMatcher filters paths against .oxenignore: one glob per line,
// # comments. The hidden repo dir is always ignored.
type IgnoreMatcher struct {
	globs []string
}

// NewIgnoreMatcher loads the ignore list from the working tree root.
func NewIgnoreMatcher(root string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	data, err := os.ReadFile(filepath.Join(root, repo.IgnoreFile))
	if err != nil {
		return m
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m.globs = append(m.globs, line)
	}
	return m
}

// Ignored matches a forward-slash repo-relative path.
func (m *IgnoreMatcher) Ignored(relPath string) bool {
	if relPath == repo.HiddenDir || strings.HasPrefix(relPath, repo.HiddenDir+"/") {
		return true
	}
	for _, glob := range m.globs {
		if ok, _ := filepath.Match(glob, relPath); ok {
			return true
		}
		if ok, _ := filepath.Match(glob, filepath.Base(relPath)); ok {
			return true
		}
	}
	return false
}
