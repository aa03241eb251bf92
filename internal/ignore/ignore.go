// Package ignore filters vault paths against glob-style patterns.
// Both scanners share one matcher so a path excluded locally can never
// reappear through the remote listing.
package ignore

import (
	"path"
	"path/filepath"
	"strings"
)

// Defaults are always applied on top of configured patterns: the Obsidian
// workspace state churns on every window move, trashed files stay local,
// and editor/OS temp artifacts never belong in the remote store.
var Defaults = []string{
	".obsidian/workspace*",
	".trash/*",
	"*.tmp",
	".DS_Store",
	"Thumbs.db",
}

// pattern is a parsed ignore pattern with its matching strategy.
type pattern struct {
	glob string
	// matchPath: true = match against the relative path; false = match
	// against the basename only. Patterns containing '/' are path
	// patterns.
	matchPath bool
	// subtree holds the directory prefix for patterns of the form
	// "dir/*", which ignore the whole subtree, not just direct children.
	subtree string
}

// Matcher checks vault-relative paths against a set of ignore patterns.
// Patterns without '/' match the basename only; patterns with '/' match
// the full slash-separated relative path. A pattern ending in "/*"
// additionally ignores everything below its directory prefix.
type Matcher struct {
	patterns []pattern
}

// NewMatcher creates a Matcher from the built-in defaults plus the given
// extra patterns. Blank entries and lines starting with '#' are skipped.
func NewMatcher(extra []string) *Matcher {
	raw := make([]string, 0, len(Defaults)+len(extra))
	raw = append(raw, Defaults...)
	raw = append(raw, extra...)

	var patterns []pattern
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" || strings.HasPrefix(r, "#") {
			continue
		}

		p := pattern{
			glob:      r,
			matchPath: strings.Contains(r, "/"),
		}
		if prefix, ok := strings.CutSuffix(r, "/*"); ok && prefix != "" {
			p.subtree = prefix + "/"
		}

		patterns = append(patterns, p)
	}

	return &Matcher{patterns: patterns}
}

// Match reports whether the given vault-relative path should be ignored.
func (m *Matcher) Match(relPath string) bool {
	if len(m.patterns) == 0 {
		return false
	}

	// Normalize to forward slashes for consistent matching.
	normalized := filepath.ToSlash(relPath)
	basename := path.Base(normalized)

	for _, p := range m.patterns {
		if p.subtree != "" && strings.HasPrefix(normalized, p.subtree) {
			return true
		}

		var matched bool
		var err error
		if p.matchPath {
			matched, err = filepath.Match(p.glob, normalized)
		} else {
			matched, err = filepath.Match(p.glob, basename)
		}
		if err != nil {
			// Bad pattern, skip rather than crash.
			continue
		}
		if matched {
			return true
		}
	}

	return false
}
