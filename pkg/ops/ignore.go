package ops

import (
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-hclog"
)

// IgnoreMatcher decides which missing dependencies are tolerated.
type IgnoreMatcher struct {
	globs []glob.Glob
}

// NewIgnoreMatcher compiles patterns. A pattern that doesn't compile is
// reported and matches nothing.
func NewIgnoreMatcher(L hclog.Logger, patterns []string) *IgnoreMatcher {
	var m IgnoreMatcher

	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			L.Warn("invalid ignore pattern", "pattern", p, "error", err)
			continue
		}

		m.globs = append(m.globs, g)
	}

	return &m
}

// Match reports whether name matches any pattern. Paths are matched by
// their base name, while an any(...) label for a set of alternatives is
// matched as a whole.
func (m *IgnoreMatcher) Match(name string) bool {
	base := name
	if !strings.HasPrefix(name, "any(") {
		base = filepath.Base(name)
	}

	for _, g := range m.globs {
		if g.Match(base) {
			return true
		}
	}

	return false
}
