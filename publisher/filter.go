package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter matches destinations against glob patterns.
// '/' separates destination levels, so "orders/*" does not match "orders/eu/1".
type GlobFilter struct {
	globs []glob.Glob
}

// NewGlobFilter compiles the patterns. Empty patterns match everything.
func NewGlobFilter(patterns []string) (*GlobFilter, error) {
	f := &GlobFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid destination pattern %q: %w", p, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

func (f *GlobFilter) Match(destination string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(destination) {
			return true
		}
	}
	return false
}
