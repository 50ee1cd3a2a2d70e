package engine

import (
	"fmt"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMatchCacheSize = 4096

// Resolver decides which destination names the engine accepts.
// Empty pattern list accepts everything.
type Resolver struct {
	globs []glob.Glob
	cache *lru.Cache[string, bool]
}

// NewResolver compiles destination patterns ('/' separated, '*' stays within a level).
func NewResolver(patterns []string, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = defaultMatchCacheSize
	}
	cache, err := lru.New[string, bool](cacheSize)
	if err != nil {
		return nil, err
	}

	r := &Resolver{
		globs: make([]glob.Glob, 0, len(patterns)),
		cache: cache,
	}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid destination pattern %q: %w", pattern, err)
		}
		r.globs = append(r.globs, g)
	}
	return r, nil
}

// Match reports whether dest is an accepted destination.
func (r *Resolver) Match(dest string) bool {
	if dest == "" {
		return false
	}
	if len(r.globs) == 0 {
		return true
	}
	if ok, hit := r.cache.Get(dest); hit {
		return ok
	}

	ok := false
	for _, g := range r.globs {
		if g.Match(dest) {
			ok = true
			break
		}
	}
	r.cache.Add(dest, ok)
	return ok
}
