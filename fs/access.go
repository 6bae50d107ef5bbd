package fs

import (
	"path/filepath"
)

// Prefixes reachable from an OSPool execution sandbox: the shared staging
// area, CVMFS, and the OSDF-backed /ospool mount.
var DefaultAccessiblePrefixes = []string{
	"/staging",
	"/cvmfs",
	"/ospool",
}

// AccessPolicy decides whether a local path can be read from the remote
// execution sandbox. It is a static policy; nothing on the remote side is
// ever checked.
type AccessPolicy struct {
	Prefixes []string
}

// NewAccessPolicy returns the default policy extended with extra prefixes.
func NewAccessPolicy(extra ...string) AccessPolicy {
	prefixes := make([]string, 0, len(DefaultAccessiblePrefixes)+len(extra))
	prefixes = append(prefixes, DefaultAccessiblePrefixes...)
	for _, p := range extra {
		if p != "" {
			prefixes = append(prefixes, filepath.Clean(p))
		}
	}
	return AccessPolicy{Prefixes: prefixes}
}

func (p AccessPolicy) IsAccessible(path string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, prefix := range p.Prefixes {
		if hasPathPrefix(absPath, filepath.Clean(prefix)) {
			return true
		}
	}
	return false
}
