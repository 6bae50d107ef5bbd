package fs

import (
	"path/filepath"
	"sort"
	"strings"
)

// PathTable maps source path prefixes to destination prefixes. It is built
// once and never mutated afterward, so lookups are safe from any number of
// goroutines without locking.
type PathTable struct {
	entries map[string]string
	// Keys sorted by descending length, ties broken lexically.
	keys []string
}

func NewPathTable(mapping map[string]string) *PathTable {
	table := &PathTable{
		entries: make(map[string]string, len(mapping)),
		keys:    make([]string, 0, len(mapping)),
	}
	for src, dst := range mapping {
		if src == "" {
			continue
		}
		cleanSrc := cleanPrefix(src)
		table.entries[cleanSrc] = cleanPrefix(dst)
	}
	for src := range table.entries {
		table.keys = append(table.keys, src)
	}
	sort.Slice(table.keys, func(i, j int) bool {
		if len(table.keys[i]) != len(table.keys[j]) {
			return len(table.keys[i]) > len(table.keys[j])
		}
		return table.keys[i] < table.keys[j]
	})
	return table
}

func (t *PathTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.keys)
}

// Returns: the longest key in the table which is a prefix of path (at a
// directory boundary), plus the destination it maps to.
func (t *PathTable) longestPrefix(path string) (string, string, bool) {
	if t == nil {
		return "", "", false
	}
	for _, key := range t.keys {
		if hasPathPrefix(path, key) {
			return key, t.entries[key], true
		}
	}
	return "", "", false
}

// Rewrite applies the longest matching prefix of the table to path.
func (t *PathTable) Rewrite(path string) (string, bool) {
	key, dst, ok := t.longestPrefix(path)
	if !ok {
		return path, false
	}
	return dst + path[len(key):], true
}

// Normalize gives the path a remote execution sandbox should use for a
// local path. Staged directories are consulted first; user aliases only
// apply when no staged prefix matches.
func Normalize(path string, staged, aliases *PathTable) string {
	if out, ok := staged.Rewrite(path); ok {
		return out
	}
	if out, ok := aliases.Rewrite(path); ok {
		return out
	}
	return path
}

func hasPathPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}

func cleanPrefix(p string) string {
	if p == "/" {
		return p
	}
	return strings.TrimSuffix(filepath.Clean(p), "/")
}
