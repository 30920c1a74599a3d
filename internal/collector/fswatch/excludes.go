package fswatch

import (
	"path/filepath"
	"strings"
	"sync"
)

// ExcludeSet holds path prefixes that are never reported. It can grow while
// watchers are running, so folders created at runtime (policy quarantine
// folders) are silenced as soon as they are added.
type ExcludeSet struct {
	mu       sync.RWMutex
	prefixes []string
}

// NewExcludeSet creates a set from paths. Empty entries are ignored.
func NewExcludeSet(paths ...string) *ExcludeSet {
	s := &ExcludeSet{}
	for _, p := range paths {
		s.Add(p)
	}
	return s
}

// Add excludes path and everything below it.
func (s *ExcludeSet) Add(path string) {
	if path = strings.TrimSpace(path); path == "" {
		return
	}
	path = cleanAbs(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prefixes {
		if p == path {
			return
		}
	}
	s.prefixes = append(s.prefixes, path)
}

// Contains reports whether path lies inside an excluded prefix.
func (s *ExcludeSet) Contains(path string) bool {
	if s == nil {
		return false
	}
	path = cleanAbs(path)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.prefixes {
		if path == e || strings.HasPrefix(path, e+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
