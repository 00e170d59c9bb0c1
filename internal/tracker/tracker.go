// Package tracker records which project files are known to exist in a
// sandbox so edit-mode applies can decide between a merge and a full write.
package tracker

import (
	"sort"
	"sync"
)

// Tracker is a concurrency-safe set of normalized file paths.
// One Tracker belongs to one sandbox session.
type Tracker struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

// New returns an empty tracker, optionally seeded with paths.
func New(paths ...string) *Tracker {
	t := &Tracker{paths: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		t.paths[p] = struct{}{}
	}
	return t
}

// Has reports whether path is tracked.
func (t *Tracker) Has(path string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.paths[path]
	return ok
}

// Add marks path as existing.
func (t *Tracker) Add(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths[path] = struct{}{}
}

// Remove forgets path.
func (t *Tracker) Remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.paths, path)
}

// Paths returns the tracked paths in lexical order.
func (t *Tracker) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.paths))
	for p := range t.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tracked paths.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.paths)
}

// Reset forgets every path.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths = make(map[string]struct{})
}
