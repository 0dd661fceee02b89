// Package view connects buffers to whatever displays them.
//
// A View is the live text of one buffer: an editor pane, or in CLI mode the
// file on disk. Remote changes are pushed into a view with Splice, which
// replaces only the span that actually changed so unrelated cursors and
// selections stay where they were.
package view

import (
	"sort"
	"sync"
)

// LockedStatus is the status shown while a buffer waits for a full refetch.
const LockedStatus = "locked until synced"

// Selection is a byte range in a view's text. Start may exceed End for a
// backwards selection.
type Selection struct {
	Start int
	End   int
}

// View is the live text of a buffer.
type View interface {
	// Text returns the current text.
	Text() (string, error)

	// Replace substitutes text for the byte range [start, end).
	Replace(start, end int, text string) error

	// Selections returns the current selections.
	Selections() []Selection

	// SetSelections replaces the selections.
	SetSelections(sels []Selection)

	// SetReadOnly locks or unlocks the view for user edits. status is shown
	// to the user while locked.
	SetReadOnly(readOnly bool, status string)
}

// Registry finds the view for a buffer path.
type Registry interface {
	Lookup(path string) (View, bool)
}

// MemoryRegistry holds in-memory views keyed by buffer path.
type MemoryRegistry struct {
	mu    sync.RWMutex
	views map[string]View
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{views: make(map[string]View)}
}

// Register attaches v to path.
func (r *MemoryRegistry) Register(path string, v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views[path] = v
}

// Unregister detaches the view for path.
func (r *MemoryRegistry) Unregister(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.views, path)
}

// Lookup implements Registry.
func (r *MemoryRegistry) Lookup(path string) (View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[path]
	return v, ok
}

// Paths returns the registered paths in order.
func (r *MemoryRegistry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.views))
	for p := range r.views {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
