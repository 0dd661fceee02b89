package buffer

import (
	"fmt"
	"sort"
)

// Directory indexes the buffers of a workspace by id and by path.
//
// Both indexes are kept in lockstep: every registered buffer has exactly one
// path and every path maps to exactly one buffer. Callers mutate buffers'
// identity only through the Directory; it is not safe for concurrent use and
// is owned by the event loop.
type Directory struct {
	byID   map[int]*Buffer
	byPath map[string]int
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		byID:   make(map[int]*Buffer),
		byPath: make(map[string]int),
	}
}

// Add registers b. The path is normalized in place.
func (d *Directory) Add(b *Buffer) error {
	if b.ID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBufID, b.ID)
	}
	p, err := CleanPath(b.path)
	if err != nil {
		return err
	}
	if _, ok := d.byID[b.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, b.ID)
	}
	if other, ok := d.byPath[p]; ok {
		return fmt.Errorf("%w: %s (buf %d)", ErrPathTaken, p, other)
	}

	b.path = p
	d.byID[b.ID] = b
	d.byPath[p] = b.ID
	return nil
}

// Get returns the buffer with the given id.
func (d *Directory) Get(id int) (*Buffer, bool) {
	b, ok := d.byID[id]
	return b, ok
}

// Lookup returns the buffer registered at path.
func (d *Directory) Lookup(p string) (*Buffer, bool) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, false
	}
	id, ok := d.byPath[p]
	if !ok {
		return nil, false
	}
	return d.byID[id], true
}

// Rename moves buffer id to newPath.
func (d *Directory) Rename(id int, newPath string) (oldPath string, err error) {
	b, ok := d.byID[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownBuf, id)
	}
	p, err := CleanPath(newPath)
	if err != nil {
		return "", err
	}
	if p == b.path {
		return p, nil
	}
	if other, ok := d.byPath[p]; ok {
		return "", fmt.Errorf("%w: %s (buf %d)", ErrPathTaken, p, other)
	}

	oldPath = b.path
	delete(d.byPath, oldPath)
	d.byPath[p] = id
	b.path = p
	return oldPath, nil
}

// Remove unregisters buffer id and returns it.
func (d *Directory) Remove(id int) (*Buffer, bool) {
	b, ok := d.byID[id]
	if !ok {
		return nil, false
	}
	delete(d.byID, id)
	delete(d.byPath, b.path)
	return b, true
}

// Reset drops every buffer.
func (d *Directory) Reset() {
	d.byID = make(map[int]*Buffer)
	d.byPath = make(map[string]int)
}

// Len returns the number of registered buffers.
func (d *Directory) Len() int {
	return len(d.byID)
}

// All returns the buffers ordered by id.
func (d *Directory) All() []*Buffer {
	out := make([]*Buffer, 0, len(d.byID))
	for _, b := range d.byID {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Paths returns the registered paths, sorted.
func (d *Directory) Paths() []string {
	out := make([]string, 0, len(d.byPath))
	for p := range d.byPath {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
