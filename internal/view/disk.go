package view

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Disk is a view backed by a file. In CLI mode the file on disk is the live
// text of the buffer.
type Disk struct {
	path string

	mu       sync.Mutex
	readOnly bool
	status   string
}

// NewDisk creates a view for the file at path.
func NewDisk(path string) *Disk {
	return &Disk{path: path}
}

// Path returns the file path.
func (d *Disk) Path() string {
	return d.path
}

// Text implements View. A missing file reads as empty.
func (d *Disk) Text() (string, error) {
	data, err := os.ReadFile(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Replace implements View by rewriting the file.
func (d *Disk) Replace(start, end int, text string) error {
	old, err := d.Text()
	if err != nil {
		return err
	}
	if start < 0 || end < start || end > len(old) {
		return fmt.Errorf("replace [%d,%d) out of range for %s", start, end, d.path)
	}
	return WriteFile(d.path, []byte(old[:start]+text+old[end:]))
}

// Selections implements View. Files have no selections.
func (d *Disk) Selections() []Selection { return nil }

// SetSelections implements View.
func (d *Disk) SetSelections([]Selection) {}

// SetReadOnly implements View.
func (d *Disk) SetReadOnly(readOnly bool, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readOnly = readOnly
	d.status = status
}

// ReadOnly returns the lock state and its status message.
func (d *Disk) ReadOnly() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readOnly, d.status
}

// WriteFile atomically replaces the file at path, creating parent
// directories as needed.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, ".cosync-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(name, mode); err != nil {
		os.Remove(name)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// DiskRegistry serves a Disk view for every path under Root. Views are
// cached so lock state survives between lookups.
type DiskRegistry struct {
	Root string

	mu    sync.Mutex
	views map[string]*Disk
}

// NewDiskRegistry creates a registry rooted at root.
func NewDiskRegistry(root string) *DiskRegistry {
	return &DiskRegistry{Root: root, views: make(map[string]*Disk)}
}

// Lookup implements Registry.
func (r *DiskRegistry) Lookup(path string) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.views[path]; ok {
		return d, true
	}
	d := NewDisk(filepath.Join(r.Root, filepath.FromSlash(path)))
	r.views[path] = d
	return d, true
}

// Locked reports whether the view for path is read-only.
func (r *DiskRegistry) Locked(path string) bool {
	r.mu.Lock()
	d, ok := r.views[path]
	r.mu.Unlock()
	if !ok {
		return false
	}
	ro, _ := d.ReadOnly()
	return ro
}
