// Package watcher reports local edits to files in a shared directory.
//
// Raw fsnotify events are filtered through the directory's ignore rules,
// coalesced per path over a short debounce window and then handed to a
// callback as root-relative Changes. New directories are watched as they
// appear.
package watcher

import (
	"errors"
	"strings"
	"time"
)

// Common errors returned by watcher operations.
var (
	ErrWatcherClosed = errors.New("watcher is closed")
	ErrPathNotExist  = errors.New("path does not exist")
	ErrNotDirectory  = errors.New("watch root is not a directory")
)

// Op represents the type of file system operation.
type Op uint32

const (
	// OpCreate indicates a file or directory was created.
	OpCreate Op = 1 << iota
	// OpWrite indicates a file was written to.
	OpWrite
	// OpRemove indicates a file or directory was removed.
	OpRemove
	// OpRename indicates a file or directory was renamed away.
	OpRename
	// OpChmod indicates file permissions were changed.
	OpChmod
)

// String returns a human-readable representation of the operation. Combined
// operations are joined with "|".
func (op Op) String() string {
	if op == 0 {
		return "UNKNOWN"
	}
	var parts []string
	for _, o := range []struct {
		op   Op
		name string
	}{
		{OpCreate, "CREATE"},
		{OpWrite, "WRITE"},
		{OpRemove, "REMOVE"},
		{OpRename, "RENAME"},
		{OpChmod, "CHMOD"},
	} {
		if op.Has(o.op) {
			parts = append(parts, o.name)
		}
	}
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(parts, "|")
}

// Has returns true if the operation includes the given op.
func (op Op) Has(o Op) bool {
	return op&o == o
}

// Change is a debounced file change.
type Change struct {
	// Path is slash-separated and relative to the watch root.
	Path string

	// Op combines every operation seen during the debounce window.
	Op Op

	// Time is when the last operation was seen.
	Time time.Time
}

// Handler receives changes. It is called from the watcher's goroutines.
type Handler func(Change)

// Stats provides watcher status information.
type Stats struct {
	WatchedDirs   int
	PendingEvents int
	TotalEvents   int64
	Errors        int64
	LastError     error
	StartTime     time.Time
}

// Config configures a Watcher.
type Config struct {
	// Debounce is how long a path must be quiet before its change is
	// delivered.
	// Default: 100ms
	Debounce time.Duration

	// IgnoreChmod drops permission-only changes.
	// Default: true
	IgnoreChmod bool
}

// DefaultConfig returns the default watcher configuration.
func DefaultConfig() Config {
	return Config{
		Debounce:    100 * time.Millisecond,
		IgnoreChmod: true,
	}
}
