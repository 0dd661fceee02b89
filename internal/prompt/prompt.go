// Package prompt asks the user to settle decisions the sync engine cannot
// make alone: which side wins when a workspace has diverged, and whether to
// go on when the upload set had to be trimmed to fit the size ceiling.
//
// Prompts block, so callers run them off the event loop.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrAborted is returned when the user dismisses a prompt.
var ErrAborted = errors.New("prompt aborted")

// Choice resolves a diverged workspace.
type Choice int

const (
	// ChoiceNone means no decision was made.
	ChoiceNone Choice = iota
	// ChoiceKeepLocal uploads local files and overwrites the workspace.
	ChoiceKeepLocal
	// ChoiceKeepRemote fetches workspace buffers and overwrites local files.
	ChoiceKeepRemote
)

// String returns a human-readable choice name.
func (c Choice) String() string {
	switch c {
	case ChoiceKeepLocal:
		return "keep-local"
	case ChoiceKeepRemote:
		return "keep-remote"
	default:
		return "none"
	}
}

// ParseChoice parses the output of Choice.String.
func ParseChoice(s string) (Choice, error) {
	switch s {
	case "keep-local", "local":
		return ChoiceKeepLocal, nil
	case "keep-remote", "remote":
		return ChoiceKeepRemote, nil
	case "", "none", "ask":
		return ChoiceNone, nil
	default:
		return ChoiceNone, fmt.Errorf("unknown choice %q", s)
	}
}

// Conflict lists how a local directory differs from the workspace.
type Conflict struct {
	Workspace string
	Changed   []string
	Missing   []string
	New       []string
	Ignored   []string
}

// Total returns the number of differing paths.
func (c Conflict) Total() int {
	return len(c.Changed) + len(c.Missing) + len(c.New) + len(c.Ignored)
}

// Oversize describes an upload set trimmed to fit the size ceiling.
type Oversize struct {
	Limit     int64
	Total     int64
	Removed   []string
	Remaining int64
	Files     int
}

// Prompter asks the user questions.
type Prompter interface {
	// ResolveConflict asks which side of a diverged workspace wins.
	ResolveConflict(ctx context.Context, c Conflict) (Choice, error)

	// ConfirmOversize asks whether to upload the trimmed remainder.
	ConfirmOversize(ctx context.Context, o Oversize) (bool, error)
}

// Static answers every prompt the same way. It is used for non-interactive
// runs and tests.
type Static struct {
	Choice  Choice
	Proceed bool
	Err     error

	mu        sync.Mutex
	conflicts []Conflict
	oversizes []Oversize
}

// ResolveConflict implements Prompter.
func (s *Static) ResolveConflict(_ context.Context, c Conflict) (Choice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, c)
	if s.Err != nil {
		return ChoiceNone, s.Err
	}
	if s.Choice == ChoiceNone {
		return ChoiceNone, ErrAborted
	}
	return s.Choice, nil
}

// ConfirmOversize implements Prompter.
func (s *Static) ConfirmOversize(_ context.Context, o Oversize) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oversizes = append(s.oversizes, o)
	if s.Err != nil {
		return false, s.Err
	}
	return s.Proceed, nil
}

// Conflicts returns every conflict asked about.
func (s *Static) Conflicts() []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Conflict(nil), s.conflicts...)
}

// Oversizes returns every oversize confirmation asked about.
func (s *Static) Oversizes() []Oversize {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Oversize(nil), s.oversizes...)
}
