package agent

import (
	"errors"
)

// Agent errors.
var (
	// ErrAlreadyRunning indicates Run was called twice.
	ErrAlreadyRunning = errors.New("agent already running")

	// ErrNoWorkspace indicates the options name no workspace.
	ErrNoWorkspace = errors.New("no workspace given")
)

// InitError represents an initialization error.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return "init " + e.Component + ": " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}
