package config

import (
	"errors"
	"fmt"
)

var (
	// ErrValidationFailed matches every *ValidationError.
	ErrValidationFailed = errors.New("invalid configuration")

	// ErrFileNotFound is returned when a required config file is absent.
	ErrFileNotFound = errors.New("config file not found")
)

// SourceDefault marks a setting no file or variable overrode.
const SourceDefault = "default"

// ParseError reports a config file that is not valid TOML. Line and Column
// are zero when the decoder could not place the failure.
type ParseError struct {
	File   string
	Line   int
	Column int
	Err    error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("config %s:%d:%d: %v", e.File, e.Line, e.Column, e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError names the setting that failed Validate and where its value
// came from, so the user knows whether to fix the file or the environment.
type ValidationError struct {
	// Key is the dotted setting name, e.g. sync.upload_delay.
	Key    string
	Reason string
	Value  any

	// Source is the config file path, the COSYNC_ variable name or
	// SourceDefault. Validate leaves it empty; Load fills it in.
	Source string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s = %v: %s", e.Key, e.Value, e.Reason)
	if e.Source != "" {
		msg += " (set by " + e.Source + ")"
	}
	return msg
}

// Is matches ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}
