// Package persist stores state that outlives a session: the marker file
// that ties a local directory to its workspace, and the user registry of
// known workspaces, recent joins and credentials.
package persist

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MarkerFile is the name of the marker written into shared directories.
const MarkerFile = ".cosync"

// ErrNoMarker is returned when a directory has no marker file.
var ErrNoMarker = errors.New("directory is not linked to a workspace")

// Marker links a local directory to a workspace.
type Marker struct {
	URL    string `yaml:"url"`
	Host   string `yaml:"host"`
	Owner  string `yaml:"owner"`
	Name   string `yaml:"name"`
	Port   int    `yaml:"port,omitempty"`
	Secure bool   `yaml:"secure"`
}

// ReadMarker reads the marker in dir.
func ReadMarker(dir string) (Marker, error) {
	data, err := os.ReadFile(filepath.Join(dir, MarkerFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Marker{}, ErrNoMarker
	}
	if err != nil {
		return Marker{}, fmt.Errorf("read marker: %w", err)
	}

	var m Marker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("parse marker %s: %w", filepath.Join(dir, MarkerFile), err)
	}
	if m.Owner == "" || m.Name == "" {
		return Marker{}, fmt.Errorf("marker %s: missing owner or name", filepath.Join(dir, MarkerFile))
	}
	return m, nil
}

// WriteMarker writes m into dir, replacing any existing marker.
func WriteMarker(dir string, m Marker) error {
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, MarkerFile), data, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

// FindMarker walks up from dir looking for a marker and returns it with the
// directory holding it.
func FindMarker(dir string) (Marker, string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Marker{}, "", err
	}
	for {
		m, err := ReadMarker(abs)
		if err == nil {
			return m, abs, nil
		}
		if !errors.Is(err, ErrNoMarker) {
			return Marker{}, "", err
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return Marker{}, "", ErrNoMarker
		}
		abs = parent
	}
}
