package ignore

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Ignore files read from the root of a shared directory.
const (
	GitIgnoreFile    = ".gitignore"
	CosyncIgnoreFile = ".cosyncignore"
)

// File is one regular file found by a scan.
type File struct {
	// Path is slash-separated and relative to the scan root.
	Path    string
	Size    int64
	ModTime time.Time
}

// Result is the outcome of scanning a directory tree.
type Result struct {
	Files []File
	Total int64
}

// Paths returns the relative paths of all files.
func (r Result) Paths() []string {
	out := make([]string, len(r.Files))
	for i, f := range r.Files {
		out[i] = f.Path
	}
	return out
}

// Index returns the files keyed by path.
func (r Result) Index() map[string]File {
	out := make(map[string]File, len(r.Files))
	for _, f := range r.Files {
		out[f.Path] = f
	}
	return out
}

// Scanner lists the files under a root that are not ignored.
type Scanner struct {
	root    string
	matcher *Matcher
	logger  *zap.Logger
}

// NewScanner creates a scanner for root with the default rules plus the
// root's .gitignore and .cosyncignore.
func NewScanner(root string, logger *zap.Logger) (*Scanner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}

	m := NewDefaultMatcher()
	for _, name := range []string{GitIgnoreFile, CosyncIgnoreFile} {
		if err := m.AddFromFile(filepath.Join(abs, name)); err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
	}

	return &Scanner{root: abs, matcher: m, logger: logger}, nil
}

// NewScannerWithMatcher creates a scanner using m as-is.
func NewScannerWithMatcher(root string, m *Matcher, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{root: root, matcher: m, logger: logger}
}

// Root returns the absolute scan root.
func (s *Scanner) Root() string {
	return s.root
}

// Matcher returns the scanner's rules.
func (s *Scanner) Matcher() *Matcher {
	return s.matcher
}

// Ignored reports whether a relative path is excluded by the rules.
func (s *Scanner) Ignored(rel string) bool {
	return s.matcher.MatchPath(rel)
}

// Scan walks the root. Ignored directories are not descended into; symlinks
// and other non-regular files are skipped.
func (s *Scanner) Scan() (Result, error) {
	var res Result

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == s.root {
			return nil
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if s.matcher.Match(rel, true) {
				s.logger.Debug("skipping ignored directory", zap.String("path", rel))
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if s.matcher.Match(rel, false) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		res.Files = append(res.Files, File{Path: rel, Size: info.Size(), ModTime: info.ModTime()})
		res.Total += info.Size()
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("scan %s: %w", s.root, err)
	}

	sort.Slice(res.Files, func(i, j int) bool { return res.Files[i].Path < res.Files[j].Path })
	return res, nil
}
