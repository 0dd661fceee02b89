// Package ignore decides which files of a shared directory take part in
// syncing.
//
// Rules use gitignore syntax and are read from the built-in defaults, the
// root .gitignore and the root .cosyncignore, in that order. Later rules win,
// so a negated rule in .cosyncignore can re-include a path .gitignore drops.
package ignore

import (
	"bufio"
	"os"
	"path"
	"strings"
	"sync"
)

// Matcher holds gitignore-style rules. It supports patterns like:
//   - *.log       - match files ending in .log
//   - /build/     - match build directory at root
//   - **/node_modules/** - match node_modules anywhere
//   - !important.log - negate (don't ignore) important.log
type Matcher struct {
	mu    sync.RWMutex
	rules []rule
}

type rule struct {
	original string
	pattern  string
	negation bool
	dirOnly  bool
	rooted   bool
}

// NewMatcher creates an empty matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// NewDefaultMatcher creates a matcher holding DefaultPatterns.
func NewDefaultMatcher() *Matcher {
	m := NewMatcher()
	m.AddPatterns(DefaultPatterns)
	return m
}

// AddPattern adds one rule. Blank lines and comments are skipped.
func (m *Matcher) AddPattern(pattern string) {
	pattern = strings.TrimRight(pattern, " \t\r")
	if pattern == "" || strings.HasPrefix(pattern, "#") {
		return
	}

	r := rule{original: pattern}
	if strings.HasPrefix(pattern, "!") {
		r.negation = true
		pattern = pattern[1:]
	}
	if strings.HasSuffix(pattern, "/") {
		r.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}
	if strings.HasPrefix(pattern, "/") {
		r.rooted = true
		pattern = pattern[1:]
	}
	if pattern == "" {
		return
	}
	r.pattern = pattern

	m.mu.Lock()
	m.rules = append(m.rules, r)
	m.mu.Unlock()
}

// AddPatterns adds several rules.
func (m *Matcher) AddPatterns(patterns []string) {
	for _, p := range patterns {
		m.AddPattern(p)
	}
}

// AddFromFile loads rules from a file such as .gitignore. A missing file is
// not an error.
func (m *Matcher) AddFromFile(file string) error {
	f, err := os.Open(file)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m.AddPattern(scanner.Text())
	}
	return scanner.Err()
}

// Match reports whether the slash-separated relative path is ignored.
func (m *Matcher) Match(rel string, isDir bool) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rel = strings.TrimPrefix(strings.ReplaceAll(rel, "\\", "/"), "./")

	ignored := false
	for _, r := range m.rules {
		if r.dirOnly && !isDir {
			continue
		}
		if matchRule(r, rel) {
			ignored = !r.negation
		}
	}
	return ignored
}

// MatchPath reports whether rel or any of its parent directories is ignored.
func (m *Matcher) MatchPath(rel string) bool {
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if m.Match(strings.Join(parts[:i], "/"), true) {
			return true
		}
	}
	return m.Match(rel, false)
}

// MatchDir reports whether the directory rel or any of its parents is
// ignored.
func (m *Matcher) MatchDir(rel string) bool {
	parts := strings.Split(rel, "/")
	for i := 1; i <= len(parts); i++ {
		if m.Match(strings.Join(parts[:i], "/"), true) {
			return true
		}
	}
	return false
}

// Len returns the number of rules.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}

// Patterns returns the rules as written.
func (m *Matcher) Patterns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.rules))
	for i, r := range m.rules {
		out[i] = r.original
	}
	return out
}

func matchRule(r rule, rel string) bool {
	pattern := r.pattern

	if strings.Contains(pattern, "**") {
		return matchDoubleGlob(pattern, rel)
	}

	if r.rooted {
		if strings.Contains(pattern, "/") {
			return matchGlob(pattern, rel)
		}
		first, _, _ := strings.Cut(rel, "/")
		return matchGlob(pattern, first)
	}

	if matchGlob(pattern, rel) {
		return true
	}
	if !strings.Contains(pattern, "/") {
		return matchGlob(pattern, path.Base(rel))
	}

	parts := strings.Split(rel, "/")
	for i := range parts {
		if matchGlob(pattern, strings.Join(parts[i:], "/")) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, name string) bool {
	if ok, _ := path.Match(pattern, name); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(name))
		return ok
	}
	return false
}

// matchDoubleGlob handles ** patterns that match any number of components.
func matchDoubleGlob(pattern, rel string) bool {
	parts := strings.Split(rel, "/")

	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		if middle, ok := strings.CutSuffix(rest, "/**"); ok {
			for _, p := range parts {
				if matchGlob(middle, p) {
					return true
				}
			}
			return false
		}
		if middle, ok := strings.CutSuffix(rest, "/*"); ok {
			for i, p := range parts {
				if i < len(parts)-1 && matchGlob(middle, p) {
					return true
				}
			}
			return false
		}
		for i := range parts {
			if matchGlob(rest, strings.Join(parts[i:], "/")) {
				return true
			}
		}
		return false
	}

	// foo/**/bar
	halves := strings.Split(pattern, "**")
	if len(halves) != 2 {
		return matchGlob(pattern, rel)
	}
	prefix := strings.TrimSuffix(halves[0], "/")
	suffix := strings.TrimPrefix(halves[1], "/")

	if prefix != "" && rel != prefix && !strings.HasPrefix(rel, prefix+"/") {
		return false
	}
	if suffix == "" {
		return true
	}
	for i := range parts {
		if matchGlob(suffix, strings.Join(parts[i:], "/")) {
			return true
		}
	}
	return false
}

// DefaultPatterns are ignored in every shared directory.
var DefaultPatterns = []string{
	// Version control
	".git/",
	".svn/",
	".hg/",

	// Dependencies
	"node_modules/",
	".venv/",
	"__pycache__/",
	"*.pyc",

	// Editor droppings
	".idea/",
	".vs/",
	"*.swp",
	"*.swo",
	"*~",

	// OS
	".DS_Store",
	"Thumbs.db",

	// Our own state
	"/.cosync",
	".cosync-*",
}
