// Package diff wraps the diff-match-patch engine used to build and apply
// buffer patches.
//
// Patches travel over the wire in the diff-match-patch text format. Applying
// a patch reports a success flag per hunk; a patch is clean when every hunk
// applied and dirty otherwise.
package diff

import (
	"fmt"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// cleanupThreshold is the number of diffs above which semantic and
// efficiency cleanup passes are run before building patches.
const cleanupThreshold = 2

// Patch is an edit script transforming one text into another.
type Patch struct {
	hunks []diffmatchpatch.Patch
}

// Len returns the number of hunks in the patch.
func (p Patch) Len() int {
	return len(p.hunks)
}

// Empty reports whether the patch has no hunks.
func (p Patch) Empty() bool {
	return len(p.hunks) == 0
}

// Result is the outcome of applying a patch.
type Result struct {
	// Text is the patched text. It is only meaningful when Clean returns true.
	Text string

	// Applied holds one flag per hunk.
	Applied []bool
}

// Clean reports whether every hunk applied.
func (r Result) Clean() bool {
	for _, ok := range r.Applied {
		if !ok {
			return false
		}
	}
	return true
}

// Failed returns the number of hunks that did not apply.
func (r Result) Failed() int {
	n := 0
	for _, ok := range r.Applied {
		if !ok {
			n++
		}
	}
	return n
}

// Options tunes the matcher used when applying patches.
type Options struct {
	// MatchThreshold is the fuzziness allowed when locating a hunk (0 exact, 1 loose).
	MatchThreshold float64

	// MatchDistance is how far from the expected location a match may be.
	MatchDistance int

	// DeleteThreshold controls how closely deleted text must match.
	DeleteThreshold float64

	// Timeout bounds a single diff computation. Zero means no limit.
	Timeout time.Duration
}

// DefaultOptions returns the diff-match-patch defaults.
func DefaultOptions() Options {
	return Options{
		MatchThreshold:  0.5,
		MatchDistance:   1000,
		DeleteThreshold: 0.5,
		Timeout:         time.Second,
	}
}

// Engine builds, applies and serializes patches.
type Engine struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// New creates an engine with the given options.
func New(opts Options) *Engine {
	dmp := diffmatchpatch.New()
	dmp.MatchThreshold = opts.MatchThreshold
	dmp.MatchDistance = opts.MatchDistance
	dmp.PatchDeleteThreshold = opts.DeleteThreshold
	dmp.DiffTimeout = opts.Timeout
	return &Engine{dmp: dmp}
}

// NewDefault creates an engine with DefaultOptions.
func NewDefault() *Engine {
	return New(DefaultOptions())
}

// Make computes the patch turning oldText into newText.
// Identical inputs produce an empty patch.
func (e *Engine) Make(oldText, newText string) Patch {
	if oldText == newText {
		return Patch{}
	}

	diffs := e.dmp.DiffMain(oldText, newText, true)
	if len(diffs) > cleanupThreshold {
		diffs = e.dmp.DiffCleanupSemantic(diffs)
		diffs = e.dmp.DiffCleanupEfficiency(diffs)
	}

	return Patch{hunks: e.dmp.PatchMake(oldText, diffs)}
}

// Apply applies p to text and reports per-hunk success.
func (e *Engine) Apply(p Patch, text string) Result {
	if p.Empty() {
		return Result{Text: text}
	}

	// PatchApply mutates the hunks it is given.
	hunks := e.dmp.PatchDeepCopy(p.hunks)
	out, applied := e.dmp.PatchApply(hunks, text)
	return Result{Text: out, Applied: applied}
}

// Serialize renders p in the diff-match-patch text format.
func (e *Engine) Serialize(p Patch) string {
	return e.dmp.PatchToText(p.hunks)
}

// Parse decodes a patch in the diff-match-patch text format.
func (e *Engine) Parse(s string) (Patch, error) {
	if s == "" {
		return Patch{}, nil
	}
	hunks, err := e.dmp.PatchFromText(s)
	if err != nil {
		return Patch{}, fmt.Errorf("parse patch: %w", err)
	}
	return Patch{hunks: hunks}, nil
}
