package reconcile

import (
	"errors"
	"io/fs"
	"sort"

	"github.com/dshills/cosync/internal/buffer"
	"github.com/dshills/cosync/internal/ignore"
)

// Classification sorts a workspace manifest against a local scan. Every
// manifest buffer lands in exactly one of Unchanged, Changed, Missing or
// Ignored; local files the manifest lacks are New.
type Classification struct {
	Unchanged []*buffer.Buffer
	Changed   []*buffer.Buffer
	Missing   []*buffer.Buffer
	Ignored   []*buffer.Buffer
	New       []ignore.File

	// Local indexes the scanned files by path.
	Local map[string]ignore.File

	// Unreadable holds the hash errors of files classed as Changed because
	// their content could not be compared.
	Unreadable map[string]error
}

// Diverged reports whether the local directory differs from the manifest.
func (c *Classification) Diverged() bool {
	return len(c.Changed)+len(c.Missing)+len(c.New) > 0
}

// UploadSet returns the local files backing changed buffers plus the new
// files, ordered by path.
func (c *Classification) UploadSet() []ignore.File {
	out := make([]ignore.File, 0, len(c.Changed)+len(c.New))
	for _, b := range c.Changed {
		out = append(out, c.Local[b.Path()])
	}
	out = append(out, c.New...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// UploadBytes returns the total size of UploadSet.
func (c *Classification) UploadBytes() int64 {
	var n int64
	for _, f := range c.UploadSet() {
		n += f.Size
	}
	return n
}

// HashFunc hashes a scanned local file.
type HashFunc func(ignore.File) (string, error)

// Classify compares manifest buffers against scan. ignored reports paths the
// local ignore rules exclude.
//
// A file that disappears before it is hashed is Missing. Any other hash
// failure classes the buffer as Changed and is recorded in Unreadable.
func Classify(bufs []*buffer.Buffer, scan ignore.Result, ignored func(string) bool, hash HashFunc) *Classification {
	c := &Classification{Local: scan.Index()}

	known := make(map[string]bool, len(bufs))
	for _, b := range bufs {
		known[b.Path()] = true

		if ignored != nil && ignored(b.Path()) {
			c.Ignored = append(c.Ignored, b)
			continue
		}

		f, ok := c.Local[b.Path()]
		if !ok {
			c.Missing = append(c.Missing, b)
			continue
		}

		h, err := hash(f)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			c.Missing = append(c.Missing, b)
		case err != nil:
			if c.Unreadable == nil {
				c.Unreadable = make(map[string]error)
			}
			c.Unreadable[b.Path()] = err
			c.Changed = append(c.Changed, b)
		case h == b.MD5:
			c.Unchanged = append(c.Unchanged, b)
		default:
			c.Changed = append(c.Changed, b)
		}
	}

	for _, f := range scan.Files {
		if !known[f.Path] {
			c.New = append(c.New, f)
		}
	}
	return c
}

func paths(bufs []*buffer.Buffer) []string {
	if len(bufs) == 0 {
		return nil
	}
	out := make([]string, len(bufs))
	for i, b := range bufs {
		out[i] = b.Path()
	}
	return out
}

func filePaths(files []ignore.File) []string {
	if len(files) == 0 {
		return nil
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}
