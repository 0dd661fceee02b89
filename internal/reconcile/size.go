package reconcile

import (
	"errors"
	"sort"
	"strings"

	"github.com/dshills/cosync/internal/ignore"
)

// DefaultMaxWorkspaceSize is the upload ceiling when none is configured.
const DefaultMaxWorkspaceSize int64 = 100 << 20

// ErrWorkspaceTooLarge is returned when an upload exceeds the ceiling and the
// user declined the trimmed set.
var ErrWorkspaceTooLarge = errors.New("workspace exceeds size limit")

// Trim is the result of fitting an upload set under a size ceiling.
type Trim struct {
	Limit   int64
	Total   int64
	Kept    []ignore.File
	Removed []string

	// Remaining is the byte size of Kept.
	Remaining int64
}

// Trimmed reports whether anything was removed.
func (t Trim) Trimmed() bool {
	return len(t.Removed) > 0
}

type sizeNode struct {
	name     string
	path     string
	size     int64
	file     bool
	parent   *sizeNode
	children map[string]*sizeNode
	removed  bool
}

func (n *sizeNode) child(name string, file bool) *sizeNode {
	if c, ok := n.children[name]; ok {
		return c
	}
	p := name
	if n.path != "" {
		p = n.path + "/" + name
	}
	c := &sizeNode{name: name, path: p, file: file, parent: n}
	if !file {
		c.children = make(map[string]*sizeNode)
	}
	n.children[name] = c
	return c
}

// largest returns the biggest remaining child, breaking ties by path.
func (n *sizeNode) largest() *sizeNode {
	var best *sizeNode
	for _, c := range n.children {
		if c.removed || c.size == 0 && !c.file {
			continue
		}
		if best == nil || c.size > best.size || c.size == best.size && c.path < best.path {
			best = c
		}
	}
	return best
}

func (n *sizeNode) remove() {
	n.removed = true
	for p := n.parent; p != nil; p = p.parent {
		p.size -= n.size
	}
}

// TrimToLimit removes the largest subtrees from files until the total fits
// under limit. Directory sizes are summed bottom-up; at each step the search
// descends through the largest children for as long as the child alone still
// covers the excess, then removes the subtree it stopped on.
func TrimToLimit(files []ignore.File, limit int64) Trim {
	root := &sizeNode{children: make(map[string]*sizeNode)}
	var total int64
	for _, f := range files {
		total += f.Size
		parts := strings.Split(f.Path, "/")
		n := root
		for i, part := range parts {
			n = n.child(part, i == len(parts)-1)
		}
		for p := n; p != nil; p = p.parent {
			p.size += f.Size
		}
	}

	t := Trim{Limit: limit, Total: total}
	if limit <= 0 || total <= limit {
		t.Kept = files
		t.Remaining = total
		return t
	}

	for root.size > limit {
		excess := root.size - limit
		n := root.largest()
		if n == nil {
			break
		}
		for !n.file {
			c := n.largest()
			if c == nil || c.size < excess {
				break
			}
			n = c
		}
		n.remove()
		t.Removed = append(t.Removed, n.path)
	}

	sort.Strings(t.Removed)
	for _, f := range files {
		if !removedUnder(t.Removed, f.Path) {
			t.Kept = append(t.Kept, f)
			t.Remaining += f.Size
		}
	}
	return t
}

func removedUnder(removed []string, p string) bool {
	for _, r := range removed {
		if p == r || strings.HasPrefix(p, r+"/") {
			return true
		}
	}
	return false
}
