package reconcile

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"

	"github.com/dshills/cosync/internal/ignore"
)

// DefaultHashCacheSize is the number of file hashes kept between joins.
const DefaultHashCacheSize = 4096

type hashKey struct {
	path  string
	size  int64
	mtime int64
}

// Hasher computes MD5 hashes of local files, caching them by path, size and
// modification time so a reconnect does not rehash an unchanged tree.
type Hasher struct {
	root  string
	cache *lru.Cache
}

// NewHasher creates a hasher for files under root.
func NewHasher(root string, size int) (*Hasher, error) {
	if size <= 0 {
		size = DefaultHashCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create hash cache: %w", err)
	}
	return &Hasher{root: root, cache: cache}, nil
}

// Hash returns the hex MD5 of f's content.
func (h *Hasher) Hash(f ignore.File) (string, error) {
	key := hashKey{path: f.Path, size: f.Size, mtime: f.ModTime.UnixNano()}
	if v, ok := h.cache.Get(key); ok {
		return v.(string), nil
	}

	file, err := os.Open(h.abs(f.Path))
	if err != nil {
		return "", err
	}
	defer file.Close()

	sum := md5.New()
	if _, err := io.Copy(sum, file); err != nil {
		return "", fmt.Errorf("hash %s: %w", f.Path, err)
	}
	hash := hex.EncodeToString(sum.Sum(nil))
	h.cache.Add(key, hash)
	return hash, nil
}

// Read returns the content of the relative path.
func (h *Hasher) Read(rel string) (string, error) {
	data, err := os.ReadFile(h.abs(rel))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Cached returns the number of cached hashes.
func (h *Hasher) Cached() int {
	return h.cache.Len()
}

// Purge drops every cached hash.
func (h *Hasher) Purge() {
	h.cache.Purge()
}

func (h *Hasher) abs(rel string) string {
	return filepath.Join(h.root, filepath.FromSlash(rel))
}
