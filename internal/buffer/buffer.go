// Package buffer holds the shared buffers of a workspace and the directory
// that indexes them by id and by path.
package buffer

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

// Encoding is the transfer encoding of a buffer body.
type Encoding string

const (
	// EncodingUTF8 marks a text buffer.
	EncodingUTF8 Encoding = "utf8"
	// EncodingBase64 marks content that is not valid UTF-8.
	EncodingBase64 Encoding = "base64"
)

// Errors returned by buffer operations.
var (
	ErrNotLoaded    = errors.New("buffer content not loaded")
	ErrBadEncoding  = errors.New("unknown buffer encoding")
	ErrInvalidPath  = errors.New("invalid buffer path")
	ErrDuplicateID  = errors.New("buffer id already registered")
	ErrPathTaken    = errors.New("path already registered to another buffer")
	ErrUnknownBuf   = errors.New("unknown buffer")
	ErrInvalidBufID = errors.New("invalid buffer id")
)

// Hash returns the hex MD5 of content.
func Hash(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// DetectEncoding picks the encoding a local file body should travel with.
func DetectEncoding(content []byte) Encoding {
	if utf8.Valid(content) {
		return EncodingUTF8
	}
	return EncodingBase64
}

// EncodeBody renders raw content for the wire.
func EncodeBody(content string, enc Encoding) string {
	if enc == EncodingBase64 {
		return base64.StdEncoding.EncodeToString([]byte(content))
	}
	return content
}

// DecodeBody turns a wire body back into raw content.
func DecodeBody(body string, enc Encoding) (string, error) {
	switch enc {
	case EncodingUTF8, "":
		return body, nil
	case EncodingBase64:
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return "", fmt.Errorf("decode base64 body: %w", err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBadEncoding, enc)
	}
}

// CleanPath normalizes a workspace-relative path to forward slashes and
// rejects paths escaping the workspace root.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return cleaned, nil
}

// Buffer is the local view of one shared file.
//
// Content is optional: a buffer listed in the workspace manifest has no body
// until it is fetched from the server or loaded from disk.
type Buffer struct {
	ID       int
	Encoding Encoding

	// MD5 is the hash of the last known good content.
	MD5 string

	// PendingResync is set while a full refetch is outstanding.
	PendingResync bool

	// ForcedPatch is set after a local edit preempted an incoming patch.
	ForcedPatch bool

	path    string
	content string
	loaded  bool
}

// New creates an unloaded buffer.
func New(id int, p string, enc Encoding, md5 string) *Buffer {
	if enc == "" {
		enc = EncodingUTF8
	}
	return &Buffer{ID: id, path: p, Encoding: enc, MD5: md5}
}

// Path returns the workspace-relative path. It changes only through the
// Directory the buffer is registered with.
func (b *Buffer) Path() string {
	return b.path
}

// Content returns the raw content and whether it is loaded.
func (b *Buffer) Content() (string, bool) {
	return b.content, b.loaded
}

// Loaded reports whether the buffer body is in memory.
func (b *Buffer) Loaded() bool {
	return b.loaded
}

// SetContent stores content and recomputes the hash.
func (b *Buffer) SetContent(content string) {
	b.content = content
	b.loaded = true
	b.MD5 = Hash(content)
}

// Unload drops the in-memory body, keeping the last known hash.
func (b *Buffer) Unload() {
	b.content = ""
	b.loaded = false
}

// Binary reports whether the buffer travels base64 encoded.
func (b *Buffer) Binary() bool {
	return b.Encoding == EncodingBase64
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buf %d (%s)", b.ID, b.path)
}
