package store

import (
	"errors"
	"path"
	"strings"
)

// ErrInvalidPath is returned for empty, absolute or root-escaping paths.
var ErrInvalidPath = errors.New("store: invalid path")

// File is one (path, content) pair of the replicated namespace.
type File struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// Store is the durable backend every replica commits to. Paths are relative,
// slash-separated keys of the logical file namespace.
type Store interface {
	// Write replaces the content at p, creating intermediate directories.
	Write(p string, data []byte) error
	// Delete removes p. Deleting a path that does not exist is not an error.
	Delete(p string) error
	// List returns every stored file with its content, sorted by path.
	List() ([]File, error)
	Close() error
}

// Clean normalizes p to a relative slash path and rejects anything that
// would resolve outside the store root.
func Clean(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", ErrInvalidPath
	}
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", ErrInvalidPath
	}
	return c, nil
}
