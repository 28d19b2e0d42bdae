package dirstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/amirimatin/go-filesync/pkg/store"
)

// Dir mirrors the namespace directly under Root. No metadata is kept next to
// the files, so a restart keeps exactly the current contents.
type Dir struct {
	root string
}

// New creates root if needed and returns a store rooted there.
func New(root string) (*Dir, error) {
	if root == "" {
		return nil, errors.New("dirstore: empty root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("dirstore: mkdir %s: %w", abs, err)
	}
	return &Dir{root: abs}, nil
}

// Root returns the absolute directory backing the store.
func (d *Dir) Root() string { return d.root }

func (d *Dir) target(p string) (string, error) {
	c, err := store.Clean(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(c)), nil
}

func (d *Dir) Write(p string, data []byte) error {
	t, err := d.target(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t), 0o755); err != nil {
		return fmt.Errorf("mkdir failed: %w", err)
	}
	if err := os.WriteFile(t, data, 0o644); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

func (d *Dir) Delete(p string) error {
	t, err := d.target(p)
	if err != nil {
		return err
	}
	if err := os.Remove(t); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove failed: %w", err)
	}
	return nil
}

func (d *Dir) List() ([]store.File, error) {
	var out []store.File
	err := filepath.WalkDir(d.root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out = append(out, store.File{Path: filepath.ToSlash(rel), Content: data})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (d *Dir) Close() error { return nil }

var _ store.Store = (*Dir)(nil)
