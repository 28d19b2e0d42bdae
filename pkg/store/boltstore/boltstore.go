package boltstore

import (
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/amirimatin/go-filesync/pkg/store"
)

var bucketFiles = []byte("files")

// Store keeps the namespace as path -> content in a single bbolt bucket.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the database file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFiles)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Write(p string, data []byte) error {
	key, err := store.Clean(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		// bbolt keeps a reference to value until the tx ends; copy so callers may reuse data.
		return tx.Bucket(bucketFiles).Put([]byte(key), append([]byte{}, data...))
	})
}

func (s *Store) Delete(p string) error {
	key, err := store.Clean(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).Delete([]byte(key))
	})
}

// List walks the bucket in key order, which is already sorted by path.
func (s *Store) List() ([]store.File, error) {
	var out []store.File
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			out = append(out, store.File{Path: string(k), Content: append([]byte{}, v...)})
			return nil
		})
	})
	return out, err
}

func (s *Store) Close() error { return s.db.Close() }

var _ store.Store = (*Store)(nil)
