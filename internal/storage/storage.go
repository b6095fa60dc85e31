// Package storage persists scored requests for offline inspection.
// It uses BoltDB as the underlying storage engine with one bucket of
// captures keyed by timestamp, so cursor scans return records in
// chronological order.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// DBFile is the database file name below the data path.
const DBFile = "captures.db"

const capturesBucket = "captures"

// Store provides persistent storage for captures using BoltDB.
type Store struct {
	db *bbolt.DB
}

// New opens (creating if needed) the capture database under dataPath.
func New(dataPath string) (*Store, error) {
	return open(dataPath, false)
}

// OpenReadOnly opens an existing database without taking the write lock, so
// it can be inspected while the server runs.
func OpenReadOnly(dataPath string) (*Store, error) {
	return open(dataPath, true)
}

func open(dataPath string, readOnly bool) (*Store, error) {
	if !readOnly {
		if err := os.MkdirAll(dataPath, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data path: %w", err)
		}
	}
	dbPath := filepath.Join(dataPath, DBFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if !readOnly {
		err = db.Update(func(tx *bbolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists([]byte(capturesBucket)); err != nil {
				return fmt.Errorf("create captures bucket: %w", err)
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{db: db}, nil
}

// Path is the database file location.
func (s *Store) Path() string {
	return s.db.Path()
}

// Close closes the database. Closing twice is a no-op.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
