// Package state wraps the bbolt database holding all durable
// application state: the encrypted token vault blob and the backup
// copy of the in-flight authorization attempt. Secrets never reach
// this layer in plaintext.
package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.cpapdash/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	vaultBucket   = []byte("token_vault")
	attemptBucket = []byte("auth_attempt")
)

// DB wraps a bbolt database for all persistent application state.
type DB struct {
	db *bolt.DB
}

// Open opens the state database at the given path, creating it and
// its buckets if they do not exist.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(vaultBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(attemptBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// GetBlob returns the encrypted vault blob stored under id, or nil if
// none exists.
func (d *DB) GetBlob(id string) ([]byte, error) {
	var data []byte

	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(vaultBucket).Get([]byte(id))
		if v != nil {
			data = append([]byte(nil), v...)
		}

		return nil
	})

	return data, err
}

// PutBlob stores an encrypted vault blob under id, fully replacing
// any prior blob.
func (d *DB) PutBlob(id string, data []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(vaultBucket).Put([]byte(id), data)
	})
}

// DeleteBlob removes the blob stored under id. Deleting a missing
// blob is not an error.
func (d *DB) DeleteBlob(id string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(vaultBucket).Delete([]byte(id))
	})
}

// GetAttempt returns the serialized authorization attempt stored
// under key, or nil if none exists.
func (d *DB) GetAttempt(key string) ([]byte, error) {
	var data []byte

	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(attemptBucket).Get([]byte(key))
		if v != nil {
			data = append([]byte(nil), v...)
		}

		return nil
	})

	return data, err
}

// PutAttempt stores a serialized authorization attempt under key,
// overwriting any prior entry.
func (d *DB) PutAttempt(key string, data []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(attemptBucket).Put([]byte(key), data)
	})
}

// DeleteAttempt removes the attempt stored under key.
func (d *DB) DeleteAttempt(key string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(attemptBucket).Delete([]byte(key))
	})
}
