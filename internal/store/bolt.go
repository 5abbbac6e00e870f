// Package store persists all control-plane state in a single BoltDB
// file: users and refresh tokens, hosts and their sealed credentials,
// per-host role overrides, the audit trail, and in-flight setup
// wizards.
package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers       = []byte("users")
	bucketRefresh     = []byte("refresh_tokens")
	bucketHosts       = []byte("hosts")
	bucketCredentials = []byte("host_credentials")
	bucketPermissions = []byte("host_permissions")
	bucketAudit       = []byte("audit")
	bucketWizards     = []byte("wizards")
	bucketSettings    = []byte("settings")
)

// Store wraps a BoltDB database for control-plane persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUsers, bucketRefresh, bucketHosts, bucketCredentials, bucketPermissions, bucketAudit, bucketWizards, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSetting returns a raw settings value, or nil when unset.
func (s *Store) GetSetting(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSettings).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// SetSetting stores a raw settings value.
func (s *Store) SetSetting(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), value)
	})
}
