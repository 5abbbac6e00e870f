package store

import (
	bolt "go.etcd.io/bbolt"
)

// Wizard state is stored as opaque JSON blobs: every mutation replaces
// the whole instance, so a crash leaves either the old or the new state,
// never a mix.

// PutWizard stores a wizard instance blob.
func (s *Store) PutWizard(id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWizards).Put([]byte(id), data)
	})
}

// GetWizard returns a wizard blob, or nil when absent.
func (s *Store) GetWizard(id string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketWizards).Get([]byte(id)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// DeleteWizard removes a wizard blob. Idempotent.
func (s *Store) DeleteWizard(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWizards).Delete([]byte(id))
	})
}

// ListWizards returns all wizard blobs keyed by ID.
func (s *Store) ListWizards() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWizards).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}
