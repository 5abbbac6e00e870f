package store

import (
	bolt "go.etcd.io/bbolt"
)

// PutSealedCredential stores a sealed credential envelope for a host.
// The store never sees plaintext; sealing happens in the vault.
func (s *Store) PutSealedCredential(hostID string, envelope []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Put([]byte(hostID), envelope)
	})
}

// GetSealedCredential returns the envelope for a host, or nil when absent.
func (s *Store) GetSealedCredential(hostID string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketCredentials).Get([]byte(hostID)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// DeleteSealedCredential removes a host's envelope. Idempotent.
func (s *Store) DeleteSealedCredential(hostID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete([]byte(hostID))
	})
}
