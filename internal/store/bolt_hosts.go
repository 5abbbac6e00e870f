package store

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/harbormaster-io/harbormaster/internal/hosts"
)

func hostNameIndexKey(name string) []byte {
	return []byte("idx::name::" + name)
}

// CreateHost persists a new host and its name index atomically.
func (s *Store) CreateHost(h hosts.Host) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal host: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		if existing := b.Get(hostNameIndexKey(h.Name)); existing != nil {
			return hosts.ErrNameExists
		}
		if err := b.Put([]byte(h.ID), data); err != nil {
			return err
		}
		return b.Put(hostNameIndexKey(h.Name), []byte(h.ID))
	})
}

// GetHost returns a host by ID, or nil when absent.
func (s *Store) GetHost(id string) (*hosts.Host, error) {
	var host *hosts.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHosts).Get([]byte(id))
		if v == nil {
			return nil
		}
		var h hosts.Host
		if err := json.Unmarshal(v, &h); err != nil {
			return fmt.Errorf("unmarshal host: %w", err)
		}
		host = &h
		return nil
	})
	return host, err
}

// GetHostByName resolves the name index, then the record.
func (s *Store) GetHostByName(name string) (*hosts.Host, error) {
	var host *hosts.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		id := b.Get(hostNameIndexKey(name))
		if id == nil {
			return nil
		}
		v := b.Get(id)
		if v == nil {
			return nil
		}
		var h hosts.Host
		if err := json.Unmarshal(v, &h); err != nil {
			return fmt.Errorf("unmarshal host: %w", err)
		}
		host = &h
		return nil
	})
	return host, err
}

// UpdateHost replaces a host record, moving the name index if renamed.
func (s *Store) UpdateHost(h hosts.Host) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal host: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		old := b.Get([]byte(h.ID))
		if old == nil {
			return hosts.ErrNotFound
		}
		var prev hosts.Host
		if err := json.Unmarshal(old, &prev); err == nil && prev.Name != h.Name {
			if taken := b.Get(hostNameIndexKey(h.Name)); taken != nil {
				return hosts.ErrNameExists
			}
			if err := b.Delete(hostNameIndexKey(prev.Name)); err != nil {
				return err
			}
			if err := b.Put(hostNameIndexKey(h.Name), []byte(h.ID)); err != nil {
				return err
			}
		}
		return b.Put([]byte(h.ID), data)
	})
}

// DeleteHost removes a host and its name index.
func (s *Store) DeleteHost(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		v := b.Get([]byte(id))
		if v == nil {
			return hosts.ErrNotFound
		}
		var h hosts.Host
		if err := json.Unmarshal(v, &h); err == nil {
			if err := b.Delete(hostNameIndexKey(h.Name)); err != nil {
				return err
			}
		}
		return b.Delete([]byte(id))
	})
}

// ListHosts returns all hosts ordered by creation time.
func (s *Store) ListHosts() ([]hosts.Host, error) {
	var out []hosts.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(k, v []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var h hosts.Host
			if err := json.Unmarshal(v, &h); err != nil {
				return fmt.Errorf("unmarshal host %s: %w", k, err)
			}
			out = append(out, h)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SetDefaultHost atomically clears the default flag on every host and
// sets it on the given one.
func (s *Store) SetDefaultHost(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		if b.Get([]byte(id)) == nil {
			return hosts.ErrNotFound
		}

		var updates []hosts.Host
		err := b.ForEach(func(k, v []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var h hosts.Host
			if err := json.Unmarshal(v, &h); err != nil {
				return fmt.Errorf("unmarshal host %s: %w", k, err)
			}
			want := h.ID == id
			if h.Default != want {
				h.Default = want
				updates = append(updates, h)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, h := range updates {
			data, err := json.Marshal(h)
			if err != nil {
				return fmt.Errorf("marshal host: %w", err)
			}
			if err := b.Put([]byte(h.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}
