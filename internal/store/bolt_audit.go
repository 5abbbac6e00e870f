package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/harbormaster-io/harbormaster/internal/audit"
)

// auditKey orders events chronologically: "{RFC3339Nano}::{id}". The id
// suffix keeps same-instant events distinct.
func auditKey(e audit.Event) []byte {
	return []byte(fmt.Sprintf("%s::%s", e.Timestamp.UTC().Format(time.RFC3339Nano), e.ID))
}

// AppendAudit persists one audit event.
func (s *Store) AppendAudit(e audit.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).Put(auditKey(e), data)
	})
}

// ListAudit walks the bucket newest first, applying the filter as it
// goes. Before pages backwards through history.
func (s *Store) ListAudit(f audit.Filter) ([]audit.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []audit.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()

		var k, v []byte
		if !f.Before.IsZero() {
			// Seek to the cutoff, then step back to the first strictly
			// older key.
			seek := []byte(f.Before.UTC().Format(time.RFC3339Nano))
			k, v = c.Seek(seek)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}

		for ; k != nil && len(out) < limit; k, v = c.Prev() {
			var e audit.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal audit event %s: %w", k, err)
			}
			if !f.Before.IsZero() && !e.Timestamp.Before(f.Before) {
				continue
			}
			if f.UserID != "" && e.UserID != f.UserID {
				continue
			}
			if f.Action != "" && e.Action != f.Action {
				continue
			}
			if f.HostID != "" && e.HostID != f.HostID {
				continue
			}
			if f.Outcome != "" && e.Outcome != f.Outcome {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// PruneAudit deletes events strictly older than the cutoff, returning
// the number removed.
func (s *Store) PruneAudit(before time.Time) (int, error) {
	cutoff := []byte(before.UTC().Format(time.RFC3339Nano))
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		c := b.Cursor()

		var doomed [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoff) {
				break
			}
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
