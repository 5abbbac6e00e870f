package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/harbormaster-io/harbormaster/internal/auth"
)

// ---- index key helpers ----

func userIndexKey(username string) []byte {
	return []byte("idx::username::" + username)
}

func tokenKey(hash string) []byte {
	return []byte("tok::" + hash)
}

func tokenFamilyIndexKey(familyID, hash string) []byte {
	return []byte("idx::fam::" + familyID + "::" + hash)
}

func tokenFamilyIndexPrefix(familyID string) []byte {
	return []byte("idx::fam::" + familyID + "::")
}

func tokenUserIndexKey(userID, hash string) []byte {
	return []byte("idx::user::" + userID + "::" + hash)
}

func tokenUserIndexPrefix(userID string) []byte {
	return []byte("idx::user::" + userID + "::")
}

func permissionKey(userID, hostID string) []byte {
	return []byte(userID + "::" + hostID)
}

func permissionHostIndexKey(hostID, userID string) []byte {
	return []byte("idx::host::" + hostID + "::" + userID)
}

func permissionHostIndexPrefix(hostID string) []byte {
	return []byte("idx::host::" + hostID + "::")
}

var indexPrefix = []byte("idx::")

func isIndexKey(k []byte) bool {
	return bytes.HasPrefix(k, indexPrefix)
}

// ============================================================
// User CRUD
// ============================================================

// CreateUser persists a new user and its username index atomically.
func (s *Store) CreateUser(user auth.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)

		if existing := b.Get(userIndexKey(user.Username)); existing != nil {
			return auth.ErrUserExists
		}

		if err := b.Put([]byte(user.ID), data); err != nil {
			return err
		}
		return b.Put(userIndexKey(user.Username), []byte(user.ID))
	})
}

// CreateFirstUser atomically creates the initial admin only if no users
// exist. Returns auth.ErrUsersExist otherwise (race protection for
// concurrent bootstrap).
func (s *Store) CreateFirstUser(user auth.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)

		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !isIndexKey(k) {
				return auth.ErrUsersExist
			}
		}

		if err := b.Put([]byte(user.ID), data); err != nil {
			return err
		}
		return b.Put(userIndexKey(user.Username), []byte(user.ID))
	})
}

// GetUser returns a user by ID, or nil when absent.
func (s *Store) GetUser(id string) (*auth.User, error) {
	var user *auth.User
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUsers).Get([]byte(id))
		if v == nil {
			return nil
		}
		var u auth.User
		if err := json.Unmarshal(v, &u); err != nil {
			return fmt.Errorf("unmarshal user: %w", err)
		}
		user = &u
		return nil
	})
	return user, err
}

// GetUserByUsername resolves the username index, then the record.
func (s *Store) GetUserByUsername(username string) (*auth.User, error) {
	var user *auth.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		id := b.Get(userIndexKey(username))
		if id == nil {
			return nil
		}
		v := b.Get(id)
		if v == nil {
			return nil
		}
		var u auth.User
		if err := json.Unmarshal(v, &u); err != nil {
			return fmt.Errorf("unmarshal user: %w", err)
		}
		user = &u
		return nil
	})
	return user, err
}

// UpdateUser replaces a user record, moving the username index if the
// name changed.
func (s *Store) UpdateUser(user auth.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)

		old := b.Get([]byte(user.ID))
		if old == nil {
			return auth.ErrUserNotFound
		}
		var prev auth.User
		if err := json.Unmarshal(old, &prev); err == nil && prev.Username != user.Username {
			if taken := b.Get(userIndexKey(user.Username)); taken != nil {
				return auth.ErrUserExists
			}
			if err := b.Delete(userIndexKey(prev.Username)); err != nil {
				return err
			}
			if err := b.Put(userIndexKey(user.Username), []byte(user.ID)); err != nil {
				return err
			}
		}
		return b.Put([]byte(user.ID), data)
	})
}

// DeleteUser removes a user and its username index.
func (s *Store) DeleteUser(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get([]byte(id))
		if v == nil {
			return auth.ErrUserNotFound
		}
		var u auth.User
		if err := json.Unmarshal(v, &u); err == nil {
			if err := b.Delete(userIndexKey(u.Username)); err != nil {
				return err
			}
		}
		return b.Delete([]byte(id))
	})
}

// ListUsers returns all users.
func (s *Store) ListUsers() ([]auth.User, error) {
	var users []auth.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var u auth.User
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("unmarshal user %s: %w", k, err)
			}
			users = append(users, u)
			return nil
		})
	})
	return users, err
}

// UserCount returns the number of user records (indexes excluded).
func (s *Store) UserCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, _ []byte) error {
			if !isIndexKey(k) {
				count++
			}
			return nil
		})
	})
	return count, err
}

// ============================================================
// Refresh tokens
// ============================================================

func putToken(b *bolt.Bucket, t auth.RefreshToken) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal refresh token: %w", err)
	}
	if err := b.Put(tokenKey(t.Hash), data); err != nil {
		return err
	}
	if err := b.Put(tokenFamilyIndexKey(t.FamilyID, t.Hash), []byte(t.Hash)); err != nil {
		return err
	}
	return b.Put(tokenUserIndexKey(t.UserID, t.Hash), []byte(t.Hash))
}

func getToken(b *bolt.Bucket, hash string) (*auth.RefreshToken, error) {
	v := b.Get(tokenKey(hash))
	if v == nil {
		return nil, nil
	}
	var t auth.RefreshToken
	if err := json.Unmarshal(v, &t); err != nil {
		return nil, fmt.Errorf("unmarshal refresh token: %w", err)
	}
	return &t, nil
}

// CreateRefreshToken persists a new token link with its family and user
// indexes.
func (s *Store) CreateRefreshToken(t auth.RefreshToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putToken(tx.Bucket(bucketRefresh), t)
	})
}

// GetRefreshToken returns a token by hash, or nil when absent.
func (s *Store) GetRefreshToken(hash string) (*auth.RefreshToken, error) {
	var token *auth.RefreshToken
	err := s.db.View(func(tx *bolt.Tx) error {
		t, err := getToken(tx.Bucket(bucketRefresh), hash)
		token = t
		return err
	})
	return token, err
}

// RotateRefreshToken marks the old link rotated and inserts its
// successor in one transaction, so a crash can never leave a family with
// two live links.
func (s *Store) RotateRefreshToken(oldHash string, successor auth.RefreshToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefresh)

		old, err := getToken(b, oldHash)
		if err != nil {
			return err
		}
		if old == nil {
			return auth.ErrTokenInvalid
		}
		old.Rotated = true
		data, err := json.Marshal(old)
		if err != nil {
			return fmt.Errorf("marshal rotated token: %w", err)
		}
		if err := b.Put(tokenKey(oldHash), data); err != nil {
			return err
		}
		return putToken(b, successor)
	})
}

// RevokeRefreshFamily marks every link in a family revoked.
func (s *Store) RevokeRefreshFamily(familyID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefresh)
		c := b.Cursor()
		prefix := tokenFamilyIndexPrefix(familyID)

		for k, hash := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, hash = c.Next() {
			t, err := getToken(b, string(hash))
			if err != nil || t == nil {
				continue
			}
			t.Revoked = true
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("marshal revoked token: %w", err)
			}
			if err := b.Put(tokenKey(t.Hash), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// RevokeRefreshTokensForUser marks every token of a user revoked.
// Used when a user is deactivated or their password changes.
func (s *Store) RevokeRefreshTokensForUser(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefresh)
		c := b.Cursor()
		prefix := tokenUserIndexPrefix(userID)

		for k, hash := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, hash = c.Next() {
			t, err := getToken(b, string(hash))
			if err != nil || t == nil {
				continue
			}
			t.Revoked = true
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("marshal revoked token: %w", err)
			}
			if err := b.Put(tokenKey(t.Hash), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// FamilyLive reports whether the family still has a usable link: one
// that is neither rotated, revoked, nor expired.
func (s *Store) FamilyLive(familyID string) (bool, error) {
	live := false
	now := time.Now().UTC()
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefresh)
		c := b.Cursor()
		prefix := tokenFamilyIndexPrefix(familyID)

		for k, hash := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, hash = c.Next() {
			t, err := getToken(b, string(hash))
			if err != nil || t == nil {
				continue
			}
			if !t.Rotated && !t.Revoked && t.ExpiresAt.After(now) {
				live = true
				return nil
			}
		}
		return nil
	})
	return live, err
}

// DeleteExpiredRefreshTokens removes expired links and their indexes,
// returning the number deleted.
func (s *Store) DeleteExpiredRefreshTokens() (int, error) {
	deleted := 0
	now := time.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefresh)

		var doomed []auth.RefreshToken
		prefix := []byte("tok::")
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var t auth.RefreshToken
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.ExpiresAt.Before(now) {
				doomed = append(doomed, t)
			}
		}

		for _, t := range doomed {
			if err := b.Delete(tokenKey(t.Hash)); err != nil {
				return err
			}
			if err := b.Delete(tokenFamilyIndexKey(t.FamilyID, t.Hash)); err != nil {
				return err
			}
			if err := b.Delete(tokenUserIndexKey(t.UserID, t.Hash)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ============================================================
// Per-host role overrides
// ============================================================

// SetHostPermission upserts one override and its host index.
func (s *Store) SetHostPermission(p auth.HostPermission) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal host permission: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPermissions)
		if err := b.Put(permissionKey(p.UserID, p.HostID), data); err != nil {
			return err
		}
		return b.Put(permissionHostIndexKey(p.HostID, p.UserID), []byte{1})
	})
}

// DeleteHostPermission removes one override.
func (s *Store) DeleteHostPermission(userID, hostID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPermissions)
		if err := b.Delete(permissionKey(userID, hostID)); err != nil {
			return err
		}
		return b.Delete(permissionHostIndexKey(hostID, userID))
	})
}

// GetHostPermission returns one override, or nil when absent.
func (s *Store) GetHostPermission(userID, hostID string) (*auth.HostPermission, error) {
	var perm *auth.HostPermission
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPermissions).Get(permissionKey(userID, hostID))
		if v == nil {
			return nil
		}
		var p auth.HostPermission
		if err := json.Unmarshal(v, &p); err != nil {
			return fmt.Errorf("unmarshal host permission: %w", err)
		}
		perm = &p
		return nil
	})
	return perm, err
}

// ListHostPermissionsForUser returns all overrides for one user.
func (s *Store) ListHostPermissionsForUser(userID string) ([]auth.HostPermission, error) {
	var perms []auth.HostPermission
	prefix := []byte(userID + "::")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPermissions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p auth.HostPermission
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("unmarshal host permission: %w", err)
			}
			perms = append(perms, p)
		}
		return nil
	})
	return perms, err
}

// ListHostPermissionsForHost returns all overrides on one host.
func (s *Store) ListHostPermissionsForHost(hostID string) ([]auth.HostPermission, error) {
	var perms []auth.HostPermission
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPermissions)
		c := b.Cursor()
		prefix := permissionHostIndexPrefix(hostID)

		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			userID := string(k[len(prefix):])
			v := b.Get(permissionKey(userID, hostID))
			if v == nil {
				continue
			}
			var p auth.HostPermission
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("unmarshal host permission: %w", err)
			}
			perms = append(perms, p)
		}
		return nil
	})
	return perms, err
}

// DeleteHostPermissionsForUser removes every override of one user.
func (s *Store) DeleteHostPermissionsForUser(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPermissions)
		c := b.Cursor()
		prefix := []byte(userID + "::")

		var keys [][]byte
		var hosts []string
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
			var p auth.HostPermission
			if err := json.Unmarshal(v, &p); err == nil {
				hosts = append(hosts, p.HostID)
			}
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, hostID := range hosts {
			if err := b.Delete(permissionHostIndexKey(hostID, userID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteHostPermissionsForHost removes every override on one host.
// Called when the host is deleted.
func (s *Store) DeleteHostPermissionsForHost(hostID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPermissions)
		c := b.Cursor()
		prefix := permissionHostIndexPrefix(hostID)

		var users []string
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			users = append(users, string(k[len(prefix):]))
		}
		for _, userID := range users {
			if err := b.Delete(permissionKey(userID, hostID)); err != nil {
				return err
			}
			if err := b.Delete(permissionHostIndexKey(hostID, userID)); err != nil {
				return err
			}
		}
		return nil
	})
}
