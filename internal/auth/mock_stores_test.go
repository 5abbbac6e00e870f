package auth

import (
	"sync"
	"time"
)

// mockUserStore is an in-memory implementation of UserStore for testing.
type mockUserStore struct {
	mu    sync.Mutex
	users map[string]User // keyed by ID
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: make(map[string]User)}
}

func (m *mockUserStore) CreateUser(user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return ErrUserExists
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *mockUserStore) GetUser(id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *mockUserStore) GetUserByUsername(username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, nil
}

func (m *mockUserStore) UpdateUser(user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *mockUserStore) DeleteUser(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	return nil
}

func (m *mockUserStore) ListUsers() ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []User
	for _, u := range m.users {
		result = append(result, u)
	}
	return result, nil
}

func (m *mockUserStore) UserCount() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users), nil
}

func (m *mockUserStore) CreateFirstUser(user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.users) > 0 {
		return ErrUsersExist
	}
	m.users[user.ID] = user
	return nil
}

// mockRefreshStore is an in-memory implementation of RefreshTokenStore.
type mockRefreshStore struct {
	mu     sync.Mutex
	tokens map[string]RefreshToken // keyed by hash
}

func newMockRefreshStore() *mockRefreshStore {
	return &mockRefreshStore{tokens: make(map[string]RefreshToken)}
}

func (m *mockRefreshStore) CreateRefreshToken(t RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.Hash] = t
	return nil
}

func (m *mockRefreshStore) GetRefreshToken(hash string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[hash]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *mockRefreshStore) RotateRefreshToken(oldHash string, successor RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tokens[oldHash]
	if !ok {
		return ErrTokenInvalid
	}
	old.Rotated = true
	m.tokens[oldHash] = old
	m.tokens[successor.Hash] = successor
	return nil
}

func (m *mockRefreshStore) RevokeRefreshFamily(familyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, t := range m.tokens {
		if t.FamilyID == familyID {
			t.Revoked = true
			m.tokens[hash] = t
		}
	}
	return nil
}

func (m *mockRefreshStore) RevokeRefreshTokensForUser(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, t := range m.tokens {
		if t.UserID == userID {
			t.Revoked = true
			m.tokens[hash] = t
		}
	}
	return nil
}

func (m *mockRefreshStore) FamilyLive(familyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, t := range m.tokens {
		if t.FamilyID == familyID && !t.Rotated && !t.Revoked && now.Before(t.ExpiresAt) {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRefreshStore) DeleteExpiredRefreshTokens() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	deleted := 0
	for hash, t := range m.tokens {
		if now.After(t.ExpiresAt) {
			delete(m.tokens, hash)
			deleted++
		}
	}
	return deleted, nil
}

// mockHostPermStore is an in-memory implementation of HostPermissionStore.
type mockHostPermStore struct {
	mu    sync.Mutex
	perms map[string]HostPermission // keyed by userID::hostID
}

func newMockHostPermStore() *mockHostPermStore {
	return &mockHostPermStore{perms: make(map[string]HostPermission)}
}

func permKey(userID, hostID string) string { return userID + "::" + hostID }

func (m *mockHostPermStore) SetHostPermission(p HostPermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perms[permKey(p.UserID, p.HostID)] = p
	return nil
}

func (m *mockHostPermStore) DeleteHostPermission(userID, hostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.perms, permKey(userID, hostID))
	return nil
}

func (m *mockHostPermStore) GetHostPermission(userID, hostID string) (*HostPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.perms[permKey(userID, hostID)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *mockHostPermStore) ListHostPermissionsForUser(userID string) ([]HostPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []HostPermission
	for _, p := range m.perms {
		if p.UserID == userID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *mockHostPermStore) ListHostPermissionsForHost(hostID string) ([]HostPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []HostPermission
	for _, p := range m.perms {
		if p.HostID == hostID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *mockHostPermStore) DeleteHostPermissionsForUser(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, p := range m.perms {
		if p.UserID == userID {
			delete(m.perms, k)
		}
	}
	return nil
}

func (m *mockHostPermStore) DeleteHostPermissionsForHost(hostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, p := range m.perms {
		if p.HostID == hostID {
			delete(m.perms, k)
		}
	}
	return nil
}

// newTestService wires a Service over the in-memory mocks.
func newTestService() (*Service, *mockUserStore, *mockRefreshStore, *mockHostPermStore) {
	users := newMockUserStore()
	refresh := newMockRefreshStore()
	perms := newMockHostPermStore()
	svc := NewService(ServiceConfig{
		Users:      users,
		Refresh:    refresh,
		HostPerms:  perms,
		Log:        discardLogger(),
		JWTSecret:  []byte("0123456789abcdef0123456789abcdef"),
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	})
	return svc, users, refresh, perms
}
