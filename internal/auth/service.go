package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// UserStore is the interface for user persistence.
type UserStore interface {
	CreateUser(user User) error
	GetUser(id string) (*User, error)
	GetUserByUsername(username string) (*User, error)
	UpdateUser(user User) error
	DeleteUser(id string) error
	ListUsers() ([]User, error)
	UserCount() (int, error)
	// CreateFirstUser atomically creates a user only if no users exist.
	// Returns ErrUsersExist if any users already exist (race protection).
	CreateFirstUser(user User) error
}

// RefreshTokenStore is the interface for refresh token persistence.
// Tokens are keyed by their SHA-256 hash; raw values are never stored.
type RefreshTokenStore interface {
	CreateRefreshToken(t RefreshToken) error
	GetRefreshToken(hash string) (*RefreshToken, error)
	// RotateRefreshToken marks the old token rotated and inserts its
	// successor in a single transaction.
	RotateRefreshToken(oldHash string, successor RefreshToken) error
	RevokeRefreshFamily(familyID string) error
	RevokeRefreshTokensForUser(userID string) error
	// FamilyLive reports whether the family still has a usable link:
	// one that is neither rotated, revoked, nor expired.
	FamilyLive(familyID string) (bool, error)
	DeleteExpiredRefreshTokens() (int, error)
}

// HostPermissionStore is the interface for per-host role overrides.
type HostPermissionStore interface {
	SetHostPermission(p HostPermission) error
	DeleteHostPermission(userID, hostID string) error
	GetHostPermission(userID, hostID string) (*HostPermission, error)
	ListHostPermissionsForUser(userID string) ([]HostPermission, error)
	ListHostPermissionsForHost(hostID string) ([]HostPermission, error)
	DeleteHostPermissionsForUser(userID string) error
	DeleteHostPermissionsForHost(hostID string) error
}

// Service aggregates the identity stores and token configuration.
type Service struct {
	Users     UserStore
	Refresh   RefreshTokenStore
	HostPerms HostPermissionStore
	Log       *slog.Logger

	jwtSecret  []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	rateLimiter *RateLimiter
}

// ServiceConfig holds the configuration for creating a Service.
type ServiceConfig struct {
	Users      UserStore
	Refresh    RefreshTokenStore
	HostPerms  HostPermissionStore
	Log        *slog.Logger
	JWTSecret  []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// NewService creates a new auth service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		Users:       cfg.Users,
		Refresh:     cfg.Refresh,
		HostPerms:   cfg.HostPerms,
		Log:         cfg.Log,
		jwtSecret:   cfg.JWTSecret,
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
		rateLimiter: NewRateLimiter(),
	}
}

// AccessTTL returns the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// Bootstrap seeds the initial admin account when no users exist.
// Returns (true, nil) if a user was created.
func (s *Service) Bootstrap(username, password string) (bool, error) {
	count, err := s.Users.UserCount()
	if err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	hash, err := HashPassword(password)
	if err != nil {
		return false, fmt.Errorf("hash bootstrap password: %w", err)
	}
	id, err := GenerateUserID()
	if err != nil {
		return false, fmt.Errorf("generate user id: %w", err)
	}
	now := time.Now().UTC()
	user := User{
		ID:           id,
		Username:     username,
		PasswordHash: hash,
		Role:         RoleAdmin,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Users.CreateFirstUser(user); err != nil {
		if err == ErrUsersExist {
			return false, nil
		}
		return false, fmt.Errorf("create bootstrap user: %w", err)
	}
	return true, nil
}

// Login authenticates a user and issues an access/refresh token pair.
func (s *Service) Login(ctx context.Context, username, password, ip string) (*TokenPair, *User, error) {
	username = strings.ToLower(strings.TrimSpace(username))

	if !s.rateLimiter.Allow(username, ip) {
		return nil, nil, ErrRateLimited
	}

	user, err := s.Users.GetUserByUsername(username)
	if err != nil || user == nil {
		s.rateLimiter.RecordFailure(username, ip)
		return nil, nil, ErrInvalidCredentials
	}

	if !user.Active {
		s.rateLimiter.RecordFailure(username, ip)
		return nil, nil, ErrInvalidCredentials
	}

	// Check account lockout.
	if user.Locked && time.Now().Before(user.LockedUntil) {
		return nil, nil, ErrAccountLocked
	}

	if !CheckPassword(user.PasswordHash, password) {
		// Record failure and potentially lock the account.
		user.FailedLogins++
		if user.FailedLogins >= accountLockout {
			user.Locked = true
			user.LockedUntil = time.Now().Add(accountLockoutDur)
		}
		_ = s.Users.UpdateUser(*user)
		s.rateLimiter.RecordFailure(username, ip)
		return nil, nil, ErrInvalidCredentials
	}

	// Success — clear failure counters.
	user.FailedLogins = 0
	user.Locked = false
	user.LockedUntil = time.Time{}
	_ = s.Users.UpdateUser(*user)
	s.rateLimiter.Reset(username, ip)

	familyID, err := GenerateFamilyID()
	if err != nil {
		return nil, nil, fmt.Errorf("generate family id: %w", err)
	}
	pair, err := s.issuePair(user, familyID, "")
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// issuePair mints an access token and a refresh token link for the family.
// parentHash is empty for the first link (login).
func (s *Service) issuePair(user *User, familyID, parentHash string) (*TokenPair, error) {
	now := time.Now().UTC()

	raw, hash, err := GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	link := RefreshToken{
		Hash:       hash,
		UserID:     user.ID,
		FamilyID:   familyID,
		ParentHash: parentHash,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.refreshTTL),
	}

	if parentHash == "" {
		if err := s.Refresh.CreateRefreshToken(link); err != nil {
			return nil, fmt.Errorf("store refresh token: %w", err)
		}
	} else {
		if err := s.Refresh.RotateRefreshToken(parentHash, link); err != nil {
			return nil, fmt.Errorf("rotate refresh token: %w", err)
		}
	}

	access, accessExp, err := signAccessToken(s.jwtSecret, user, familyID, now, s.accessTTL)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     raw,
		TokenType:        "bearer",
		ExpiresIn:        int(s.accessTTL.Seconds()),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: link.ExpiresAt,
	}, nil
}

// RefreshPair exchanges a refresh token for a new pair, rotating the link.
// Presenting an already-rotated or revoked link revokes the whole family.
func (s *Service) RefreshPair(ctx context.Context, rawRefresh string) (*TokenPair, error) {
	link, err := s.Refresh.GetRefreshToken(HashToken(rawRefresh))
	if err != nil || link == nil {
		return nil, ErrTokenInvalid
	}

	if link.Revoked {
		return nil, ErrTokenRevoked
	}
	if link.Rotated {
		// Reuse of a spent link means the raw token leaked. Kill the family.
		s.Log.Warn("refresh token reuse detected, revoking family",
			"user_id", link.UserID, "family_id", link.FamilyID)
		_ = s.Refresh.RevokeRefreshFamily(link.FamilyID)
		return nil, ErrTokenRevoked
	}
	if time.Now().After(link.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	user, err := s.Users.GetUser(link.UserID)
	if err != nil || user == nil || !user.Active {
		_ = s.Refresh.RevokeRefreshFamily(link.FamilyID)
		return nil, ErrTokenRevoked
	}

	return s.issuePair(user, link.FamilyID, link.Hash)
}

// Logout revokes the refresh family the presented token belongs to.
// Unknown tokens are a no-op so logout stays idempotent.
func (s *Service) Logout(ctx context.Context, rawRefresh string) error {
	link, err := s.Refresh.GetRefreshToken(HashToken(rawRefresh))
	if err != nil || link == nil {
		return nil
	}
	return s.Refresh.RevokeRefreshFamily(link.FamilyID)
}

// Authenticate verifies an access token and returns a RequestContext.
// A valid token for a deleted or deactivated user maps to ErrTokenRevoked.
func (s *Service) Authenticate(ctx context.Context, rawAccess string) (*RequestContext, error) {
	claims, err := parseAccessToken(s.jwtSecret, rawAccess)
	if err != nil {
		return nil, err
	}

	user, err := s.Users.GetUser(claims.Subject)
	if err != nil || user == nil || !user.Active {
		return nil, ErrTokenRevoked
	}

	return &RequestContext{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		FamilyID: claims.FamilyID,
		TokenID:  claims.ID,
	}, nil
}

// SessionLive reports whether the refresh family behind an access token is
// still usable. Long-lived streams call this on heartbeat ticks so that a
// logout or user revocation ends them, while mere access token expiry
// does not.
func (s *Service) SessionLive(rc *RequestContext) bool {
	user, err := s.Users.GetUser(rc.UserID)
	if err != nil || user == nil || !user.Active {
		return false
	}
	if rc.FamilyID == "" {
		return false
	}
	live, err := s.Refresh.FamilyLive(rc.FamilyID)
	if err != nil {
		return false
	}
	return live
}

// Authorize checks that rc may perform perm, optionally scoped to a host.
// Per-host overrides widen the effective role for that host only.
func (s *Service) Authorize(rc *RequestContext, perm Permission, hostID string) error {
	role := rc.Role
	if hostID != "" && role != RoleAdmin {
		override, err := s.HostPerms.GetHostPermission(rc.UserID, hostID)
		if err == nil && override != nil {
			role = EffectiveRole(role, override)
		}
	}
	if !HasPermission(role, perm) {
		return ErrForbidden
	}
	return nil
}

// CanViewHost reports whether rc has any read access to the host. Handlers
// use this to choose between 404 and 403 on denials.
func (s *Service) CanViewHost(rc *RequestContext, hostID string) bool {
	return s.Authorize(rc, PermHostsView, hostID) == nil
}

// CreateUser validates and persists a new account.
func (s *Service) CreateUser(username, password string, role Role) (*User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return nil, fmt.Errorf("%w: username required", ErrInvalidCredentials)
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	id, err := GenerateUserID()
	if err != nil {
		return nil, fmt.Errorf("generate user id: %w", err)
	}
	now := time.Now().UTC()
	user := User{
		ID:           id,
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Users.CreateUser(user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UserUpdate carries the mutable fields of a user record. Nil means keep.
type UserUpdate struct {
	Username *string
	Role     *Role
	Active   *bool
}

// UpdateUser applies an update, protecting the last active admin from
// demotion or deactivation. Deactivation revokes all refresh tokens.
func (s *Service) UpdateUser(id string, upd UserUpdate) (*User, error) {
	user, err := s.Users.GetUser(id)
	if err != nil || user == nil {
		return nil, ErrUserNotFound
	}

	losesAdmin := false
	if upd.Role != nil {
		if !upd.Role.Valid() {
			return nil, ErrInvalidRole
		}
		if user.Role == RoleAdmin && *upd.Role != RoleAdmin {
			losesAdmin = true
		}
		user.Role = *upd.Role
	}
	deactivated := false
	if upd.Active != nil {
		if user.Active && !*upd.Active {
			deactivated = true
			if user.Role == RoleAdmin {
				losesAdmin = true
			}
		}
		user.Active = *upd.Active
	}
	if losesAdmin {
		if err := s.ensureAnotherAdmin(id); err != nil {
			return nil, err
		}
	}
	if upd.Username != nil {
		user.Username = strings.ToLower(strings.TrimSpace(*upd.Username))
	}

	user.UpdatedAt = time.Now().UTC()
	if err := s.Users.UpdateUser(*user); err != nil {
		return nil, err
	}

	if deactivated {
		if err := s.Refresh.RevokeRefreshTokensForUser(id); err != nil {
			s.Log.Error("failed to revoke tokens for deactivated user", "user_id", id, "error", err)
		}
	}
	return user, nil
}

// ChangePassword sets a new password and revokes all refresh tokens so
// every device must log in again.
func (s *Service) ChangePassword(id, newPassword string) error {
	user, err := s.Users.GetUser(id)
	if err != nil || user == nil {
		return ErrUserNotFound
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = hash
	user.UpdatedAt = time.Now().UTC()
	if err := s.Users.UpdateUser(*user); err != nil {
		return err
	}
	return s.Refresh.RevokeRefreshTokensForUser(id)
}

// DeleteUser removes an account. The last active admin cannot be deleted.
// The store cascades refresh tokens and host permissions.
func (s *Service) DeleteUser(id string) error {
	user, err := s.Users.GetUser(id)
	if err != nil || user == nil {
		return ErrUserNotFound
	}
	if user.Role == RoleAdmin {
		if err := s.ensureAnotherAdmin(id); err != nil {
			return err
		}
	}
	return s.Users.DeleteUser(id)
}

// ensureAnotherAdmin fails with ErrLastAdmin unless an active admin other
// than excludeID exists.
func (s *Service) ensureAnotherAdmin(excludeID string) error {
	users, err := s.Users.ListUsers()
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	for _, u := range users {
		if u.ID != excludeID && u.Role == RoleAdmin && u.Active {
			return nil
		}
	}
	return ErrLastAdmin
}

// SetHostPermissions replaces the per-host overrides for a user.
func (s *Service) SetHostPermissions(userID string, perms []HostPermission) error {
	user, err := s.Users.GetUser(userID)
	if err != nil || user == nil {
		return ErrUserNotFound
	}
	// Admins hold every permission everywhere; an override could only
	// mislead whoever reads it back.
	if user.Role == RoleAdmin && len(perms) > 0 {
		return ErrAdminOverride
	}
	for _, p := range perms {
		if !p.Role.Valid() {
			return ErrInvalidRole
		}
	}
	if err := s.HostPerms.DeleteHostPermissionsForUser(userID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, p := range perms {
		p.UserID = userID
		p.UpdatedAt = now
		if err := s.HostPerms.SetHostPermission(p); err != nil {
			return err
		}
	}
	return nil
}

// HostPermissions returns the per-host overrides for a user.
func (s *Service) HostPermissions(userID string) ([]HostPermission, error) {
	return s.HostPerms.ListHostPermissionsForUser(userID)
}

// SweepExpired removes expired refresh tokens and stale rate limit entries.
// Called periodically from main.
func (s *Service) SweepExpired() {
	if n, err := s.Refresh.DeleteExpiredRefreshTokens(); err != nil {
		s.Log.Error("failed to sweep expired refresh tokens", "error", err)
	} else if n > 0 {
		s.Log.Debug("swept expired refresh tokens", "count", n)
	}
	s.rateLimiter.Cleanup()
}
