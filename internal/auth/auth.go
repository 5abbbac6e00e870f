package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// Role is a coarse access tier. Roles are strictly ordered:
// viewer < operator < admin.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// roleRank orders roles for widening comparisons.
var roleRank = map[Role]int{
	RoleViewer:   0,
	RoleOperator: 1,
	RoleAdmin:    2,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r grants at least the access of other.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// User represents an operator account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Role         Role      `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Locked       bool      `json:"locked"`        // locked after too many failed logins
	LockedUntil  time.Time `json:"locked_until"`  // unlock time
	FailedLogins int       `json:"failed_logins"` // consecutive failures
}

// RefreshToken is one link in a rotation family. Only the SHA-256 hash of
// the raw token is ever stored. A family starts at login; each refresh
// marks the presented link rotated and issues a successor. Presenting a
// rotated link again revokes the whole family.
type RefreshToken struct {
	Hash       string    `json:"hash"` // SHA-256 hex of the raw token
	UserID     string    `json:"user_id"`
	FamilyID   string    `json:"family_id"`
	ParentHash string    `json:"parent_hash,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Rotated    bool      `json:"rotated"`
	Revoked    bool      `json:"revoked"`
}

// TokenPair is what a successful login or refresh returns.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int       `json:"expires_in"` // access token lifetime in seconds
	AccessExpiresAt  time.Time `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}

// HostPermission widens a user's effective role on a single host.
// An override below the user's base role has no effect.
type HostPermission struct {
	UserID    string    `json:"user_id"`
	HostID    string    `json:"host_id"`
	Role      Role      `json:"role"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RequestContext is extracted from a verified access token by middleware
// and placed in the request context.
type RequestContext struct {
	UserID    string
	Username  string
	Role      Role
	FamilyID  string // refresh family the access token descends from
	TokenID   string // jti
	RemoteIP  string
	RequestID string
}

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountLocked      = errors.New("account temporarily locked")
	ErrRateLimited        = errors.New("too many login attempts")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("username already exists")
	ErrUsersExist         = errors.New("users already exist")
	ErrUserInactive       = errors.New("user deactivated")
	ErrForbidden          = errors.New("permission denied")
	ErrLastAdmin          = errors.New("cannot remove the last admin")
	ErrInvalidRole        = errors.New("unknown role")
	ErrAdminOverride      = errors.New("admins cannot carry host overrides")
)

// contextKey is an unexported type for context keys.
type contextKey struct{}

// ContextKey is the key used to store RequestContext in context.Context.
var ContextKey = contextKey{}

// GenerateUserID creates a random 16-char hex user ID.
func GenerateUserID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
