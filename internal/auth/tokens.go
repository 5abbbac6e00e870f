package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// RefreshTokenPrefix marks raw refresh tokens so they are recognisable
	// in logs and support tickets without being guessable.
	RefreshTokenPrefix = "hmr_"
	tokenRawBytes      = 32 // 32 bytes of randomness
	jwtIssuer          = "harbormaster"
)

// GenerateRefreshToken creates a new opaque refresh token.
// Returns the raw token (shown once) and the SHA-256 hash for storage.
func GenerateRefreshToken() (raw string, hash string, err error) {
	b := make([]byte, tokenRawBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	raw = RefreshTokenPrefix + base64.RawURLEncoding.EncodeToString(b)
	return raw, HashToken(raw), nil
}

// GenerateFamilyID creates a random 16-char hex refresh family ID.
func GenerateFamilyID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the SHA-256 hex digest of a token string.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ExtractBearerToken extracts a bearer token from the Authorization header.
// Returns empty string if not present or malformed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// Claims is the access token payload.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Role     Role   `json:"role"`
	FamilyID string `json:"fam"` // refresh family for revocation checks
}

// signAccessToken mints a signed HS256 access token for the user.
func signAccessToken(secret []byte, user *User, familyID string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	jti, err := GenerateFamilyID()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate jti: %w", err)
	}
	expires := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jwtIssuer,
			Subject:   user.ID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Username: user.Username,
		Role:     user.Role,
		FamilyID: familyID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expires, nil
}

// parseAccessToken verifies the signature, issuer, and expiry of a raw
// access token and returns its claims. Expired tokens map to
// ErrTokenExpired, everything else to ErrTokenInvalid.
func parseAccessToken(secret []byte, raw string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return secret, nil
	}, jwt.WithIssuer(jwtIssuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !claims.Role.Valid() {
		return nil, ErrTokenInvalid
	}
	return &claims, nil
}
