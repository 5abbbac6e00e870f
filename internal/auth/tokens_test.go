package auth

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateRefreshToken(t *testing.T) {
	t.Run("has prefix and hash matches", func(t *testing.T) {
		raw, hash, err := GenerateRefreshToken()
		if err != nil {
			t.Fatalf("GenerateRefreshToken failed: %v", err)
		}
		if !strings.HasPrefix(raw, RefreshTokenPrefix) {
			t.Errorf("token %q missing prefix %q", raw, RefreshTokenPrefix)
		}
		if hash != HashToken(raw) {
			t.Error("returned hash does not match HashToken(raw)")
		}
		if len(hash) != 64 {
			t.Errorf("hash length = %d, want 64 hex chars", len(hash))
		}
	})

	t.Run("tokens are unique", func(t *testing.T) {
		raw1, _, err := GenerateRefreshToken()
		if err != nil {
			t.Fatalf("GenerateRefreshToken failed: %v", err)
		}
		raw2, _, err := GenerateRefreshToken()
		if err != nil {
			t.Fatalf("GenerateRefreshToken failed: %v", err)
		}
		if raw1 == raw2 {
			t.Error("two generated tokens should not be identical")
		}
	})
}

func TestHashToken(t *testing.T) {
	h1 := HashToken("hmr_sample")
	h2 := HashToken("hmr_sample")
	if h1 != h2 {
		t.Error("HashToken should be deterministic")
	}
	if h1 == HashToken("hmr_other") {
		t.Error("different tokens should hash differently")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid bearer", "Bearer abc123", "abc123"},
		{"with whitespace", "Bearer   abc123  ", "abc123"},
		{"missing prefix", "abc123", ""},
		{"wrong scheme", "Basic abc123", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractBearerToken(tt.header); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	secret := []byte(strings.Repeat("s", 32))
	user := &User{ID: "u-1", Username: "alice", Role: RoleOperator}
	now := time.Now().UTC()

	raw, expires, err := signAccessToken(secret, user, "fam-1", now, 30*time.Minute)
	if err != nil {
		t.Fatalf("signAccessToken failed: %v", err)
	}
	if got, want := expires, now.Add(30*time.Minute); !got.Equal(want) {
		t.Errorf("expiry = %v, want %v", got, want)
	}

	claims, err := parseAccessToken(secret, raw)
	if err != nil {
		t.Fatalf("parseAccessToken failed: %v", err)
	}
	if claims.Subject != "u-1" {
		t.Errorf("Subject = %q, want u-1", claims.Subject)
	}
	if claims.Username != "alice" {
		t.Errorf("Username = %q, want alice", claims.Username)
	}
	if claims.Role != RoleOperator {
		t.Errorf("Role = %q, want operator", claims.Role)
	}
	if claims.FamilyID != "fam-1" {
		t.Errorf("FamilyID = %q, want fam-1", claims.FamilyID)
	}
	if claims.ID == "" {
		t.Error("expected a non-empty jti")
	}
}

func TestParseAccessTokenRejections(t *testing.T) {
	secret := []byte(strings.Repeat("s", 32))
	user := &User{ID: "u-1", Username: "alice", Role: RoleViewer}

	t.Run("expired token", func(t *testing.T) {
		raw, _, err := signAccessToken(secret, user, "fam-1", time.Now().Add(-time.Hour), 30*time.Minute)
		if err != nil {
			t.Fatalf("signAccessToken failed: %v", err)
		}
		if _, err := parseAccessToken(secret, raw); err != ErrTokenExpired {
			t.Errorf("expected ErrTokenExpired, got %v", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		raw, _, err := signAccessToken(secret, user, "fam-1", time.Now(), 30*time.Minute)
		if err != nil {
			t.Fatalf("signAccessToken failed: %v", err)
		}
		other := []byte(strings.Repeat("x", 32))
		if _, err := parseAccessToken(other, raw); err != ErrTokenInvalid {
			t.Errorf("expected ErrTokenInvalid, got %v", err)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		if _, err := parseAccessToken(secret, "not.a.jwt"); err != ErrTokenInvalid {
			t.Errorf("expected ErrTokenInvalid, got %v", err)
		}
	})

	t.Run("invalid role claim", func(t *testing.T) {
		bad := &User{ID: "u-2", Username: "mallory", Role: Role("superuser")}
		raw, _, err := signAccessToken(secret, bad, "fam-2", time.Now(), 30*time.Minute)
		if err != nil {
			t.Fatalf("signAccessToken failed: %v", err)
		}
		if _, err := parseAccessToken(secret, raw); err != ErrTokenInvalid {
			t.Errorf("expected ErrTokenInvalid, got %v", err)
		}
	})
}
