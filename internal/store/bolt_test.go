package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/harbormaster-io/harbormaster/internal/audit"
	"github.com/harbormaster-io/harbormaster/internal/auth"
	"github.com/harbormaster-io/harbormaster/internal/docker"
	"github.com/harbormaster-io/harbormaster/internal/hosts"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testUser(id, name string) auth.User {
	now := time.Now().UTC()
	return auth.User{
		ID:           id,
		Username:     name,
		PasswordHash: "$2a$12$notarealhash",
		Role:         auth.RoleOperator,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestUserRoundTrip(t *testing.T) {
	s := openTestStore(t)

	u := testUser("u1", "alice")
	if err := s.CreateUser(u); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetUser("u1")
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.Username != "alice" || got.Role != auth.RoleOperator {
		t.Fatalf("got %+v", got)
	}

	byName, err := s.GetUserByUsername("alice")
	if err != nil || byName == nil || byName.ID != "u1" {
		t.Fatalf("by name: %+v, %v", byName, err)
	}

	count, _ := s.UserCount()
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateUser(testUser("u1", "alice")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.CreateUser(testUser("u2", "alice"))
	if !errors.Is(err, auth.ErrUserExists) {
		t.Fatalf("err = %v, want ErrUserExists", err)
	}
}

func TestCreateFirstUserRace(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateFirstUser(testUser("u1", "admin")); err != nil {
		t.Fatalf("first: %v", err)
	}
	err := s.CreateFirstUser(testUser("u2", "other"))
	if !errors.Is(err, auth.ErrUsersExist) {
		t.Fatalf("err = %v, want ErrUsersExist", err)
	}
}

func TestUpdateUserRename(t *testing.T) {
	s := openTestStore(t)

	u := testUser("u1", "alice")
	s.CreateUser(u)

	u.Username = "alicia"
	if err := s.UpdateUser(u); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, _ := s.GetUserByUsername("alice"); got != nil {
		t.Fatal("old username index survived rename")
	}
	if got, _ := s.GetUserByUsername("alicia"); got == nil || got.ID != "u1" {
		t.Fatalf("new username lookup = %+v", got)
	}
}

func TestDeleteUserRemovesIndex(t *testing.T) {
	s := openTestStore(t)

	s.CreateUser(testUser("u1", "alice"))
	if err := s.DeleteUser("u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.GetUser("u1"); got != nil {
		t.Fatal("user survived delete")
	}
	// Name must be reusable immediately.
	if err := s.CreateUser(testUser("u2", "alice")); err != nil {
		t.Fatalf("recreate with freed name: %v", err)
	}
}

func testToken(hash, user, family string, expires time.Time) auth.RefreshToken {
	return auth.RefreshToken{
		Hash:      hash,
		UserID:    user,
		FamilyID:  family,
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: expires,
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	s := openTestStore(t)
	exp := time.Now().UTC().Add(time.Hour)

	if err := s.CreateRefreshToken(testToken("h1", "u1", "f1", exp)); err != nil {
		t.Fatalf("create: %v", err)
	}
	successor := testToken("h2", "u1", "f1", exp)
	successor.ParentHash = "h1"
	if err := s.RotateRefreshToken("h1", successor); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	old, _ := s.GetRefreshToken("h1")
	if old == nil || !old.Rotated {
		t.Fatalf("old link = %+v, want rotated", old)
	}
	next, _ := s.GetRefreshToken("h2")
	if next == nil || next.Rotated || next.Revoked {
		t.Fatalf("successor = %+v", next)
	}

	live, err := s.FamilyLive("f1")
	if err != nil || !live {
		t.Fatalf("family live = %v, %v", live, err)
	}
}

func TestRotateMissingToken(t *testing.T) {
	s := openTestStore(t)
	err := s.RotateRefreshToken("missing", testToken("h2", "u1", "f1", time.Now().Add(time.Hour)))
	if !errors.Is(err, auth.ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestRevokeRefreshFamily(t *testing.T) {
	s := openTestStore(t)
	exp := time.Now().UTC().Add(time.Hour)

	s.CreateRefreshToken(testToken("h1", "u1", "f1", exp))
	s.CreateRefreshToken(testToken("h2", "u1", "f1", exp))
	s.CreateRefreshToken(testToken("h3", "u1", "f2", exp))

	if err := s.RevokeRefreshFamily("f1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	for _, h := range []string{"h1", "h2"} {
		tok, _ := s.GetRefreshToken(h)
		if tok == nil || !tok.Revoked {
			t.Fatalf("token %s = %+v, want revoked", h, tok)
		}
	}
	other, _ := s.GetRefreshToken("h3")
	if other.Revoked {
		t.Fatal("unrelated family was revoked")
	}
	if live, _ := s.FamilyLive("f1"); live {
		t.Fatal("revoked family reports live")
	}
	if live, _ := s.FamilyLive("f2"); !live {
		t.Fatal("untouched family reports dead")
	}
}

func TestRevokeRefreshTokensForUser(t *testing.T) {
	s := openTestStore(t)
	exp := time.Now().UTC().Add(time.Hour)

	s.CreateRefreshToken(testToken("h1", "u1", "f1", exp))
	s.CreateRefreshToken(testToken("h2", "u2", "f2", exp))

	if err := s.RevokeRefreshTokensForUser("u1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	mine, _ := s.GetRefreshToken("h1")
	if !mine.Revoked {
		t.Fatal("user token not revoked")
	}
	theirs, _ := s.GetRefreshToken("h2")
	if theirs.Revoked {
		t.Fatal("other user's token revoked")
	}
}

func TestDeleteExpiredRefreshTokens(t *testing.T) {
	s := openTestStore(t)

	s.CreateRefreshToken(testToken("h1", "u1", "f1", time.Now().UTC().Add(-time.Hour)))
	s.CreateRefreshToken(testToken("h2", "u1", "f1", time.Now().UTC().Add(time.Hour)))

	n, err := s.DeleteExpiredRefreshTokens()
	if err != nil || n != 1 {
		t.Fatalf("deleted = %d, %v; want 1", n, err)
	}
	if tok, _ := s.GetRefreshToken("h1"); tok != nil {
		t.Fatal("expired token survived")
	}
	if tok, _ := s.GetRefreshToken("h2"); tok == nil {
		t.Fatal("live token deleted")
	}
}

func testHost(id, name string) hosts.Host {
	now := time.Now().UTC()
	return hosts.Host{
		ID:        id,
		Name:      name,
		Kind:      hosts.KindStandalone,
		Transport: docker.TransportLocal,
		Addr:      "/var/run/docker.sock",
		Active:    true,
		Status:    hosts.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestHostRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateHost(testHost("h1", "alpha")); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetHost("h1")
	if err != nil || got == nil || got.Name != "alpha" {
		t.Fatalf("get = %+v, %v", got, err)
	}
	byName, _ := s.GetHostByName("alpha")
	if byName == nil || byName.ID != "h1" {
		t.Fatalf("by name = %+v", byName)
	}

	if err := s.CreateHost(testHost("h2", "alpha")); !errors.Is(err, hosts.ErrNameExists) {
		t.Fatalf("duplicate name err = %v", err)
	}
}

func TestHostListOrderedByCreation(t *testing.T) {
	s := openTestStore(t)

	a := testHost("h1", "alpha")
	b := testHost("h2", "beta")
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	c := testHost("h3", "gamma")
	c.CreatedAt = a.CreatedAt.Add(2 * time.Second)
	// Insert out of order.
	s.CreateHost(c)
	s.CreateHost(a)
	s.CreateHost(b)

	all, err := s.ListHosts()
	if err != nil || len(all) != 3 {
		t.Fatalf("list = %d hosts, %v", len(all), err)
	}
	if all[0].Name != "alpha" || all[2].Name != "gamma" {
		t.Fatalf("order = %s, %s, %s", all[0].Name, all[1].Name, all[2].Name)
	}
}

func TestSetDefaultHostIsExclusive(t *testing.T) {
	s := openTestStore(t)

	a := testHost("h1", "alpha")
	a.Default = true
	s.CreateHost(a)
	s.CreateHost(testHost("h2", "beta"))

	if err := s.SetDefaultHost("h2"); err != nil {
		t.Fatalf("set default: %v", err)
	}
	all, _ := s.ListHosts()
	for _, h := range all {
		if h.ID == "h2" && !h.Default {
			t.Fatal("new default not set")
		}
		if h.ID == "h1" && h.Default {
			t.Fatal("old default not cleared")
		}
	}

	if err := s.SetDefaultHost("missing"); !errors.Is(err, hosts.ErrNotFound) {
		t.Fatalf("missing host err = %v", err)
	}
}

func TestHostPermissions(t *testing.T) {
	s := openTestStore(t)

	p := auth.HostPermission{UserID: "u1", HostID: "h1", Role: auth.RoleAdmin, UpdatedAt: time.Now().UTC()}
	if err := s.SetHostPermission(p); err != nil {
		t.Fatalf("set: %v", err)
	}
	s.SetHostPermission(auth.HostPermission{UserID: "u1", HostID: "h2", Role: auth.RoleOperator})
	s.SetHostPermission(auth.HostPermission{UserID: "u2", HostID: "h1", Role: auth.RoleOperator})

	got, err := s.GetHostPermission("u1", "h1")
	if err != nil || got == nil || got.Role != auth.RoleAdmin {
		t.Fatalf("get = %+v, %v", got, err)
	}

	forUser, _ := s.ListHostPermissionsForUser("u1")
	if len(forUser) != 2 {
		t.Fatalf("for user = %d, want 2", len(forUser))
	}
	forHost, _ := s.ListHostPermissionsForHost("h1")
	if len(forHost) != 2 {
		t.Fatalf("for host = %d, want 2", len(forHost))
	}

	if err := s.DeleteHostPermissionsForHost("h1"); err != nil {
		t.Fatalf("delete for host: %v", err)
	}
	if got, _ := s.GetHostPermission("u1", "h1"); got != nil {
		t.Fatal("permission survived host cleanup")
	}
	if got, _ := s.GetHostPermission("u1", "h2"); got == nil {
		t.Fatal("unrelated permission deleted")
	}

	if err := s.DeleteHostPermissionsForUser("u1"); err != nil {
		t.Fatalf("delete for user: %v", err)
	}
	if left, _ := s.ListHostPermissionsForUser("u1"); len(left) != 0 {
		t.Fatalf("permissions left = %d", len(left))
	}
}

func TestSealedCredentialRoundTrip(t *testing.T) {
	s := openTestStore(t)

	envelope := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := s.PutSealedCredential("h1", envelope); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetSealedCredential("h1")
	if err != nil || string(got) != string(envelope) {
		t.Fatalf("get = %x, %v", got, err)
	}
	if err := s.DeleteSealedCredential("h1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.GetSealedCredential("h1"); got != nil {
		t.Fatal("envelope survived delete")
	}
	// Deleting again is not an error.
	if err := s.DeleteSealedCredential("h1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestAuditAppendAndList(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	for i, action := range []string{"host.create", "container.stop", "container.stop"} {
		err := s.AppendAudit(audit.Event{
			ID:        string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			UserID:    "u1",
			Action:    action,
			Outcome:   audit.OutcomeSuccess,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := s.ListAudit(audit.Filter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("list = %d, %v", len(all), err)
	}
	// Newest first.
	if !all[0].Timestamp.After(all[2].Timestamp) {
		t.Fatalf("not newest first: %v then %v", all[0].Timestamp, all[2].Timestamp)
	}

	stops, _ := s.ListAudit(audit.Filter{Action: "container.stop"})
	if len(stops) != 2 {
		t.Fatalf("filtered = %d, want 2", len(stops))
	}

	page, _ := s.ListAudit(audit.Filter{Limit: 1})
	if len(page) != 1 {
		t.Fatalf("limited = %d, want 1", len(page))
	}
	older, _ := s.ListAudit(audit.Filter{Before: page[0].Timestamp})
	if len(older) != 2 {
		t.Fatalf("page 2 = %d, want 2", len(older))
	}
}

func TestAuditPrune(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	s.AppendAudit(audit.Event{ID: "old", Timestamp: now.Add(-48 * time.Hour), Action: "x"})
	s.AppendAudit(audit.Event{ID: "new", Timestamp: now, Action: "x"})

	n, err := s.PruneAudit(now.Add(-24 * time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("pruned = %d, %v; want 1", n, err)
	}
	left, _ := s.ListAudit(audit.Filter{})
	if len(left) != 1 || left[0].ID != "new" {
		t.Fatalf("left = %+v", left)
	}
}

func TestWizardBlobRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutWizard("w1", []byte(`{"step":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetWizard("w1")
	if err != nil || string(got) != `{"step":1}` {
		t.Fatalf("get = %s, %v", got, err)
	}

	all, _ := s.ListWizards()
	if len(all) != 1 {
		t.Fatalf("list = %d, want 1", len(all))
	}

	if err := s.DeleteWizard("w1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.GetWizard("w1"); got != nil {
		t.Fatal("wizard survived delete")
	}
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)

	if got, _ := s.GetSetting("theme"); got != nil {
		t.Fatal("unset setting not nil")
	}
	if err := s.SetSetting("theme", []byte("dark")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _ := s.GetSetting("theme")
	if string(got) != "dark" {
		t.Fatalf("get = %s", got)
	}
}
