package web

import (
	"net/http"
	"time"

	"github.com/harbormaster-io/harbormaster/internal/audit"
	"github.com/harbormaster-io/harbormaster/internal/auth"
	"github.com/harbormaster-io/harbormaster/internal/events"
	"github.com/harbormaster-io/harbormaster/internal/metrics"
)

// userView is the wire shape of a user; the password hash never leaves
// the server.
type userView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      auth.Role `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func viewUser(u *auth.User) userView {
	return userView{
		ID:        u.ID,
		Username:  u.Username,
		Role:      u.Role,
		Active:    u.Active,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// handleLogin authenticates form-encoded credentials and returns a
// token pair.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, CodeValidation, "malformed form body")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		writeErrorField(w, r, CodeMissingField, "username and password are required", "username")
		return
	}

	ip := remoteIP(r)
	pair, user, err := s.deps.Auth.Login(r.Context(), username, password, ip)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("login").Inc()
		s.deps.Audit.Record(audit.Event{
			Username:  username,
			Action:    "auth.login",
			Resource:  "session",
			Outcome:   audit.OutcomeDenied,
			RequestID: requestIDFrom(r.Context()),
			RemoteIP:  ip,
		})
		writeDomainError(w, r, err)
		return
	}

	s.deps.Audit.Record(audit.Event{
		UserID:    user.ID,
		Username:  user.Username,
		Action:    "auth.login",
		Resource:  "session",
		Outcome:   audit.OutcomeSuccess,
		RequestID: requestIDFrom(r.Context()),
		RemoteIP:  ip,
	})
	writeJSON(w, http.StatusOK, pair)
}

// handleRefresh rotates a refresh token for a fresh pair.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeErrorField(w, r, CodeMissingField, "refresh_token is required", "refresh_token")
		return
	}
	pair, err := s.deps.Auth.RefreshPair(r.Context(), req.RefreshToken)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("refresh").Inc()
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout revokes the presented refresh family. Idempotent.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeErrorField(w, r, CodeMissingField, "refresh_token is required", "refresh_token")
		return
	}
	if err := s.deps.Auth.Logout(r.Context(), req.RefreshToken); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// handleMe returns the caller's own account and effective permissions.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	user, err := s.deps.Auth.Users.GetUser(rc.UserID)
	if err != nil || user == nil {
		writeError(w, r, CodeNotFound, "user not found")
		return
	}
	overrides, err := s.deps.Auth.HostPermissions(rc.UserID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":             viewUser(user),
		"permissions":      auth.PermissionsForRole(user.Role),
		"host_permissions": overrides,
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermUsersManage, "") {
		return
	}
	users, err := s.deps.Auth.Users.ListUsers()
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]userView, 0, len(users))
	for i := range users {
		out = append(out, viewUser(&users[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermUsersManage, "") {
		return
	}
	var req struct {
		Username string    `json:"username"`
		Password string    `json:"password"`
		Role     auth.Role `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, CodeValidation, "malformed request body")
		return
	}
	user, err := s.deps.Auth.CreateUser(req.Username, req.Password, req.Role)
	if err != nil {
		s.auditOp(r, "user.create", "user", req.Username, "", audit.OutcomeError, err)
		writeDomainError(w, r, err)
		return
	}
	s.auditOp(r, "user.create", "user", user.ID, "", audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusCreated, viewUser(user))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermUsersManage, "") {
		return
	}
	user, err := s.deps.Auth.Users.GetUser(r.PathValue("id"))
	if err != nil || user == nil {
		writeError(w, r, CodeNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, viewUser(user))
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermUsersManage, "") {
		return
	}
	var req struct {
		Username *string    `json:"username"`
		Role     *auth.Role `json:"role"`
		Active   *bool      `json:"active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, CodeValidation, "malformed request body")
		return
	}
	id := r.PathValue("id")
	user, err := s.deps.Auth.UpdateUser(id, auth.UserUpdate{
		Username: req.Username,
		Role:     req.Role,
		Active:   req.Active,
	})
	if err != nil {
		s.auditOp(r, "user.update", "user", id, "", audit.OutcomeError, err)
		writeDomainError(w, r, err)
		return
	}
	// A deactivated user's live streams must die on the next heartbeat.
	if req.Active != nil && !*req.Active {
		s.publishUserRevoked(id)
	}
	s.auditOp(r, "user.update", "user", id, "", audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, viewUser(user))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermUsersManage, "") {
		return
	}
	rc := requestContext(r)
	id := r.PathValue("id")
	if id == rc.UserID {
		writeError(w, r, CodeValidation, "cannot delete your own account")
		return
	}
	if err := s.deps.Auth.DeleteUser(id); err != nil {
		s.auditOp(r, "user.delete", "user", id, "", audit.OutcomeError, err)
		writeDomainError(w, r, err)
		return
	}
	s.publishUserRevoked(id)
	s.auditOp(r, "user.delete", "user", id, "", audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleChangePassword sets a new password. Users may change their own;
// changing someone else's requires user management rights.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	id := r.PathValue("id")
	if id != rc.UserID && !s.authorize(w, r, auth.PermUsersManage, "") {
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Password == "" {
		writeErrorField(w, r, CodeMissingField, "password is required", "password")
		return
	}
	if err := s.deps.Auth.ChangePassword(id, req.Password); err != nil {
		s.auditOp(r, "user.change_password", "user", id, "", audit.OutcomeError, err)
		writeDomainError(w, r, err)
		return
	}
	s.auditOp(r, "user.change_password", "user", id, "", audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_changed"})
}

func (s *Server) handleGetHostPermissions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermUsersManage, "") {
		return
	}
	perms, err := s.deps.Auth.HostPermissions(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

// handleSetHostPermissions replaces a user's per-host role overrides.
func (s *Server) handleSetHostPermissions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermUsersManage, "") {
		return
	}
	var req struct {
		Permissions []auth.HostPermission `json:"permissions"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, CodeValidation, "malformed request body")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Auth.SetHostPermissions(id, req.Permissions); err != nil {
		s.auditOp(r, "user.set_permissions", "user", id, "", audit.OutcomeError, err)
		writeDomainError(w, r, err)
		return
	}
	s.auditOp(r, "user.set_permissions", "user", id, "", audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// publishUserRevoked tells live streams their user is gone.
func (s *Server) publishUserRevoked(userID string) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(events.Event{
		Type:      events.EventUserRevoked,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	})
}
