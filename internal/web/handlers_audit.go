package web

import (
	"net/http"
	"time"

	"github.com/harbormaster-io/harbormaster/internal/audit"
	"github.com/harbormaster-io/harbormaster/internal/auth"
)

// handleListAudit queries the audit trail, newest first. Admin only.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermAuditView, "") {
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		UserID:  q.Get("user_id"),
		Action:  q.Get("action"),
		HostID:  q.Get("host_id"),
		Outcome: audit.Outcome(q.Get("outcome")),
		Limit:   queryInt(r, "limit", 100),
	}
	if before := q.Get("before"); before != "" {
		t, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			writeErrorField(w, r, CodeValidation, "before must be RFC 3339", "before")
			return
		}
		f.Before = t
	}
	events, err := s.deps.Audit.List(f)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleListTasks returns the tracked long-running operations.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	all := s.deps.Tasks.List()
	// Non-admins only see their own tasks.
	if rc.Role != auth.RoleAdmin {
		own := all[:0]
		for _, t := range all {
			if t.UserID == rc.UserID {
				own = append(own, t)
			}
		}
		all = own
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	t, ok := s.deps.Tasks.Get(r.PathValue("id"))
	if !ok || (rc.Role != auth.RoleAdmin && t.UserID != rc.UserID) {
		writeError(w, r, CodeNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}
