package web

import (
	"net/http"

	"github.com/harbormaster-io/harbormaster/internal/audit"
	"github.com/harbormaster-io/harbormaster/internal/auth"
	"github.com/harbormaster-io/harbormaster/internal/wizard"
)

// wizardFor loads an instance and enforces ownership: only the creator
// or an admin may touch it. Others read "not found" so instances don't
// leak across users.
func (s *Server) wizardFor(w http.ResponseWriter, r *http.Request) (*wizard.Instance, bool) {
	rc := requestContext(r)
	inst, err := s.deps.Wizards.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return nil, false
	}
	if inst.UserID != rc.UserID && rc.Role != auth.RoleAdmin {
		writeError(w, r, CodeNotFound, "wizard not found")
		return nil, false
	}
	return inst, true
}

func (s *Server) handleStartWizard(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermWizardsManage, "") {
		return
	}
	var req struct {
		Kind wizard.Kind `json:"kind"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Kind == "" {
		writeErrorField(w, r, CodeMissingField, "wizard kind is required", "kind")
		return
	}
	rc := requestContext(r)
	inst, err := s.deps.Wizards.Start(req.Kind, rc.UserID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.auditOp(r, "wizard.start", "wizard", inst.ID, "", audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleListWizards(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermWizardsManage, "") {
		return
	}
	rc := requestContext(r)
	filterUser := rc.UserID
	if rc.Role == auth.RoleAdmin {
		filterUser = r.URL.Query().Get("user_id") // empty means all
	}
	list, err := s.deps.Wizards.List(filterUser)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetWizard(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermWizardsManage, "") {
		return
	}
	inst, ok := s.wizardFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// handleWizardStep replaces the active step's fields wholesale.
func (s *Server) handleWizardStep(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermWizardsManage, "") {
		return
	}
	if _, ok := s.wizardFor(w, r); !ok {
		return
	}
	var req struct {
		Fields map[string]any `json:"fields"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, CodeValidation, "malformed request body")
		return
	}
	inst, err := s.deps.Wizards.UpdateStep(r.PathValue("id"), req.Fields)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleWizardNext(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermWizardsManage, "") {
		return
	}
	if _, ok := s.wizardFor(w, r); !ok {
		return
	}
	inst, err := s.deps.Wizards.Next(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleWizardPrevious(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermWizardsManage, "") {
		return
	}
	if _, ok := s.wizardFor(w, r); !ok {
		return
	}
	inst, err := s.deps.Wizards.Previous(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// handleWizardTest runs the probe behind the current step. A failed
// probe is a normal response: the outcome lands in the step's Error.
func (s *Server) handleWizardTest(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermWizardsManage, "") {
		return
	}
	if _, ok := s.wizardFor(w, r); !ok {
		return
	}
	inst, err := s.deps.Wizards.Test(r.Context(), r.PathValue("id"))
	if inst == nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleWizardComplete(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermWizardsManage, "") {
		return
	}
	if _, ok := s.wizardFor(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	inst, err := s.deps.Wizards.Complete(r.Context(), id)
	if err != nil {
		s.auditOp(r, "wizard.complete", "wizard", id, "", audit.OutcomeError, err)
		code, msg := mapError(err)
		if code == CodeInternal {
			code, msg = CodeWizardCommitFailed, err.Error()
		}
		writeError(w, r, code, msg)
		return
	}
	s.auditOp(r, "wizard.complete", "wizard", id, inst.HostID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleWizardCancel(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermWizardsManage, "") {
		return
	}
	if _, ok := s.wizardFor(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Wizards.Cancel(id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.auditOp(r, "wizard.cancel", "wizard", id, "", audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleWizardGenerateKey creates an ed25519 identity for the
// authentication step and returns the public half for the operator to
// install on the target host.
func (s *Server) handleWizardGenerateKey(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermWizardsManage, "") {
		return
	}
	if _, ok := s.wizardFor(w, r); !ok {
		return
	}
	pair, err := s.deps.Wizards.GenerateKey(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	// Only the public half goes over the wire; the private key stays in
	// the instance until completion seals it into the vault.
	writeJSON(w, http.StatusOK, map[string]string{
		"authorized_key": pair.AuthorizedKey,
	})
}
